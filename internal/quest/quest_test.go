package quest_test

import (
	"math"
	"testing"
	"time"

	"github.com/questly/questmonitor/internal/quest"
)

func ptr[T any](v T) *T { return &v }

func TestDeriveStatus(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		detail quest.SessionDetail
		want   quest.Status
	}{
		{name: "default", detail: quest.SessionDetail{}, want: quest.StatusScheduled},
		{name: "active", detail: quest.SessionDetail{IsActive: true}, want: quest.StatusInProgress},
		{name: "ended", detail: quest.SessionDetail{IsActive: true, EndDate: &now}, want: quest.StatusCompleted},
		{name: "cancelled wins over end date", detail: quest.SessionDetail{EndDate: &now, EndReason: ptr("cancelled")}, want: quest.StatusCancelled},
		{name: "cancelled without end date", detail: quest.SessionDetail{EndReason: ptr("Cancelled")}, want: quest.StatusCancelled},
		{name: "completed reason", detail: quest.SessionDetail{EndDate: &now, EndReason: ptr("completed")}, want: quest.StatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quest.DeriveStatus(tt.detail); got != tt.want {
				t.Errorf("DeriveStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMarkEndedKeepsCancellation(t *testing.T) {
	d := quest.SessionDetail{IsActive: true}
	at := time.Now()

	d.MarkCancelled(at)
	d.MarkEnded(at.Add(time.Minute))

	if got := quest.DeriveStatus(d); got != quest.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got)
	}
	if !d.EndDate.Equal(at) {
		t.Errorf("end date moved to %v", d.EndDate)
	}
}

func TestProgress(t *testing.T) {
	tests := []struct {
		passed, total, want int
	}{
		{3, 4, 75},
		{0, 4, 0},
		{1, 3, 33},
		{2, 3, 67},
		{4, 4, 100},
		{5, 4, 100},
		{3, 0, 0},
		{-1, 4, 0},
	}

	for _, tt := range tests {
		if got := quest.Progress(tt.passed, tt.total); got != tt.want {
			t.Errorf("Progress(%d, %d) = %d, want %d", tt.passed, tt.total, got, tt.want)
		}
	}
}

func TestBarColor(t *testing.T) {
	tests := []struct {
		progress int
		want     string
	}{
		{0, quest.BarColorLow},
		{39, quest.BarColorLow},
		{40, quest.BarColorMid},
		{69, quest.BarColorMid},
		{70, quest.BarColorHigh},
		{100, quest.BarColorHigh},
	}

	for _, tt := range tests {
		if got := quest.BarColor(tt.progress); got != tt.want {
			t.Errorf("BarColor(%d) = %q, want %q", tt.progress, got, tt.want)
		}
	}
}

func TestParseParticipation(t *testing.T) {
	if got := quest.ParseParticipation(nil); got != quest.ParticipationActive {
		t.Errorf("nil = %q", got)
	}
	if got := quest.ParseParticipation(ptr(" REJECTED ")); got != quest.ParticipationRejected {
		t.Errorf("rejected = %q", got)
	}
	if got := quest.ParseParticipation(ptr("disqualified")); !got.Excluded() {
		t.Errorf("disqualified should be excluded")
	}
	if got := quest.ParseParticipation(ptr("joined")); got.Excluded() {
		t.Errorf("unknown status should not be excluded")
	}
}

func TestPolylineKnownVector(t *testing.T) {
	points := []quest.LatLng{
		{Lat: 38.5, Lng: -120.2},
		{Lat: 40.7, Lng: -120.95},
		{Lat: 43.252, Lng: -126.453},
	}
	const want = "_p~iF~ps|U_ulLnnqC_mqNvxq`@"

	if got := quest.EncodePolyline(points); got != want {
		t.Fatalf("EncodePolyline = %q, want %q", got, want)
	}

	decoded, err := quest.DecodePolyline(want)
	if err != nil {
		t.Fatalf("DecodePolyline: %v", err)
	}
	assertPoints(t, decoded, points)
}

func TestPolylineRoundTrip(t *testing.T) {
	routes := [][]quest.LatLng{
		nil,
		{{Lat: 0, Lng: 0}},
		{{Lat: 49.9935, Lng: 36.2304}, {Lat: 49.99412, Lng: 36.23187}, {Lat: 49.99501, Lng: 36.2299}},
		{{Lat: -33.86882, Lng: 151.20929}, {Lat: -33.8568, Lng: 151.21530}, {Lat: -33.87, Lng: 151.2}},
		{{Lat: 89.99999, Lng: 179.99999}, {Lat: -89.99999, Lng: -179.99999}},
	}

	for _, route := range routes {
		decoded, err := quest.DecodePolyline(quest.EncodePolyline(route))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		assertPoints(t, decoded, route)
	}
}

func TestPolylineMalformed(t *testing.T) {
	for _, s := range []string{"_", "_p~iF", "\x01\x02"} {
		if _, err := quest.DecodePolyline(s); err == nil {
			t.Errorf("DecodePolyline(%q): expected error", s)
		}
	}
}

func assertPoints(t *testing.T, got, want []quest.LatLng) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d points, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i].Lat-want[i].Lat) > 1e-5 || math.Abs(got[i].Lng-want[i].Lng) > 1e-5 {
			t.Errorf("point %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := quest.DecodeEvent(quest.EventLocationUpdated, []byte(`{
		"participantLocationId": 9,
		"participantId": 4,
		"userId": 40,
		"userName": "Olena",
		"latitude": 49.99,
		"longitude": 36.23,
		"timestamp": "2026-05-01T10:00:00Z"
	}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}

	loc, ok := ev.(quest.LocationUpdated)
	if !ok {
		t.Fatalf("got %T, want LocationUpdated", ev)
	}
	if loc.ParticipantID != 4 || loc.UserID != 40 || loc.Latitude != 49.99 {
		t.Errorf("unexpected payload %+v", loc)
	}

	if _, err := quest.DecodeEvent("no-such-event", []byte(`{}`)); err == nil {
		t.Error("expected error for unknown event")
	}
	if _, err := quest.DecodeEvent(quest.EventScoresUpdated, []byte(`{"participants": 3}`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}
