package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/questly/questmonitor/internal/api"
)

func newBackend(t *testing.T) (*httptest.Server, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mux
}

func TestSessionSendsBearerToken(t *testing.T) {
	srv, mux := newBackend(t)
	mux.HandleFunc("GET /organizer/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if r.PathValue("id") != "12" {
			t.Errorf("id = %q", r.PathValue("id"))
		}
		w.Write([]byte(`{
			"questSessionId": 12,
			"questId": 3,
			"isActive": true,
			"participants": [{"participantId": 1, "userId": 10, "userName": "Ira", "passedQuestPointCount": 2}]
		}`))
	})

	c := api.New(srv.URL+"/", func() string { return "tok" })
	d, err := c.Session(context.Background(), 12)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if d.ID != 12 || d.QuestID != 3 || !d.IsActive {
		t.Errorf("unexpected detail %+v", d)
	}
	if len(d.Participants) != 1 || *d.Participants[0].UserName != "Ira" {
		t.Errorf("unexpected participants %+v", d.Participants)
	}
	if d.EndDate != nil || d.EndReason != nil {
		t.Error("absent fields should stay nil")
	}
}

func TestUnauthorizedRunsHook(t *testing.T) {
	srv, mux := newBackend(t)
	mux.HandleFunc("GET /organizer/sessions/{id}/scores", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"token expired"}`))
	})

	var cleared bool
	c := api.New(srv.URL, func() string { return "old" }, api.WithUnauthorizedHook(func() { cleared = true }))

	_, err := c.Scores(context.Background(), 1)
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if errors.Is(err, api.ErrNotFound) {
		t.Error("401 should not match ErrNotFound")
	}
	var serr *api.StatusError
	if !errors.As(err, &serr) || serr.Message != "token expired" {
		t.Errorf("unexpected status error %v", err)
	}
	if !cleared {
		t.Error("unauthorized hook not called")
	}
}

func TestNotFound(t *testing.T) {
	srv, _ := newBackend(t)

	c := api.New(srv.URL, nil)
	_, err := c.Checkpoints(context.Background(), 99)
	if !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestModerateAndReschedule(t *testing.T) {
	srv, mux := newBackend(t)

	mux.HandleFunc("POST /organizer/sessions/{id}/photos/{pid}/moderate", func(w http.ResponseWriter, r *http.Request) {
		var req api.ModerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if r.PathValue("pid") != "77" || req.Approved || req.RejectionReason != "blurry" {
			t.Errorf("unexpected moderation %s %+v", r.PathValue("pid"), req)
		}
		w.Write([]byte(`{"success":true}`))
	})

	var gotStart time.Time
	mux.HandleFunc("PUT /organizer/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			StartDate time.Time `json:"startDate"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotStart = body.StartDate
		w.Write([]byte(`{"questSessionId": 5}`))
	})

	c := api.New(srv.URL, func() string { return "tok" })

	resp, err := c.ModeratePhoto(context.Background(), 5, 77, api.ModerateRequest{RejectionReason: "blurry"})
	if err != nil || !resp.Success {
		t.Fatalf("ModeratePhoto = %+v, %v", resp, err)
	}

	start := time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC)
	if err := c.Reschedule(context.Background(), 5, start); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if !gotStart.Equal(start) {
		t.Errorf("start = %v, want %v", gotStart, start)
	}
}

func TestServerTime(t *testing.T) {
	srv, mux := newBackend(t)
	mux.HandleFunc("GET /server-time", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"serverTime":"2026-05-01T10:00:00.250Z"}`))
	})

	got, err := api.New(srv.URL, nil).ServerTime(context.Background())
	if err != nil {
		t.Fatalf("ServerTime: %v", err)
	}
	want := time.Date(2026, 5, 1, 10, 0, 0, 250_000_000, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ServerTime = %v, want %v", got, want)
	}
}

func TestMalformedBody(t *testing.T) {
	srv, mux := newBackend(t)
	mux.HandleFunc("GET /organizer/sessions/{id}/locations/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})

	if _, err := api.New(srv.URL, nil).LatestLocations(context.Background(), 1); err == nil {
		t.Fatal("expected decode error")
	}
}
