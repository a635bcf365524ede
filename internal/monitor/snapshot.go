package monitor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/questly/questmonitor/internal/quest"
)

// Snapshot is an immutable, display-ready view of one session. A new value
// is published after every processed message.
type Snapshot struct {
	SessionID     int64                 `json:"sessionId"`
	Version       uint64                `json:"version"`
	Loaded        bool                  `json:"loaded"`
	Status        quest.Status          `json:"status"`
	Timer         string                `json:"timer"`
	StartDate     *time.Time            `json:"startDate,omitempty"`
	EndDate       *time.Time            `json:"endDate,omitempty"`
	Header        Header                `json:"header"`
	Participants  Counts                `json:"counts"`
	Overview      []ParticipantOverview `json:"participants"`
	Markers       []Marker              `json:"markers"`
	Checkpoints   []quest.Checkpoint    `json:"checkpoints"`
	PendingPhotos []quest.PendingPhoto  `json:"pendingPhotos"`
	LastSync      *time.Time            `json:"lastSync,omitempty"`
	Error         string                `json:"error,omitempty"`
	ChannelError  string                `json:"channelError,omitempty"`
	Connectivity  Connectivity          `json:"connectivity"`
}

type Header struct {
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	StartPointName  string `json:"startPointName,omitempty"`
	MaxParticipants int    `json:"maxParticipants,omitempty"`
	InviteToken     string `json:"inviteToken,omitempty"`
	InviteLink      string `json:"inviteLink,omitempty"`
}

type Counts struct {
	Current int `json:"current"`
	Max     int `json:"max,omitempty"`
}

type Connectivity struct {
	Lifecycle bool `json:"lifecycle"`
	Telemetry bool `json:"telemetry"`
}

// ParticipantOverview is one roster row as displayed.
type ParticipantOverview struct {
	ID              string                    `json:"id"`
	ParticipantID   int64                     `json:"participantId,omitempty"`
	UserID          int64                     `json:"userId,omitempty"`
	Name            string                    `json:"name"`
	PhotoURL        *string                   `json:"photoUrl,omitempty"`
	Location        string                    `json:"location"`
	Latitude        *float64                  `json:"latitude,omitempty"`
	Longitude       *float64                  `json:"longitude,omitempty"`
	LastUpdate      *time.Time                `json:"lastUpdate,omitempty"`
	Score           int                       `json:"score"`
	Passed          int                       `json:"passed"`
	Progress        int                       `json:"progress"`
	BarColor        string                    `json:"barColor"`
	Active          bool                      `json:"active"`
	Status          quest.ParticipationStatus `json:"participationStatus"`
	RejectionReason *string                   `json:"rejectionReason,omitempty"`
}

type Marker struct {
	ID        string  `json:"id"`
	Label     string  `json:"label"`
	Color     string  `json:"color"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

var markerPalette = []string{"#3b82f6", "#8b5cf6", "#f59e0b", "#22c55e", "#ef4444", "#06b6d4"}

func paletteColor(key int64) string {
	return markerPalette[uint64(key)%uint64(len(markerPalette))]
}

func (s *state) snapshot(now time.Time, publicURL string, version uint64) *Snapshot {
	status := s.status()
	snap := &Snapshot{
		SessionID:     s.sessionID,
		Version:       version,
		Loaded:        s.loaded,
		Status:        status,
		Timer:         FormatTimer(status, s.detail.StartDate, now),
		StartDate:     s.detail.StartDate,
		EndDate:       s.detail.EndDate,
		Header:        s.header(publicURL),
		Overview:      s.overview(),
		Checkpoints:   append([]quest.Checkpoint(nil), s.checkpoints...),
		PendingPhotos: s.pendingPhotos(),
		Error:         s.err,
		ChannelError:  s.channelErr,
		Connectivity: Connectivity{
			Lifecycle: s.connected[quest.ChannelLifecycle],
			Telemetry: s.connected[quest.ChannelTelemetry],
		},
	}
	snap.Markers = markers(snap.Overview)
	snap.Participants = Counts{Current: len(s.entries), Max: snap.Header.MaxParticipants}
	if !s.lastSync.IsZero() {
		t := s.lastSync
		snap.LastSync = &t
	}
	return snap
}

func (s *state) header(publicURL string) Header {
	h := Header{Title: s.detail.QuestTitle}
	if s.detail.QuestDescription != nil {
		h.Description = *s.detail.QuestDescription
	}
	if s.detail.StartPointName != nil {
		h.StartPointName = *s.detail.StartPointName
	}
	if q := s.quest; q != nil {
		if h.Title == "" {
			h.Title = q.Title
		}
		if h.Description == "" {
			h.Description = q.Description
		}
		h.MaxParticipants = q.MaxParticipantCount
	}
	if h.Title == "" && s.sessionID != 0 {
		h.Title = fmt.Sprintf("Session #%d", s.sessionID)
	}
	if s.detail.InviteToken != nil && *s.detail.InviteToken != "" {
		h.InviteToken = *s.detail.InviteToken
		h.InviteLink = InviteLink(publicURL, h.InviteToken)
	}
	return h
}

// InviteLink joins the public base URL and an invite token.
func InviteLink(publicURL, token string) string {
	return strings.TrimRight(publicURL, "/") + "/join/" + token
}

// overview sorts by score, highest first, then by name and id.
func (s *state) overview() []ParticipantOverview {
	total := s.totalCheckpoints()
	rows := make([]ParticipantOverview, 0, len(s.entries))
	for _, e := range s.entries {
		progress := quest.Progress(e.passed, total)
		row := ParticipantOverview{
			ID:              strconv.FormatInt(e.key(), 10),
			ParticipantID:   e.participantID,
			UserID:          e.userID,
			Name:            e.name,
			PhotoURL:        e.photoURL,
			Score:           e.score,
			Passed:          e.passed,
			Progress:        progress,
			BarColor:        quest.BarColor(progress),
			Active:          e.active,
			Status:          e.status,
			RejectionReason: e.reason,
		}
		if loc, ok := s.locationFor(e); ok {
			lat, lng, ts := loc.Latitude, loc.Longitude, loc.Timestamp
			row.Latitude, row.Longitude = &lat, &lng
			if !ts.IsZero() {
				row.LastUpdate = &ts
			}
			row.Location = fmt.Sprintf("%.4f, %.4f", lat, lng)
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return rows
}

// markers returns one map marker per located participant that is still in
// the game. Rejected and disqualified participants stay in the overview but
// never appear on the map.
func markers(rows []ParticipantOverview) []Marker {
	out := make([]Marker, 0, len(rows))
	for _, r := range rows {
		if r.Status.Excluded() || r.Latitude == nil || r.Longitude == nil {
			continue
		}
		key, _ := strconv.ParseInt(r.ID, 10, 64)
		out = append(out, Marker{
			ID:        r.ID,
			Label:     Initials(r.Name),
			Color:     paletteColor(key),
			Latitude:  *r.Latitude,
			Longitude: *r.Longitude,
		})
	}
	return out
}

func (s *state) pendingPhotos() []quest.PendingPhoto {
	out := make([]quest.PendingPhoto, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.photo)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadDate.Equal(out[j].UploadDate) {
			return out[i].UploadDate.Before(out[j].UploadDate)
		}
		return out[i].ParticipantTaskPhotoID < out[j].ParticipantTaskPhotoID
	})
	return out
}

// Initials returns up to two upper-case initials of name.
func Initials(name string) string {
	var out []rune
	for _, w := range strings.Fields(name) {
		r, _ := utf8.DecodeRuneInString(w)
		out = append(out, unicode.ToUpper(r))
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}

// Route is a decoded participant path from session results.
type Route struct {
	ParticipantID int64          `json:"participantId"`
	UserName      string         `json:"userName"`
	Color         string         `json:"color"`
	Points        []quest.LatLng `json:"points"`
}

// Results is the finalized ranking of a finished session with its routes.
type Results struct {
	SessionID int64           `json:"sessionId"`
	Rankings  []quest.Ranking `json:"rankings"`
	Routes    []Route         `json:"routes"`
}

// Routes decodes ranking paths. Excluded participants and rankings without
// a recorded path are skipped; a malformed path is reported.
func Routes(rankings []quest.Ranking) ([]Route, error) {
	var out []Route
	for _, r := range rankings {
		if quest.ParseParticipation(r.ParticipationStatus).Excluded() || r.Route == "" {
			continue
		}
		points, err := quest.DecodePolyline(r.Route)
		if err != nil {
			return nil, fmt.Errorf("route of participant %d: %w", r.ParticipantID, err)
		}
		key := rosterKey(r.ParticipantID, r.UserID)
		out = append(out, Route{
			ParticipantID: r.ParticipantID,
			UserName:      r.UserName,
			Color:         paletteColor(key),
			Points:        points,
		})
	}
	return out, nil
}
