// Package quest defines the session domain mirrored from the quest backend:
// sessions, participants, checkpoints and the push events that mutate them.
package quest

import (
	"math"
	"strings"
	"time"
)

type Quest struct {
	ID                  int64   `json:"questId"`
	Title               string  `json:"title"`
	Description         string  `json:"description"`
	StartingLatitude    float64 `json:"startingLatitude"`
	StartingLongitude   float64 `json:"startingLongitude"`
	MaxDurationMinutes  int     `json:"maxDurationMinutes"`
	PhotoURL            *string `json:"photoUrl"`
	MinParticipantCount int     `json:"minParticipantCount"`
	MaxParticipantCount int     `json:"maxParticipantCount"`
}

// SessionDetail is the server's view of one play-through of a quest.
// The client never mutates it except to mirror lifecycle events.
type SessionDetail struct {
	ID                      int64         `json:"questSessionId"`
	QuestID                 int64         `json:"questId"`
	QuestTitle              string        `json:"questTitle,omitempty"`
	StartDate               *time.Time    `json:"startDate"`
	EndDate                 *time.Time    `json:"endDate"`
	IsActive                bool          `json:"isActive"`
	IsFinished              bool          `json:"isFinished"`
	EndReason               *string       `json:"endReason"`
	InviteToken             *string       `json:"inviteToken"`
	ParticipantCount        int           `json:"participantCount"`
	QuestPointCount         int           `json:"questPointCount"`
	PassedQuestPointCount   int           `json:"passedQuestPointCount"`
	Participants            []Participant `json:"participants"`
	QuestDescription        *string       `json:"questDescription,omitempty"`
	QuestPhotoURL           *string       `json:"questPhotoUrl,omitempty"`
	QuestMaxDurationMinutes *int          `json:"questMaxDurationMinutes,omitempty"`
	StartPointName          *string       `json:"startPointName,omitempty"`
}

type Participant struct {
	ParticipantID         *int64     `json:"participantId"`
	UserID                *int64     `json:"userId"`
	UserName              *string    `json:"userName"`
	PhotoURL              *string    `json:"photoUrl,omitempty"`
	JoinedAt              *time.Time `json:"joinedAt,omitempty"`
	ParticipationStatus   *string    `json:"participationStatus,omitempty"`
	RejectionReason       *string    `json:"rejectionReason,omitempty"`
	PassedQuestPointCount int        `json:"passedQuestPointCount"`
}

// Key returns the roster key for p: the participant id, falling back to
// the user id. ok is false when neither is known.
func (p Participant) Key() (key int64, ok bool) {
	switch {
	case p.ParticipantID != nil:
		return *p.ParticipantID, true
	case p.UserID != nil:
		return *p.UserID, true
	default:
		return 0, false
	}
}

type Checkpoint struct {
	ID        int64   `json:"questPointId"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	OrderNum  int     `json:"orderNum"`
}

type ParticipantLocation struct {
	ParticipantID int64     `json:"participantId"`
	UserID        int64     `json:"userId"`
	UserName      string    `json:"userName"`
	PhotoURL      *string   `json:"photoUrl,omitempty"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Timestamp     time.Time `json:"timestamp"`
	IsActive      bool      `json:"isActive"`
}

type ParticipantScore struct {
	ParticipantID       int64   `json:"participantId"`
	UserID              int64   `json:"userId"`
	UserName            string  `json:"userName"`
	PhotoURL            *string `json:"photoUrl,omitempty"`
	TotalScore          int     `json:"totalScore"`
	CompletedTasksCount int     `json:"completedTasksCount"`
}

type SessionScores struct {
	Participants      []ParticipantScore `json:"participants"`
	TotalTasksInQuest int                `json:"totalTasksInQuest"`
}

// Ranking is one finalized row of a completed or cancelled session. Route
// is an encoded polyline of the participant's recorded path.
type Ranking struct {
	ParticipantID         int64   `json:"participantId"`
	UserID                int64   `json:"userId"`
	UserName              string  `json:"userName"`
	Rank                  int     `json:"rank"`
	TotalScore            int     `json:"totalScore"`
	PassedQuestPointCount int     `json:"passedQuestPointCount"`
	ParticipationStatus   *string `json:"participationStatus,omitempty"`
	RejectionReason       *string `json:"rejectionReason,omitempty"`
	Route                 string  `json:"route"`
}

type SessionResults struct {
	SessionID int64     `json:"sessionId"`
	Rankings  []Ranking `json:"rankings"`
}

type PendingPhoto struct {
	ParticipantTaskPhotoID int64     `json:"participantTaskPhotoId"`
	ParticipantTaskID      int64     `json:"participantTaskId"`
	UserID                 int64     `json:"userId"`
	UserName               string    `json:"userName"`
	QuestTaskID            int64     `json:"questTaskId"`
	TaskDescription        string    `json:"taskDescription"`
	PointName              string    `json:"pointName"`
	PhotoURL               string    `json:"photoUrl"`
	UploadDate             time.Time `json:"uploadDate"`
}

type ParticipationStatus string

const (
	ParticipationActive       ParticipationStatus = "active"
	ParticipationRejected     ParticipationStatus = "rejected"
	ParticipationDisqualified ParticipationStatus = "disqualified"
)

// ParseParticipation maps the backend's free-form participation status.
// Anything it does not recognise is treated as active.
func ParseParticipation(s *string) ParticipationStatus {
	if s == nil {
		return ParticipationActive
	}
	switch strings.ToLower(strings.TrimSpace(*s)) {
	case "rejected":
		return ParticipationRejected
	case "disqualified":
		return ParticipationDisqualified
	default:
		return ParticipationActive
	}
}

// Excluded reports whether the participant is kept out of live map and route
// rendering. Excluded participants stay on the roster.
func (s ParticipationStatus) Excluded() bool {
	return s == ParticipationRejected || s == ParticipationDisqualified
}

// Progress returns round(passed/total*100), clamped to 0..100.
// A quest without checkpoints reports 0.
func Progress(passed, total int) int {
	if total <= 0 || passed <= 0 {
		return 0
	}
	if passed >= total {
		return 100
	}
	return int(math.Round(float64(passed) / float64(total) * 100))
}

const (
	BarColorHigh = "#30b79d"
	BarColorMid  = "#f2b630"
	BarColorLow  = "#d1d5db"
)

// BarColor returns the progress bar band for a percentage.
func BarColor(progress int) string {
	switch {
	case progress >= 70:
		return BarColorHigh
	case progress >= 40:
		return BarColorMid
	default:
		return BarColorLow
	}
}
