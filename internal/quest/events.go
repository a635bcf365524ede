package quest

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names as they appear on the wire.
const (
	EventParticipantJoined       = "participant-joined"
	EventParticipantLeft         = "participant-left"
	EventSessionCancelled        = "session-cancelled"
	EventSessionEnded            = "session-ended"
	EventUserJoined              = "user-joined"
	EventUserLeft                = "user-left"
	EventLocationUpdated         = "location-updated"
	EventPointPassed             = "point-passed"
	EventParticipantPointPassed  = "participant-point-passed"
	EventTaskCompleted           = "task-completed"
	EventScoresUpdated           = "scores-updated"
	EventPhotoSubmitted          = "photo-submitted"
	EventPhotoModerated          = "photo-moderated"
	EventParticipantRejected     = "participant-rejected"
	EventParticipantDisqualified = "participant-disqualified"
)

// Event is the closed set of session events fed to the reconciler. Every
// implementation lives in this file.
type Event interface {
	EventName() string
	sessionEvent()
}

type ParticipantJoined struct {
	ParticipantID int64     `json:"participantId"`
	UserID        int64     `json:"userId"`
	UserName      string    `json:"userName"`
	SessionID     int64     `json:"sessionId"`
	JoinedAt      time.Time `json:"joinedAt"`
}

type ParticipantLeft struct {
	ParticipantID int64     `json:"participantId"`
	UserID        int64     `json:"userId"`
	UserName      string    `json:"userName"`
	SessionID     int64     `json:"sessionId"`
	LeftAt        time.Time `json:"leftAt"`
}

type SessionCancelled struct {
	SessionID   int64     `json:"sessionId"`
	CancelledBy string    `json:"cancelledBy"`
	CancelledAt time.Time `json:"cancelledAt"`
	Message     string    `json:"message"`
}

type SessionEnded struct {
	SessionID int64     `json:"sessionId"`
	EndedAt   time.Time `json:"endedAt"`
	Message   string    `json:"message"`
}

// UserJoined and UserLeft report socket presence only. Roster membership
// changes arrive as ParticipantJoined and ParticipantLeft.
type UserJoined struct {
	UserID    int64  `json:"userId"`
	UserName  string `json:"userName"`
	SessionID int64  `json:"sessionId"`
}

type UserLeft struct {
	UserID    int64  `json:"userId"`
	UserName  string `json:"userName"`
	SessionID int64  `json:"sessionId"`
}

type LocationUpdated struct {
	ParticipantLocationID int64     `json:"participantLocationId"`
	ParticipantID         int64     `json:"participantId"`
	UserID                int64     `json:"userId"`
	UserName              string    `json:"userName"`
	Latitude              float64   `json:"latitude"`
	Longitude             float64   `json:"longitude"`
	Timestamp             time.Time `json:"timestamp"`
}

// PointPassed is the personal variant sent to the participant who passed.
type PointPassed struct {
	ParticipantID int64     `json:"participantId"`
	PointID       int64     `json:"pointId"`
	Timestamp     time.Time `json:"timestamp"`
}

// ParticipantPointPassed is the broadcast variant sent to observers.
type ParticipantPointPassed struct {
	PointName    string `json:"pointName"`
	OrderNumber  int    `json:"orderNumber"`
	QuestPointID int64  `json:"questPointId"`
	UserID       int64  `json:"userId"`
	UserName     string `json:"userName"`
}

type TaskCompleted struct {
	UserID      int64     `json:"userId"`
	UserName    string    `json:"userName"`
	TaskID      int64     `json:"taskId"`
	PointName   string    `json:"pointName"`
	ScoreEarned int       `json:"scoreEarned"`
	TotalScore  int       `json:"totalScore"`
	CompletedAt time.Time `json:"completedAt"`
	SessionID   int64     `json:"sessionId"`
}

type ScoresUpdated struct {
	SessionID    int64              `json:"sessionId"`
	Participants []ParticipantScore `json:"participants"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

type PhotoSubmitted struct {
	ParticipantTaskPhotoID int64     `json:"participantTaskPhotoId"`
	ParticipantTaskID      int64     `json:"participantTaskId"`
	UserID                 int64     `json:"userId"`
	UserName               string    `json:"userName"`
	QuestTaskID            int64     `json:"questTaskId"`
	TaskDescription        string    `json:"taskDescription"`
	PointName              string    `json:"pointName"`
	PhotoURL               string    `json:"photoUrl"`
	UploadDate             time.Time `json:"uploadDate"`
	SessionID              int64     `json:"sessionId"`
}

// Pending converts the notice into a moderation queue item.
func (e PhotoSubmitted) Pending() PendingPhoto {
	return PendingPhoto{
		ParticipantTaskPhotoID: e.ParticipantTaskPhotoID,
		ParticipantTaskID:      e.ParticipantTaskID,
		UserID:                 e.UserID,
		UserName:               e.UserName,
		QuestTaskID:            e.QuestTaskID,
		TaskDescription:        e.TaskDescription,
		PointName:              e.PointName,
		PhotoURL:               e.PhotoURL,
		UploadDate:             e.UploadDate,
	}
}

type PhotoModerated struct {
	ParticipantTaskPhotoID int64     `json:"participantTaskPhotoId"`
	ParticipantTaskID      int64     `json:"participantTaskId"`
	UserID                 int64     `json:"userId"`
	UserName               string    `json:"userName"`
	QuestTaskID            int64     `json:"questTaskId"`
	TaskDescription        string    `json:"taskDescription"`
	PointName              string    `json:"pointName"`
	PhotoURL               string    `json:"photoUrl"`
	Approved               bool      `json:"approved"`
	RejectionReason        *string   `json:"rejectionReason,omitempty"`
	ScoreAdjustment        int       `json:"scoreAdjustment"`
	TotalScore             int       `json:"totalScore"`
	SessionID              int64     `json:"sessionId"`
	ModeratedAt            time.Time `json:"moderatedAt"`
}

type ParticipantRejected struct {
	ParticipantID   int64     `json:"participantId"`
	UserID          int64     `json:"userId"`
	UserName        string    `json:"userName"`
	SessionID       int64     `json:"sessionId"`
	RejectionReason string    `json:"rejectionReason"`
	RejectedAt      time.Time `json:"rejectedAt"`
}

type ParticipantDisqualified struct {
	ParticipantID   int64     `json:"participantId"`
	UserID          int64     `json:"userId"`
	UserName        string    `json:"userName"`
	SessionID       int64     `json:"sessionId"`
	RejectionReason string    `json:"rejectionReason"`
	DisqualifiedAt  time.Time `json:"disqualifiedAt"`
}

type Channel string

const (
	ChannelLifecycle Channel = "lifecycle"
	ChannelTelemetry Channel = "telemetry"
)

// ChannelStatus is produced locally by a listener when its transport
// connects or drops. It never appears on the wire.
type ChannelStatus struct {
	Channel   Channel
	Connected bool
}

func (ParticipantJoined) EventName() string       { return EventParticipantJoined }
func (ParticipantLeft) EventName() string         { return EventParticipantLeft }
func (SessionCancelled) EventName() string        { return EventSessionCancelled }
func (SessionEnded) EventName() string            { return EventSessionEnded }
func (UserJoined) EventName() string              { return EventUserJoined }
func (UserLeft) EventName() string                { return EventUserLeft }
func (LocationUpdated) EventName() string         { return EventLocationUpdated }
func (PointPassed) EventName() string             { return EventPointPassed }
func (ParticipantPointPassed) EventName() string  { return EventParticipantPointPassed }
func (TaskCompleted) EventName() string           { return EventTaskCompleted }
func (ScoresUpdated) EventName() string           { return EventScoresUpdated }
func (PhotoSubmitted) EventName() string          { return EventPhotoSubmitted }
func (PhotoModerated) EventName() string          { return EventPhotoModerated }
func (ParticipantRejected) EventName() string     { return EventParticipantRejected }
func (ParticipantDisqualified) EventName() string { return EventParticipantDisqualified }
func (ChannelStatus) EventName() string           { return "channel-status" }

func (ParticipantJoined) sessionEvent()       {}
func (ParticipantLeft) sessionEvent()         {}
func (SessionCancelled) sessionEvent()        {}
func (SessionEnded) sessionEvent()            {}
func (UserJoined) sessionEvent()              {}
func (UserLeft) sessionEvent()                {}
func (LocationUpdated) sessionEvent()         {}
func (PointPassed) sessionEvent()             {}
func (ParticipantPointPassed) sessionEvent()  {}
func (TaskCompleted) sessionEvent()           {}
func (ScoresUpdated) sessionEvent()           {}
func (PhotoSubmitted) sessionEvent()          {}
func (PhotoModerated) sessionEvent()          {}
func (ParticipantRejected) sessionEvent()     {}
func (ParticipantDisqualified) sessionEvent() {}
func (ChannelStatus) sessionEvent()           {}

// DecodeEvent parses a wire payload for the named event.
func DecodeEvent(name string, data []byte) (Event, error) {
	switch name {
	case EventParticipantJoined:
		return decode[ParticipantJoined](data)
	case EventParticipantLeft:
		return decode[ParticipantLeft](data)
	case EventSessionCancelled:
		return decode[SessionCancelled](data)
	case EventSessionEnded:
		return decode[SessionEnded](data)
	case EventUserJoined:
		return decode[UserJoined](data)
	case EventUserLeft:
		return decode[UserLeft](data)
	case EventLocationUpdated:
		return decode[LocationUpdated](data)
	case EventPointPassed:
		return decode[PointPassed](data)
	case EventParticipantPointPassed:
		return decode[ParticipantPointPassed](data)
	case EventTaskCompleted:
		return decode[TaskCompleted](data)
	case EventScoresUpdated:
		return decode[ScoresUpdated](data)
	case EventPhotoSubmitted:
		return decode[PhotoSubmitted](data)
	case EventPhotoModerated:
		return decode[PhotoModerated](data)
	case EventParticipantRejected:
		return decode[ParticipantRejected](data)
	case EventParticipantDisqualified:
		return decode[ParticipantDisqualified](data)
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
}

func decode[T Event](data []byte) (Event, error) {
	var e T
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", e.EventName(), err)
	}
	return e, nil
}
