package monitor

import (
	"time"

	"github.com/questly/questmonitor/internal/quest"
)

// entry is one roster row. Every independently updated field carries the
// sequence number of the event that last wrote it, so a REST baseline issued
// before that event cannot roll it back.
type entry struct {
	participantID int64
	userID        int64
	name          string
	photoURL      *string
	joinedAt      *time.Time

	score     int
	scoreSeq  uint64
	passed    int
	passedSeq uint64
	active    bool
	status    quest.ParticipationStatus
	reason    *string
	statusSeq uint64
}

func (e *entry) key() int64 {
	if e.participantID != 0 {
		return e.participantID
	}
	return e.userID
}

func rosterKey(participantID, userID int64) int64 {
	if participantID != 0 {
		return participantID
	}
	return userID
}

type located struct {
	loc quest.ParticipantLocation
	seq uint64
}

type pendingItem struct {
	photo quest.PendingPhoto
	seq   uint64
}

// membership records the latest join or leave seen for a roster key since
// the last baseline.
type membership struct {
	seq     uint64
	present bool
	entry   entry
}

type lifecycleMark struct {
	seq       uint64
	cancelled bool
	at        time.Time
}

// baseline is one REST snapshot. Nil or unset parts were not fetched and
// leave the current values alone.
type baseline struct {
	detail       quest.SessionDetail
	quest        *quest.Quest
	checkpoints  []quest.Checkpoint
	scores       *quest.SessionScores
	locations    []quest.ParticipantLocation
	hasLocations bool
	pending      []quest.PendingPhoto
	hasPending   bool
}

// state is owned by the monitor loop goroutine.
type state struct {
	sessionID   int64
	loaded      bool
	detail      quest.SessionDetail
	quest       *quest.Quest
	checkpoints []quest.Checkpoint

	entries    map[int64]*entry
	locations  map[int64]located
	pending    map[int64]pendingItem
	moderated  map[int64]uint64
	membership map[int64]membership
	mark       *lifecycleMark

	seq        uint64
	lastSync   time.Time
	err        string
	channelErr string
	connected  map[quest.Channel]bool
}

func newState(sessionID int64) *state {
	return &state{
		sessionID:  sessionID,
		entries:    make(map[int64]*entry),
		locations:  make(map[int64]located),
		pending:    make(map[int64]pendingItem),
		moderated:  make(map[int64]uint64),
		membership: make(map[int64]membership),
		connected:  make(map[quest.Channel]bool),
	}
}

func (s *state) status() quest.Status {
	return quest.DeriveStatus(s.detail)
}

func (s *state) totalCheckpoints() int {
	if len(s.checkpoints) > 0 {
		return len(s.checkpoints)
	}
	return s.detail.QuestPointCount
}

// find looks a participant up by participant id, then by user id. Either may
// be zero when the event does not carry it.
func (s *state) find(participantID, userID int64) *entry {
	if participantID != 0 {
		if e, ok := s.entries[participantID]; ok && e.participantID == participantID {
			return e
		}
		for _, e := range s.entries {
			if e.participantID == participantID {
				return e
			}
		}
	}
	if userID != 0 {
		for _, e := range s.entries {
			if e.userID == userID {
				return e
			}
		}
	}
	return nil
}

func (s *state) locationFor(e *entry) (quest.ParticipantLocation, bool) {
	if l, ok := s.locations[e.key()]; ok {
		return l.loc, true
	}
	for _, l := range s.locations {
		if (e.participantID != 0 && l.loc.ParticipantID == e.participantID) ||
			(e.userID != 0 && l.loc.UserID == e.userID) {
			return l.loc, true
		}
	}
	return quest.ParticipantLocation{}, false
}

func (s *state) checkpointOrder(pointID int64) (int, bool) {
	for _, cp := range s.checkpoints {
		if cp.ID == pointID {
			return cp.OrderNum, true
		}
	}
	return 0, false
}

func entryFromParticipant(p quest.Participant) (*entry, bool) {
	if _, ok := p.Key(); !ok {
		return nil, false
	}
	e := &entry{
		photoURL: p.PhotoURL,
		joinedAt: p.JoinedAt,
		passed:   p.PassedQuestPointCount,
		status:   quest.ParseParticipation(p.ParticipationStatus),
		reason:   p.RejectionReason,
	}
	if p.ParticipantID != nil {
		e.participantID = *p.ParticipantID
	}
	if p.UserID != nil {
		e.userID = *p.UserID
	}
	if p.UserName != nil {
		e.name = *p.UserName
	}
	return e, true
}

// applyBaseline replaces the view with b. Anything written by an event with
// a sequence number above issued happened after the fetch began and is kept.
func (s *state) applyBaseline(b *baseline, issued uint64) {
	old := s.entries

	s.detail = b.detail
	if b.quest != nil {
		s.quest = b.quest
	}
	s.checkpoints = b.checkpoints

	s.entries = make(map[int64]*entry, len(b.detail.Participants))
	for _, p := range b.detail.Participants {
		e, ok := entryFromParticipant(p)
		if !ok {
			continue
		}
		if prev, ok := old[e.key()]; ok {
			e.active = prev.active
			e.score, e.scoreSeq = prev.score, prev.scoreSeq
			if prev.passedSeq > issued {
				e.passed, e.passedSeq = max(e.passed, prev.passed), prev.passedSeq
			}
			if prev.statusSeq > issued {
				e.status, e.reason, e.statusSeq = prev.status, prev.reason, prev.statusSeq
			}
		}
		s.entries[e.key()] = e
	}

	if b.scores != nil {
		for _, ps := range b.scores.Participants {
			if e := s.find(ps.ParticipantID, ps.UserID); e != nil && e.scoreSeq <= issued {
				e.score = ps.TotalScore
			}
		}
	}

	if b.hasLocations {
		locs := make(map[int64]located, len(b.locations))
		for _, l := range b.locations {
			locs[rosterKey(l.ParticipantID, l.UserID)] = located{loc: l}
		}
		for k, l := range s.locations {
			if l.seq > issued {
				locs[k] = l
			}
		}
		s.locations = locs
	}

	if b.hasPending {
		pending := make(map[int64]pendingItem, len(b.pending))
		for _, p := range b.pending {
			if s.moderated[p.ParticipantTaskPhotoID] > issued {
				continue
			}
			pending[p.ParticipantTaskPhotoID] = pendingItem{photo: p}
		}
		for id, p := range s.pending {
			if p.seq > issued {
				pending[id] = p
			}
		}
		s.pending = pending
	}
	for id, seq := range s.moderated {
		if seq <= issued {
			delete(s.moderated, id)
		}
	}

	for k, m := range s.membership {
		if m.seq <= issued {
			delete(s.membership, k)
			continue
		}
		existing := s.find(m.entry.participantID, m.entry.userID)
		switch {
		case m.present && existing == nil:
			e := m.entry
			if prev, ok := old[k]; ok {
				e = *prev
			}
			s.entries[e.key()] = &e
		case !m.present && existing != nil:
			s.removeEntry(existing)
		}
	}

	if s.mark != nil {
		if s.mark.seq > issued {
			s.applyMark(*s.mark)
		} else {
			s.mark = nil
		}
	}

	s.loaded = true
	s.err = ""
}

func (s *state) removeEntry(e *entry) {
	delete(s.entries, e.key())
	delete(s.locations, e.key())
	if e.participantID != 0 {
		delete(s.locations, e.participantID)
	}
}

func (s *state) applyMark(m lifecycleMark) {
	if m.cancelled {
		s.detail.MarkCancelled(m.at)
	} else {
		s.detail.MarkEnded(m.at)
	}
}

func (s *state) markLifecycle(seq uint64, cancelled bool, at time.Time) {
	m := lifecycleMark{seq: seq, cancelled: cancelled, at: at}
	if s.mark != nil && s.mark.cancelled {
		m.cancelled = true
	}
	s.mark = &m
	s.applyMark(m)
}

// applyEvent merges one push event. Each case writes only the fields the
// event owns; events naming an unknown participant change nothing in the
// roster.
func (s *state) applyEvent(ev quest.Event, now time.Time) {
	s.seq++
	seq := s.seq

	switch e := ev.(type) {
	case quest.ParticipantJoined:
		en := s.find(e.ParticipantID, e.UserID)
		if en == nil {
			joined := e.JoinedAt
			en = &entry{
				participantID: e.ParticipantID,
				userID:        e.UserID,
				name:          e.UserName,
				status:        quest.ParticipationActive,
			}
			if !joined.IsZero() {
				en.joinedAt = &joined
			}
			s.entries[en.key()] = en
		} else if en.name == "" {
			en.name = e.UserName
		}
		s.membership[en.key()] = membership{seq: seq, present: true, entry: *en}

	case quest.ParticipantLeft:
		if en := s.find(e.ParticipantID, e.UserID); en != nil {
			s.removeEntry(en)
		}
		s.membership[rosterKey(e.ParticipantID, e.UserID)] = membership{
			seq:   seq,
			entry: entry{participantID: e.ParticipantID, userID: e.UserID},
		}

	case quest.LocationUpdated:
		s.locations[rosterKey(e.ParticipantID, e.UserID)] = located{
			seq: seq,
			loc: quest.ParticipantLocation{
				ParticipantID: e.ParticipantID,
				UserID:        e.UserID,
				UserName:      e.UserName,
				Latitude:      e.Latitude,
				Longitude:     e.Longitude,
				Timestamp:     e.Timestamp,
			},
		}

	case quest.PointPassed:
		if en := s.find(e.ParticipantID, 0); en != nil {
			if order, ok := s.checkpointOrder(e.PointID); ok {
				en.advance(order, seq)
			}
		}

	case quest.ParticipantPointPassed:
		if en := s.find(0, e.UserID); en != nil {
			en.advance(e.OrderNumber, seq)
		}

	case quest.TaskCompleted:
		if en := s.find(0, e.UserID); en != nil {
			en.score, en.scoreSeq = e.TotalScore, seq
		}

	case quest.ScoresUpdated:
		for _, ps := range e.Participants {
			if en := s.find(ps.ParticipantID, ps.UserID); en != nil {
				en.score, en.scoreSeq = ps.TotalScore, seq
			}
		}

	case quest.PhotoSubmitted:
		delete(s.moderated, e.ParticipantTaskPhotoID)
		s.pending[e.ParticipantTaskPhotoID] = pendingItem{photo: e.Pending(), seq: seq}

	case quest.PhotoModerated:
		delete(s.pending, e.ParticipantTaskPhotoID)
		s.moderated[e.ParticipantTaskPhotoID] = seq
		if en := s.find(0, e.UserID); en != nil {
			en.score, en.scoreSeq = e.TotalScore, seq
		}

	case quest.ParticipantRejected:
		if en := s.find(e.ParticipantID, e.UserID); en != nil {
			en.setStatus(quest.ParticipationRejected, e.RejectionReason, seq)
		}

	case quest.ParticipantDisqualified:
		if en := s.find(e.ParticipantID, e.UserID); en != nil {
			en.setStatus(quest.ParticipationDisqualified, e.RejectionReason, seq)
		}

	case quest.UserJoined:
		if en := s.find(0, e.UserID); en != nil {
			en.active = true
		}

	case quest.UserLeft:
		if en := s.find(0, e.UserID); en != nil {
			en.active = false
		}

	case quest.SessionCancelled:
		s.markLifecycle(seq, true, orNow(e.CancelledAt, now))

	case quest.SessionEnded:
		s.markLifecycle(seq, false, orNow(e.EndedAt, now))

	case quest.ChannelStatus:
		s.connected[e.Channel] = e.Connected
		return
	}

	if now.After(s.lastSync) {
		s.lastSync = now
	}
}

// applyCancelled mirrors the detail returned by a cancel request.
func (s *state) applyCancelled(d quest.SessionDetail, now time.Time) {
	s.seq++
	at := now
	if d.EndDate != nil {
		at = *d.EndDate
	}
	s.markLifecycle(s.seq, true, at)
	if now.After(s.lastSync) {
		s.lastSync = now
	}
}

func (s *state) removePending(photoID int64) {
	s.seq++
	delete(s.pending, photoID)
	s.moderated[photoID] = s.seq
}

// advance moves passed forward to order. Checkpoints are passed in order,
// so a lower order never moves it back.
func (e *entry) advance(order int, seq uint64) {
	if order > e.passed {
		e.passed = order
	}
	e.passedSeq = seq
}

func (e *entry) setStatus(st quest.ParticipationStatus, reason string, seq uint64) {
	e.status = st
	if reason != "" {
		e.reason = &reason
	} else {
		e.reason = nil
	}
	e.statusSeq = seq
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
