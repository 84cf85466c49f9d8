package session

import (
	"sync"
	"time"

	"collabcore/backend/internal/chat"
	"collabcore/backend/internal/collab"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDraining Status = "draining"
	StatusClosed   Status = "closed"
)

// palette supplies participant colors, round-robin per session. Two
// simultaneously-online participants only share a color once all eight are
// taken.
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#46c3c3", "#f032e6", "#808000",
}

type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// Session ties one document's sequencer, chat log and participant set
// together. The registry owns its lifecycle; the session itself only guards
// its participant map.
type Session struct {
	ID         string
	DocumentID string
	CreatedAt  time.Time

	Seq  *collab.Sequencer
	Chat *chat.Log

	mu           sync.Mutex
	status       Status
	participants map[string]*Participant
	colorNext    int
	graceTimer   *time.Timer

	closeOnce sync.Once
	closedCh  chan struct{}
}

// Closed is closed once teardown has fully finished, final flush included.
// A joiner that lost the race against teardown waits on it before reloading
// the document, so it cannot observe pre-flush store state.
func (s *Session) Closed() <-chan struct{} {
	return s.closedCh
}

func (s *Session) markClosed() {
	s.closeOnce.Do(func() { close(s.closedCh) })
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Participants returns a copy of the current participant set.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}

// Touch refreshes a participant's last-seen timestamp.
func (s *Session) Touch(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[participantID]; ok {
		p.LastSeen = time.Now()
	}
}

// addParticipant attaches (or re-attaches) a participant, assigning a color
// and cancelling any pending teardown. Reports whether the session was
// usable.
func (s *Session) addParticipant(id, name string) (*Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		// Draining or closed: the registry must hand out a fresh session.
		return nil, false
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.status = StatusActive

	if p, ok := s.participants[id]; ok {
		p.LastSeen = time.Now()
		return p, true
	}
	p := &Participant{
		ID:       id,
		Name:     name,
		Color:    s.nextColorLocked(),
		JoinedAt: time.Now(),
		LastSeen: time.Now(),
	}
	s.participants[id] = p
	return p, true
}

// nextColorLocked walks the palette round-robin, skipping colors already in
// use until the palette is exhausted.
func (s *Session) nextColorLocked() string {
	inUse := make(map[string]bool, len(s.participants))
	for _, p := range s.participants {
		inUse[p.Color] = true
	}
	for i := 0; i < len(palette); i++ {
		c := palette[s.colorNext%len(palette)]
		s.colorNext++
		if !inUse[c] {
			return c
		}
	}
	c := palette[s.colorNext%len(palette)]
	s.colorNext++
	return c
}

// removeParticipant detaches a participant and reports whether the session
// is now empty.
func (s *Session) removeParticipant(id string) (removed, empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[id]; !ok {
		return false, len(s.participants) == 0
	}
	delete(s.participants, id)
	return true, len(s.participants) == 0
}
