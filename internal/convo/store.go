// Package convo owns per-room interview state: the visible transcript and the
// role-tagged turn history fed to the text generator.
package convo

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Default configuration values for Store.
const (
	DefaultIdleTimeout = 30 * time.Minute
	DefaultMaxTurns    = 100
)

var (
	// ErrNotFound is returned when a room has no entry in the store.
	ErrNotFound = errors.New("convo: room not found")
	// ErrExists is returned by Create when the room is already present.
	ErrExists = errors.New("convo: room already exists")
	// ErrStale is returned when a lease outlived the entry it was issued for.
	ErrStale = errors.New("convo: stale lease")
)

// State is the lifecycle state of a room.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateCompleted State = "completed"
)

// Sender identifies who spoke a transcript line.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Role tags a turn history entry for the text generator.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript line.
type Message struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn is one turn history entry.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Room is a snapshot of one interview's state. Snapshots are copies; mutating
// one has no effect on the store.
type Room struct {
	ID          string            `json:"id"`
	Participant string            `json:"participant"`
	State       State             `json:"state"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Messages    []Message         `json:"messages"`
	Turns       []Turn            `json:"-"`
}

// Lease ties a turn in progress to the entry it started on. A room removed or
// recreated while the turn is in flight invalidates the lease.
type Lease struct {
	RoomID     string
	History    []Turn
	generation uint64
}

type entry struct {
	room       Room
	generation uint64
}

// Store is an in-memory, idle-expiring map of rooms. It is safe for
// concurrent use.
type Store struct {
	idleTimeout  time.Duration
	maxTurns     int
	systemPrompt string
	now          func() time.Time

	mu    sync.Mutex
	rooms map[string]*entry
	gen   uint64
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	SystemPrompt string        // first entry of every turn history; required
	IdleTimeout  time.Duration // defaults to DefaultIdleTimeout
	MaxTurns     int           // defaults to DefaultMaxTurns
	Now          func() time.Time
}

// NewStore creates a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		return nil, fmt.Errorf("convo: system prompt is required")
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		idleTimeout:  idle,
		maxTurns:     maxTurns,
		systemPrompt: opts.SystemPrompt,
		now:          now,
		rooms:        make(map[string]*entry),
	}, nil
}

// Create registers a new room in the created state.
func (s *Store) Create(id, participant string, metadata map[string]string) (Room, error) {
	if id == "" {
		return Room{}, fmt.Errorf("convo: room id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; ok {
		return Room{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	e := s.newEntryLocked(id)
	e.room.Participant = participant
	e.room.Metadata = copyMetadata(metadata)
	return snapshot(e), nil
}

// Get returns a snapshot of the room.
func (s *Store) Get(id string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	return snapshot(e), true
}

// Remove deletes the room and returns its final snapshot, marked completed.
// Removing a missing room reports false.
func (s *Store) Remove(id string) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	delete(s.rooms, id)
	e.room.State = StateCompleted
	e.room.UpdatedAt = s.now()
	return snapshot(e), true
}

// AppendMessage appends a transcript line to an existing room.
func (s *Store) AppendMessage(id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	e.room.Messages = append(e.room.Messages, msg)
	e.room.UpdatedAt = s.now()
	return nil
}

// Messages returns a copy of the room's transcript, or an empty slice when
// the room does not exist.
func (s *Store) Messages(id string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[id]
	if !ok {
		return []Message{}
	}
	return append([]Message{}, e.room.Messages...)
}

// Turns returns a copy of the room's turn history.
func (s *Store) Turns(id string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[id]
	if !ok {
		return []Turn{}
	}
	return append([]Turn{}, e.room.Turns...)
}

// Len reports how many rooms are held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// IDs returns the held room ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BeginTurn records a user utterance and returns a lease carrying the turn
// history to generate from. A missing room is created fresh with only the
// system prompt. Two user utterances in a row are merged into one user turn
// so the history keeps alternating.
func (s *Store) BeginTurn(id, speaker, text string) Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[id]
	if !ok {
		e = s.newEntryLocked(id)
	}
	now := s.now()
	if e.room.Participant == "" {
		e.room.Participant = speaker
	}
	e.room.State = StateActive
	e.room.UpdatedAt = now
	e.room.Messages = append(e.room.Messages, Message{Sender: SenderUser, Text: text, Timestamp: now})

	if len(e.room.Turns) == 0 {
		e.room.Turns = append(e.room.Turns, Turn{Role: RoleSystem, Content: s.systemPrompt})
	}
	last := &e.room.Turns[len(e.room.Turns)-1]
	if last.Role == RoleUser {
		last.Content += "\n" + text
	} else {
		e.room.Turns = append(e.room.Turns, Turn{Role: RoleUser, Content: text})
	}
	s.trimTurnsLocked(e)

	return Lease{
		RoomID:     id,
		History:    append([]Turn{}, e.room.Turns...),
		generation: e.generation,
	}
}

// BeginSeed returns a lease for an AI line that is not generated from
// history, creating the room if needed. The turn history is untouched.
func (s *Store) BeginSeed(id string) Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[id]
	if !ok {
		e = s.newEntryLocked(id)
	}
	e.room.State = StateActive
	e.room.UpdatedAt = s.now()
	return Lease{RoomID: id, generation: e.generation}
}

// CommitReply records an AI reply against the lease. The reply is always
// appended to the transcript; it becomes an assistant turn only when
// asTurn is set and the history is waiting on a reply. ErrStale means the
// room was removed or replaced since the lease was issued, and nothing was
// recorded.
func (s *Store) CommitReply(lease Lease, reply string, asTurn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[lease.RoomID]
	if !ok || e.generation != lease.generation {
		return fmt.Errorf("%w: %s", ErrStale, lease.RoomID)
	}
	now := s.now()
	e.room.Messages = append(e.room.Messages, Message{Sender: SenderAI, Text: reply, Timestamp: now})
	e.room.UpdatedAt = now
	if asTurn {
		if n := len(e.room.Turns); n > 0 && e.room.Turns[n-1].Role == RoleUser {
			e.room.Turns = append(e.room.Turns, Turn{Role: RoleAssistant, Content: reply})
			s.trimTurnsLocked(e)
		}
	}
	return nil
}

// Valid reports whether the lease still refers to a live entry.
func (s *Store) Valid(lease Lease) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[lease.RoomID]
	return ok && e.generation == lease.generation
}

// Sweep removes rooms idle longer than the idle timeout as of now and returns
// their final snapshots.
func (s *Store) Sweep(now time.Time) []Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Room
	for id, e := range s.rooms {
		if now.Sub(e.room.UpdatedAt) <= s.idleTimeout {
			continue
		}
		delete(s.rooms, id)
		e.room.State = StateCompleted
		expired = append(expired, snapshot(e))
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

func (s *Store) newEntryLocked(id string) *entry {
	s.gen++
	now := s.now()
	e := &entry{
		room: Room{
			ID:        id,
			State:     StateCreated,
			CreatedAt: now,
			UpdatedAt: now,
		},
		generation: s.gen,
	}
	s.rooms[id] = e
	return e
}

// trimTurnsLocked drops the oldest user/assistant pair while the history is
// over the cap. The system prompt is always kept.
func (s *Store) trimTurnsLocked(e *entry) {
	for len(e.room.Turns) > s.maxTurns && len(e.room.Turns) > 3 {
		e.room.Turns = append(e.room.Turns[:1], e.room.Turns[3:]...)
	}
}

func snapshot(e *entry) Room {
	r := e.room
	r.Metadata = copyMetadata(e.room.Metadata)
	r.Messages = append([]Message{}, e.room.Messages...)
	r.Turns = append([]Turn{}, e.room.Turns...)
	return r
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
