package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/vango-go/formvoice/pkg/gateway/live/protocol"
	"github.com/vango-go/formvoice/pkg/transcript"
)

const (
	idAlphabet           = "abcdefghijklmnopqrstuvwxyz0123456789"
	idSuffixLen          = 9
	defaultRecentEntries = 1024
)

type Mode string

const (
	ModeCreation   Mode = "creation"
	ModeCompletion Mode = "completion"
)

// ParseMode maps a wire mode ("form_creation", "form_completion") or a bare mode
// name to a Mode. Anything unrecognized is creation mode.
func ParseMode(raw string) Mode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case protocol.ModeFormCompletion, string(ModeCompletion):
		return ModeCompletion
	default:
		return ModeCreation
	}
}

func (m Mode) Wire() string {
	if m == ModeCompletion {
		return protocol.ModeFormCompletion
	}
	return protocol.ModeFormCreation
}

// Snapshot is the immutable view of a session handed to the persister.
type Snapshot struct {
	ID        string
	Mode      Mode
	CreatedAt time.Time
	EndedAt   time.Time
	Items     []transcript.Item
}

// Persister stores a finalized session and returns where it was written.
type Persister interface {
	Persist(ctx context.Context, snap Snapshot) (location string, err error)
}

type Outcome int

const (
	FinalizeUnknown Outcome = iota
	FinalizePerformed
	FinalizeAlreadyDone
	FinalizeEmptySkip
	FinalizeSuperseded
)

func (o Outcome) String() string {
	switch o {
	case FinalizePerformed:
		return "performed"
	case FinalizeAlreadyDone:
		return "already_done"
	case FinalizeEmptySkip:
		return "empty_skip"
	case FinalizeSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// FinalizeResult reports what a Finalize call did. Err carries a swallowed
// persistence failure for logging; it never changes Outcome.
type FinalizeResult struct {
	Outcome  Outcome
	Location string
	Err      error
}

// Ref names one incarnation of a session id. Create hands out a fresh Ref each
// time, so a relay holding a stale Ref cannot touch a session that replaced it.
type Ref struct {
	ID  string
	gen uint64
}

type session struct {
	id        string
	gen       uint64
	mode      Mode
	createdAt time.Time
	items     []transcript.Item
	finalized bool
}

type StoreOption func(*Store)

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(gen func() string) StoreOption {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRecentCapacity bounds how many finalized ids keep answering AlreadyDone.
func WithRecentCapacity(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.recentCap = n
		}
	}
}

// WithFinalizeObserver is called once per Finalize call with its outcome.
func WithFinalizeObserver(fn func(Outcome)) StoreOption {
	return func(s *Store) { s.observe = fn }
}

// Store is the registry of in-flight conversation sessions.
type Store struct {
	persister Persister
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time
	observe   func(Outcome)

	mu       sync.Mutex
	sessions map[string]*session
	gen      uint64

	recentCap   int
	recent      map[string]struct{}
	recentOrder []string
}

func NewStore(persister Persister, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		persister: persister,
		logger:    logger,
		now:       time.Now,
		sessions:  make(map[string]*session),
		recentCap: defaultRecentEntries,
		recent:    make(map[string]struct{}),
	}
	s.newID = func() string { return NewSessionID(s.now()) }
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewSessionID returns "session_<unix-ms>_<9 chars of [a-z0-9]>".
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), gonanoid.MustGenerate(idAlphabet, idSuffixLen))
}

// Create registers an empty session. An empty id is generated; an id already in
// use is overwritten, and Refs to the replaced session go stale.
func (s *Store) Create(id string, mode Mode) Ref {
	id = strings.TrimSpace(id)
	if id == "" {
		id = s.newID()
	}
	if mode == "" {
		mode = ModeCreation
	}

	s.mu.Lock()
	if _, exists := s.sessions[id]; exists {
		s.logger.Warn("session id reused; overwriting", "session_id", id)
	}
	s.gen++
	ref := Ref{ID: id, gen: s.gen}
	s.sessions[id] = &session{id: id, gen: ref.gen, mode: mode, createdAt: s.now()}
	s.forgetRecentLocked(id)
	s.mu.Unlock()
	return ref
}

// lookupLocked returns the live session ref names, or nil if it was replaced or removed.
func (s *Store) lookupLocked(ref Ref) *session {
	sess := s.sessions[ref.ID]
	if sess == nil || sess.gen != ref.gen {
		return nil
	}
	return sess
}

// SetMode switches the mode of an active session.
func (s *Store) SetMode(ref Ref, mode Mode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookupLocked(ref)
	if sess == nil || sess.finalized {
		return false
	}
	sess.mode = mode
	return true
}

func (s *Store) Mode(id string) (Mode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	if sess == nil {
		return "", false
	}
	return sess.mode, true
}

// RecordClientFrame logs a client event. It never fails.
func (s *Store) RecordClientFrame(ref Ref, ev protocol.ClientEvent) {
	if ev == nil {
		return
	}
	if item, ok := transcript.ClassifyClient(ev); ok {
		s.appendItem(ref, item)
	}
}

// RecordUpstreamFrame logs an upstream event. It never fails.
func (s *Store) RecordUpstreamFrame(ref Ref, ev protocol.UpstreamEvent) {
	if ev == nil {
		return
	}
	if item, ok := transcript.ClassifyUpstream(ev); ok {
		s.appendItem(ref, item)
	}
}

func (s *Store) appendItem(ref Ref, item transcript.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookupLocked(ref)
	if sess == nil || sess.finalized {
		return
	}
	sess.items = append(sess.items, item)
}

// Transcript renders an active session's items.
func (s *Store) Transcript(id string) (string, bool) {
	s.mu.Lock()
	sess := s.sessions[id]
	if sess == nil {
		s.mu.Unlock()
		return "", false
	}
	items := append([]transcript.Item(nil), sess.items...)
	s.mu.Unlock()
	return transcript.Render(items), true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Finalize persists a session exactly once. The first caller performs the
// write; concurrent and later callers get FinalizeAlreadyDone. The session is
// removed once the first attempt completes, whatever its result. A stale ref
// whose id now belongs to a newer session is a no-op reported as
// FinalizeSuperseded.
func (s *Store) Finalize(ctx context.Context, ref Ref) (res FinalizeResult) {
	defer func() {
		if s.observe != nil {
			s.observe(res.Outcome)
		}
	}()

	id := ref.ID
	s.mu.Lock()
	sess := s.sessions[id]
	if sess != nil && sess.gen != ref.gen {
		s.mu.Unlock()
		s.logger.Info("session superseded by a newer connection; not saving", "session_id", id)
		return FinalizeResult{Outcome: FinalizeSuperseded}
	}
	if sess == nil {
		_, done := s.recent[id]
		s.mu.Unlock()
		if done {
			return FinalizeResult{Outcome: FinalizeAlreadyDone}
		}
		return FinalizeResult{Outcome: FinalizeUnknown}
	}
	if sess.finalized {
		s.mu.Unlock()
		return FinalizeResult{Outcome: FinalizeAlreadyDone}
	}
	sess.finalized = true
	snap := Snapshot{
		ID:        sess.id,
		Mode:      sess.mode,
		CreatedAt: sess.createdAt,
		EndedAt:   s.now(),
		Items:     append([]transcript.Item(nil), sess.items...),
	}
	s.mu.Unlock()

	defer s.remove(id, sess)

	if len(snap.Items) == 0 {
		s.logger.Info("no conversation to save", "session_id", id)
		return FinalizeResult{Outcome: FinalizeEmptySkip}
	}
	if s.persister == nil {
		return FinalizeResult{Outcome: FinalizePerformed}
	}

	location, err := s.persist(ctx, snap)
	if err != nil {
		s.logger.Error("failed to persist conversation", "session_id", id, "error", err)
		return FinalizeResult{Outcome: FinalizePerformed, Err: err}
	}
	s.logger.Info("conversation saved", "session_id", id, "location", location, "items", len(snap.Items))
	return FinalizeResult{Outcome: FinalizePerformed, Location: location}
}

func (s *Store) persist(ctx context.Context, snap Snapshot) (location string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("persist panic: %v", r)
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	return s.persister.Persist(ctx, snap)
}

func (s *Store) remove(id string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[id] == sess {
		delete(s.sessions, id)
	}
	s.rememberLocked(id)
}

func (s *Store) rememberLocked(id string) {
	if _, ok := s.recent[id]; ok {
		return
	}
	s.recent[id] = struct{}{}
	s.recentOrder = append(s.recentOrder, id)
	for len(s.recentOrder) > s.recentCap {
		oldest := s.recentOrder[0]
		s.recentOrder = s.recentOrder[1:]
		delete(s.recent, oldest)
	}
}

func (s *Store) forgetRecentLocked(id string) {
	if _, ok := s.recent[id]; !ok {
		return
	}
	delete(s.recent, id)
	for i, v := range s.recentOrder {
		if v == id {
			s.recentOrder = append(s.recentOrder[:i], s.recentOrder[i+1:]...)
			break
		}
	}
}
