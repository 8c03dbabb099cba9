package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"camrelay/internal/log"
	"camrelay/internal/metrics"
	"camrelay/internal/ws"
)

// Totals aggregates counters across sessions.
type Totals struct {
	Sessions        int    `json:"sessions"`
	ActiveStreams   int    `json:"active_streams"`
	FramesProcessed uint64 `json:"frames_processed"`
}

// Registry is the only place sessions are created, looked up and destroyed.
type Registry struct {
	opts   Options
	store  Store
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(opts Options, store Store) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		opts:     opts,
		store:    store,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}
}

func newID() string {
	return "session-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Create validates cfg and registers a new, not yet started session.
func (r *Registry) Create(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.MaxLatencyMs == 0 && r.opts.MaxLatency > 0 {
		cfg.MaxLatencyMs = int(r.opts.MaxLatency / time.Millisecond)
	}
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	id := newID()
	for r.sessions[id] != nil {
		id = newID()
	}
	s := newSession(id, cfg, time.Now().UTC(), r.opts)
	r.sessions[id] = s
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.SessionsActive.Set(float64(n))

	if r.store != nil {
		if err := r.store.SaveSession(ctx, Record{ID: id, Config: cfg, CreatedAt: s.createdAt}); err != nil {
			r.remove(id)
			s.Close()
			return nil, fmt.Errorf("persist session: %w", err)
		}
	}
	r.logger.Info().Str(log.FieldSessionID, id).Str("camera", string(cfg.Camera.Kind)).Msg("session created")
	return s, nil
}

// Get looks up a session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Session) int {
		if c := a.createdAt.Compare(b.createdAt); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Start starts a session. Starting a running session is a no-op.
func (r *Registry) Start(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Start()
}

// Stop stops a session and waits for its loops to exit.
func (r *Registry) Stop(id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// Status returns a session snapshot.
func (r *Registry) Status(id string) (Snapshot, error) {
	s, err := r.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Status(), nil
}

// Delete tears the session down and forgets it. Unknown ids return
// ErrNotFound and change nothing.
func (r *Registry) Delete(ctx context.Context, id string) error {
	s := r.remove(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Close()

	if r.store != nil {
		if err := r.store.DeleteSession(ctx, id); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldSessionID, id).Msg("failed to delete persisted session")
		}
	}
	r.logger.Info().Str(log.FieldSessionID, id).Msg("session deleted")
	return nil
}

func (r *Registry) remove(id string) *Session {
	r.mu.Lock()
	s := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))
	return s
}

// ResultChannel implements ws.Lookup.
func (r *Registry) ResultChannel(id string) (*ws.Channel, bool) {
	s, err := r.Get(id)
	if err != nil {
		return nil, false
	}
	return s.channel, true
}

// Totals sums counters over all sessions.
func (r *Registry) Totals() Totals {
	sessions := r.List()
	t := Totals{Sessions: len(sessions)}
	for _, s := range sessions {
		if s.Status().IsStreaming {
			t.ActiveStreams++
		}
		t.FramesProcessed += s.processed.Load()
	}
	return t
}

// Restore loads persisted sessions. They come back stopped.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	recs, err := r.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	n := 0
	for _, rec := range recs {
		if _, ok := r.sessions[rec.ID]; ok {
			continue
		}
		cfg, err := rec.Config.Normalize()
		if err != nil {
			r.logger.Warn().Err(err).Str(log.FieldSessionID, rec.ID).Msg("skipping invalid persisted session")
			continue
		}
		s := newSession(rec.ID, cfg, rec.CreatedAt, r.opts)
		s.state = StateStopped
		r.sessions[rec.ID] = s
		n++
	}
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.logger.Info().Int("count", n).Msg("restored sessions")
	return n, nil
}

// Close tears down every session concurrently. Sessions stay persisted.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	metrics.SessionsActive.Set(0)
	r.logger.Info().Int("count", len(sessions)).Msg("registry closed")
}
