package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"camrelay/internal/log"
	"camrelay/internal/metrics"
	"camrelay/internal/pipeline"
	"camrelay/internal/reconnect"
)

// State is the reader connection state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateReading      State = "reading"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	StreamID string
	FPS      int // target rate; 0 disables rate control
	Policy   reconnect.Policy
	Logger   zerolog.Logger
}

// ReaderStats is a copy of the reader counters.
type ReaderStats struct {
	Captured   uint64
	Discarded  uint64
	Reconnects uint64
}

// Reader turns a Source into a sequence of frames. One goroutine drives
// Connect/ReadFrame (or Run); Stop and the accessors are safe from any
// goroutine.
type Reader struct {
	id      string
	source  Source
	limiter *rate.Limiter
	backoff *reconnect.Backoff
	logger  zerolog.Logger

	stopCtx    context.Context
	stopCancel context.CancelFunc

	mu      sync.Mutex
	state   State
	stream  Stream
	err     error
	stopped bool

	seq        uint64
	captured   atomic.Uint64
	discarded  atomic.Uint64
	reconnects atomic.Uint64
}

// rateBurst absorbs arrival jitter from a source running at the target rate.
const rateBurst = 2

// NewReader creates an idle reader for src.
func NewReader(src Source, cfg ReaderConfig) *Reader {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reader{
		id:         cfg.StreamID,
		source:     src,
		backoff:    reconnect.NewBackoff(cfg.Policy),
		logger:     cfg.Logger.With().Str(log.FieldSessionID, cfg.StreamID).Logger(),
		stopCtx:    ctx,
		stopCancel: cancel,
		state:      StateIdle,
	}
	if cfg.FPS > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.FPS), rateBurst)
	}
	return r
}

// State returns the current state.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that moved the reader to failed, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stats returns the reader counters.
func (r *Reader) Stats() ReaderStats {
	return ReaderStats{
		Captured:   r.captured.Load(),
		Discarded:  r.discarded.Load(),
		Reconnects: r.reconnects.Load(),
	}
}

// Connect opens the source, retrying transient failures with backoff. It
// returns a terminal error once the retry budget is spent.
func (r *Reader) Connect(ctx context.Context) error {
	ctx, cancel := r.bind(ctx)
	defer cancel()

	r.mu.Lock()
	switch {
	case r.stopped:
		r.mu.Unlock()
		return ErrReaderStopped
	case r.state == StateFailed:
		err := r.err
		r.mu.Unlock()
		return err
	case r.stream != nil:
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.establish(ctx, nil)
}

// ReadFrame returns the next frame at or below the target rate. A lost
// stream is reconnected transparently; sequence numbers continue across
// reconnects.
func (r *Reader) ReadFrame(ctx context.Context) (pipeline.Frame, error) {
	ctx, cancel := r.bind(ctx)
	defer cancel()

	for {
		r.mu.Lock()
		stream, state, stopped, failure := r.stream, r.state, r.stopped, r.err
		r.mu.Unlock()

		switch {
		case stopped:
			return pipeline.Frame{}, ErrReaderStopped
		case state == StateFailed:
			return pipeline.Frame{}, failure
		case stream == nil:
			return pipeline.Frame{}, ErrNotConnected
		}

		raw, err := stream.Next(ctx)
		if err != nil {
			if r.isStopped() {
				return pipeline.Frame{}, ErrReaderStopped
			}
			if ctx.Err() != nil {
				return pipeline.Frame{}, ctx.Err()
			}
			r.dropStream(stream)
			if IsTerminal(err) {
				return pipeline.Frame{}, r.fail(err)
			}
			r.logger.Warn().Err(err).Msg("camera stream lost")
			if err := r.establish(ctx, err); err != nil {
				return pipeline.Frame{}, err
			}
			continue
		}

		now := time.Now()
		if r.limiter != nil && !r.limiter.AllowN(now, 1) {
			r.discarded.Add(1)
			metrics.IncFramesDropped("rate", 1)
			continue
		}

		r.seq++
		r.captured.Add(1)
		metrics.FramesCaptured.Inc()
		return pipeline.Frame{
			StreamID:  r.id,
			Seq:       r.seq,
			Timestamp: now,
			Format:    raw.Format,
			Width:     raw.Width,
			Height:    raw.Height,
			Data:      raw.Data,
		}, nil
	}
}

// Run connects and hands every frame to publish until ctx ends, Stop is
// called, or the reader fails. It returns nil on a clean stop.
func (r *Reader) Run(ctx context.Context, publish func(pipeline.Frame)) error {
	if err := r.Connect(ctx); err != nil {
		return r.runResult(err)
	}
	for {
		frame, err := r.ReadFrame(ctx)
		if err != nil {
			return r.runResult(err)
		}
		publish(frame)
	}
}

// Stop releases the connection and aborts any pending connect, read or
// backoff wait. It is idempotent. A failed reader stays failed.
func (r *Reader) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	stream := r.stream
	r.stream = nil
	old := r.state
	if r.state != StateFailed {
		r.state = StateIdle
	}
	newState := r.state
	r.mu.Unlock()

	r.stopCancel()
	if stream != nil {
		stream.Close()
	}
	if old != newState {
		r.logTransition(old, newState)
	}
}

// establish opens the source, retrying transient failures. cause is the
// error that lost the previous stream, nil for the first connect.
func (r *Reader) establish(ctx context.Context, cause error) error {
	lastErr := cause
	if cause == nil {
		r.setState(StateConnecting)
	}

	for {
		if lastErr != nil {
			r.setState(StateReconnecting)
			r.reconnects.Add(1)
			metrics.CameraReconnects.Inc()
			if err := r.backoff.Wait(ctx); err != nil {
				if errors.Is(err, reconnect.ErrExhausted) {
					return r.fail(&SourceError{
						Kind:     Terminal,
						Category: CategoryExhausted,
						Err:      fmt.Errorf("gave up after %d attempts: %w", r.backoff.Attempt(), lastErr),
					})
				}
				return r.interrupted(err)
			}
			r.logger.Info().
				Int(log.FieldAttempt, r.backoff.Attempt()).
				Int(log.FieldMaxAttempts, r.backoff.Policy().MaxAttempts).
				Dur(log.FieldDelay, r.backoff.Delay()).
				Msg("reconnecting camera")
		}

		if r.isStopped() {
			return ErrReaderStopped
		}

		stream, err := r.source.Open(ctx)
		if err == nil {
			r.mu.Lock()
			if r.stopped {
				r.mu.Unlock()
				stream.Close()
				return ErrReaderStopped
			}
			r.stream = stream
			r.mu.Unlock()
			r.backoff.Reset()
			r.setState(StateReading)
			return nil
		}

		if ctx.Err() != nil {
			return r.interrupted(ctx.Err())
		}
		if IsTerminal(err) {
			return r.fail(err)
		}
		r.logger.Warn().Err(err).Str("category", CategoryOf(err).String()).Msg("camera connect failed")
		lastErr = err
	}
}

func (r *Reader) fail(err error) error {
	r.mu.Lock()
	stream := r.stream
	r.stream = nil
	old := r.state
	r.state = StateFailed
	r.err = err
	r.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	r.logger.Error().Err(err).Msg("camera reader failed")
	if old != StateFailed {
		r.logTransition(old, StateFailed)
	}
	return err
}

func (r *Reader) dropStream(s Stream) {
	r.mu.Lock()
	if r.stream == s {
		r.stream = nil
	}
	r.mu.Unlock()
	s.Close()
}

func (r *Reader) setState(s State) {
	r.mu.Lock()
	old := r.state
	if old == s || r.stopped || old == StateFailed {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.mu.Unlock()
	r.logTransition(old, s)
}

func (r *Reader) logTransition(old, s State) {
	metrics.IncCameraTransition(string(s))
	r.logger.Debug().
		Str(log.FieldOldState, string(old)).
		Str(log.FieldNewState, string(s)).
		Msg("camera state changed")
}

func (r *Reader) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Reader) interrupted(err error) error {
	if r.isStopped() {
		return ErrReaderStopped
	}
	return err
}

func (r *Reader) runResult(err error) error {
	if errors.Is(err, ErrReaderStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// bind derives a context that is also cancelled by Stop.
func (r *Reader) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.stopCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
