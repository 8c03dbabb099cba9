// Package session runs one camera-to-client pipeline per session and keeps
// the registry of live sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"camrelay/internal/camera"
	"camrelay/internal/inference"
	"camrelay/internal/log"
	"camrelay/internal/metrics"
	"camrelay/internal/pipeline"
	"camrelay/internal/reconnect"
	"camrelay/internal/ws"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultMaxLatency       = 200 * time.Millisecond
	DefaultFailureThreshold = 30
	DefaultMaxErrors        = 10
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrClosed        = errors.New("session closed")
	ErrInvalidConfig = errors.New("invalid session config")
	// ErrInferenceDegraded ends a session after too many consecutive
	// inference failures.
	ErrInferenceDegraded = errors.New("inference backend failing")
)

// State is the session lifecycle state.
type State string

const (
	StateCreated    State = "created"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateStopped    State = "stopped"
)

// Config is what a client supplies when creating a session.
type Config struct {
	Camera          camera.Descriptor `json:"camera"`
	EnableInference bool              `json:"enable_inference"`
	MaxLatencyMs    int               `json:"max_latency_ms"`
}

// Normalize fills defaults and validates c.
func (c Config) Normalize() (Config, error) {
	d, err := c.Camera.Normalize()
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	c.Camera = d
	if c.MaxLatencyMs == 0 {
		c.MaxLatencyMs = int(DefaultMaxLatency / time.Millisecond)
	}
	if c.MaxLatencyMs < 0 {
		return c, fmt.Errorf("%w: max_latency_ms must be positive", ErrInvalidConfig)
	}
	return c, nil
}

// MaxLatency is the per-frame inference budget.
func (c Config) MaxLatency() time.Duration {
	return time.Duration(c.MaxLatencyMs) * time.Millisecond
}

// Public returns a copy without camera credentials.
func (c Config) Public() Config {
	c.Camera = c.Camera.Public()
	return c
}

// SourceFactory builds the capture source for a descriptor.
type SourceFactory func(camera.Descriptor) (camera.Source, error)

// Options are the process-wide settings every session is built with.
type Options struct {
	Sources          SourceFactory
	Backend          inference.Backend
	BusCapacity      int
	MaxLatency       time.Duration // used when a config leaves max_latency_ms unset
	Policy           reconnect.Policy
	FailureThreshold int // consecutive transport/invalid-response failures
	FPSWindow        time.Duration
	LatencyWindow    int
	MaxErrors        int
	Channel          ws.ChannelConfig
	Logger           zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Sources == nil {
		o.Sources = func(d camera.Descriptor) (camera.Source, error) {
			return camera.NewSource(d, camera.Options{Logger: o.Logger})
		}
	}
	if o.BusCapacity <= 0 {
		o.BusCapacity = pipeline.DefaultBusCapacity
	}
	if o.Policy == (reconnect.Policy{}) {
		o.Policy = reconnect.DefaultPolicy()
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = DefaultMaxErrors
	}
	return o
}

// run holds the children of one start..stop cycle.
type run struct {
	reader   *camera.Reader
	bus      *pipeline.FrameBus
	client   *inference.Client
	cancel   context.CancelFunc
	done     chan struct{}
	failures int // touched only by the process goroutine
}

// Session owns one camera reader, frame bus, inference client and result
// channel. The reader and bus are rebuilt on every Start; the result channel
// lives as long as the session so a client stays attached across restarts.
type Session struct {
	id        string
	cfg       Config
	createdAt time.Time
	opts      Options
	logger    zerolog.Logger
	channel   *ws.Channel

	fps     *pipeline.RateWindow
	latency *pipeline.LatencyWindow

	mu         sync.Mutex
	state      State
	run        *run
	lastErr    error
	recent     []string
	closed     bool
	droppedOld uint64 // bus drops of finished runs

	processed atomic.Uint64
	skipped   atomic.Uint64
	errCount  atomic.Uint64
	updated   atomic.Int64
}

func newSession(id string, cfg Config, createdAt time.Time, opts Options) *Session {
	logger := opts.Logger.With().Str(log.FieldSessionID, id).Logger()
	s := &Session{
		id:        id,
		cfg:       cfg,
		createdAt: createdAt,
		opts:      opts,
		logger:    logger,
		channel:   ws.NewChannel(id, opts.Channel, logger),
		fps:       pipeline.NewRateWindow(opts.FPSWindow),
		latency:   pipeline.NewLatencyWindow(opts.LatencyWindow),
		state:     StateCreated,
	}
	s.touch()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the normalized session config.
func (s *Session) Config() Config { return s.cfg }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Channel returns the session's result channel.
func (s *Session) Channel() *ws.Channel { return s.channel }

func (s *Session) touch() { s.updated.Store(time.Now().UnixNano()) }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start builds a fresh reader and bus and launches the capture and process
// loops. Starting a running session is a no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrClosed
	case s.run != nil:
		return nil
	}

	src, err := s.opts.Sources(s.cfg.Camera)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		reader: camera.NewReader(src, camera.ReaderConfig{
			StreamID: s.id,
			FPS:      s.cfg.Camera.FPS,
			Policy:   s.opts.Policy,
			Logger:   s.opts.Logger,
		}),
		bus:    pipeline.NewFrameBus(s.opts.BusCapacity),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if s.cfg.EnableInference && s.opts.Backend != nil {
		r.client = inference.NewClient(s.opts.Backend, s.logger)
	}

	s.run = r
	s.state = StateConnecting
	s.lastErr = nil
	s.fps.Reset()
	s.latency.Reset()
	s.touch()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.capture(gctx, r) })
	g.Go(func() error { return s.process(gctx, r) })
	go func() {
		s.finish(r, g.Wait())
		close(r.done)
	}()

	s.logger.Info().
		Str("camera", string(s.cfg.Camera.Kind)).
		Str(log.FieldURL, camera.RedactURL(s.cfg.Camera.URL)).
		Int(log.FieldFPS, s.cfg.Camera.FPS).
		Bool("inference", r.client != nil).
		Msg("session started")
	s.channel.PublishStatus(ws.NewStatusMessage(s.id, string(CameraConnecting), false, ""))
	return nil
}

// Stop cancels the loops and returns once they exited and the camera is
// released. Stopping an idle session is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.reader.Stop()
	r.cancel()
	<-r.done
}

// Close stops the session and ends its result channel. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	s.channel.Close()
}

// capture feeds the bus until the reader stops or fails.
func (s *Session) capture(ctx context.Context, r *run) error {
	defer r.bus.Close()

	first := true
	return r.reader.Run(ctx, func(frame pipeline.Frame) {
		if first {
			first = false
			s.setStreaming(r)
		}
		if err := r.bus.Publish(frame); err != nil && !errors.Is(err, pipeline.ErrBusClosed) {
			s.logger.Error().Err(err).Uint64(log.FieldFrameSeq, frame.Seq).Msg("frame bus invariant violated")
		}
	})
}

// process is the single consumer of the bus.
func (s *Session) process(ctx context.Context, r *run) error {
	for {
		frame, err := r.bus.Consume(ctx)
		if err != nil {
			if errors.Is(err, pipeline.ErrBusClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.handle(ctx, r, frame); err != nil {
			return err
		}
	}
}

func (s *Session) handle(ctx context.Context, r *run, frame pipeline.Frame) error {
	if r.client == nil {
		s.markProcessed()
		return nil
	}

	result, err := r.client.Infer(ctx, frame, s.cfg.MaxLatency())
	if err != nil {
		kind, _ := inference.KindOf(err)
		switch kind {
		case inference.KindCanceled:
			s.skipped.Add(1)
			return nil
		case inference.KindTimeout:
			s.skipped.Add(1)
			s.recordError(fmt.Sprintf("frame %d: inference timeout after %s", frame.Seq, s.cfg.MaxLatency()))
			s.logger.Debug().Uint64(log.FieldFrameSeq, frame.Seq).Msg("inference timed out, frame skipped")
			return nil
		}

		s.skipped.Add(1)
		s.recordError(fmt.Sprintf("frame %d: %v", frame.Seq, err))
		s.logger.Warn().Err(err).Str(log.FieldKind, kind.String()).Uint64(log.FieldFrameSeq, frame.Seq).
			Msg("inference failed")
		r.failures++
		if r.failures >= s.opts.FailureThreshold {
			return fmt.Errorf("%w: %d consecutive failures, last: %v", ErrInferenceDegraded, r.failures, err)
		}
		return nil
	}

	r.failures = 0
	s.channel.Publish(result)
	s.latency.Add(result.Latency)
	s.markProcessed()
	return nil
}

func (s *Session) markProcessed() {
	s.processed.Add(1)
	s.fps.Tick(time.Now())
	s.touch()
	metrics.FramesProcessed.Inc()
}

func (s *Session) setStreaming(r *run) {
	s.mu.Lock()
	if s.run != r || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = StateStreaming
	s.mu.Unlock()
	s.touch()

	s.logger.Info().Msg("session streaming")
	s.channel.PublishStatus(ws.NewStatusMessage(s.id, string(CameraConnected), true, ""))
}

// finish releases the children of r and records why the run ended.
func (s *Session) finish(r *run, err error) {
	r.reader.Stop()
	r.bus.Close()

	s.mu.Lock()
	if s.run == r {
		s.run = nil
		s.state = StateStopped
	}
	s.droppedOld += r.bus.Stats().Dropped()
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
	s.touch()

	status, msg := CameraDisconnected, ""
	if err != nil {
		status, msg = CameraError, err.Error()
		s.recordError(msg)
		s.logger.Error().Err(err).Msg("session failed")
	} else {
		s.logger.Info().Msg("session stopped")
	}
	s.channel.PublishStatus(ws.NewStatusMessage(s.id, string(status), false, msg))
}

func (s *Session) recordError(msg string) {
	s.errCount.Add(1)
	s.mu.Lock()
	s.recent = append(s.recent, msg)
	if over := len(s.recent) - s.opts.MaxErrors; over > 0 {
		s.recent = append(s.recent[:0:0], s.recent[over:]...)
	}
	s.mu.Unlock()
	s.touch()
}
