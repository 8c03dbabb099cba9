package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"camrelay/internal/camera"
	"camrelay/internal/inference"
	"camrelay/internal/pipeline"
	"camrelay/internal/reconnect"
)

var fastPolicy = reconnect.Policy{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     4 * time.Millisecond,
	Multiplier:   2,
}

// tickStream yields a tiny JPEG every interval until closed.
type tickStream struct {
	interval  time.Duration
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *tickStream) Next(ctx context.Context) (camera.RawFrame, error) {
	t := time.NewTimer(s.interval)
	defer t.Stop()
	select {
	case <-t.C:
		return camera.RawFrame{
			Data:   []byte{0xFF, 0xD8, 0xFF, 0xD9},
			Format: pipeline.FormatJPEG,
			Width:  1280,
			Height: 720,
		}, nil
	case <-s.closed:
		return camera.RawFrame{}, &camera.SourceError{Kind: camera.Transient, Category: camera.CategoryNetwork, Err: errors.New("stream closed")}
	case <-ctx.Done():
		return camera.RawFrame{}, ctx.Err()
	}
}

func (s *tickStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeCamera counts opens and hands out tickStreams, or fails every open
// when failWith is set.
type fakeCamera struct {
	interval time.Duration
	failWith error

	mu      sync.Mutex
	opens   int
	streams []*tickStream
}

func (c *fakeCamera) Open(ctx context.Context) (camera.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if c.failWith != nil {
		return nil, c.failWith
	}
	s := &tickStream{interval: c.interval, closed: make(chan struct{})}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeCamera) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *fakeCamera) allClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.streams {
		select {
		case <-s.closed:
		default:
			return false
		}
	}
	return true
}

// cameras maps a descriptor URL to its fake so one registry can host
// healthy and broken cameras side by side.
type cameras map[string]*fakeCamera

func (cs cameras) factory(d camera.Descriptor) (camera.Source, error) {
	c, ok := cs[d.URL]
	if !ok {
		return nil, errors.New("no fake camera for " + d.URL)
	}
	return c, nil
}

// slowBackend never answers before ctx ends and records concurrency.
type slowBackend struct {
	calls   atomic.Int64
	active  atomic.Int64
	maxSeen atomic.Int64
}

func (b *slowBackend) Infer(ctx context.Context, frame pipeline.Frame) (*pipeline.InferenceResult, error) {
	b.calls.Add(1)
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		m := b.maxSeen.Load()
		if n <= m || b.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *slowBackend) Check(context.Context) error { return nil }
func (b *slowBackend) Name() string                { return "slow" }
func (b *slowBackend) Close() error                { return nil }

type brokenBackend struct{}

func (brokenBackend) Infer(context.Context, pipeline.Frame) (*pipeline.InferenceResult, error) {
	return nil, errors.New("connection refused")
}
func (brokenBackend) Check(context.Context) error { return errors.New("down") }
func (brokenBackend) Name() string                { return "broken" }
func (brokenBackend) Close() error                { return nil }

func testOptions(cs cameras, backend inference.Backend) Options {
	return Options{
		Sources: cs.factory,
		Backend: backend,
		Policy:  fastPolicy,
		Logger:  zerolog.Nop(),
	}
}

func webcamConfig(url string) Config {
	return Config{
		Camera:          camera.Descriptor{Kind: camera.KindWebcam, URL: url, FPS: 30},
		EnableInference: true,
	}
}

func TestWebcamSessionStreams(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cam := &fakeCamera{interval: 10 * time.Millisecond}
	reg := NewRegistry(testOptions(cameras{"/dev/video0": cam}, &inference.Placeholder{Delay: -1}), nil)
	defer reg.Close()

	s, err := reg.Create(context.Background(), webcamConfig(""))
	require.NoError(t, err)
	assert.Regexp(t, `^session-[0-9a-f]{16}$`, s.ID())
	assert.Equal(t, StateCreated, s.State())
	assert.Equal(t, CameraDisconnected, s.Status().CameraStatus)

	require.NoError(t, reg.Start(s.ID()))
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.CameraStatus == CameraConnected && st.IsStreaming && st.FramesProcessed >= 5
	}, 3*time.Second, 5*time.Millisecond)

	st, err := reg.Status(s.ID())
	require.NoError(t, err)
	assert.Equal(t, StateStreaming, st.State)
	assert.Greater(t, st.CurrentFPS, 0.0)
	assert.LessOrEqual(t, st.CurrentFPS, 40.0)
	assert.Empty(t, st.Errors)
	assert.False(t, st.LastUpdated.IsZero())

	require.NoError(t, reg.Stop(s.ID()))
	st = s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, CameraDisconnected, st.CameraStatus)
	assert.False(t, st.IsStreaming)
	assert.True(t, cam.allClosed(), "camera connection not released")
}

func TestInferenceTimeoutSkipsFrame(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cam := &fakeCamera{interval: 2 * time.Millisecond}
	backend := &slowBackend{}
	reg := NewRegistry(testOptions(cameras{"/dev/video0": cam}, backend), nil)
	defer reg.Close()

	cfg := webcamConfig("")
	cfg.MaxLatencyMs = 15
	s, err := reg.Create(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return backend.calls.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)

	st := s.Status()
	assert.Zero(t, st.FramesProcessed)
	assert.GreaterOrEqual(t, st.ErrorCount, uint64(2))
	assert.GreaterOrEqual(t, st.FramesDropped, uint64(2))
	assert.Equal(t, StateStreaming, st.State, "pipeline should keep running after timeouts")
	assert.Contains(t, st.Errors[0], "inference timeout")
	assert.Zero(t, s.Channel().Stats().Sent)
	assert.Equal(t, int64(1), backend.maxSeen.Load(), "more than one inference outstanding")

	s.Stop()
	assert.Equal(t, StateStopped, s.State())
}

func TestCameraFailureIsolatedToSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	good := &fakeCamera{interval: 5 * time.Millisecond}
	bad := &fakeCamera{failWith: &camera.SourceError{
		Kind: camera.Transient, Category: camera.CategoryNetwork, Err: errors.New("connection refused"),
	}}
	cs := cameras{
		"rtsp://good.local/stream": good,
		"rtsp://bad.local/stream":  bad,
	}
	reg := NewRegistry(testOptions(cs, &inference.Placeholder{Delay: -1}), nil)
	defer reg.Close()

	rtsp := func(url string) Config {
		return Config{Camera: camera.Descriptor{Kind: camera.KindRTSP, URL: url}, EnableInference: true}
	}
	healthy, err := reg.Create(context.Background(), rtsp("rtsp://good.local/stream"))
	require.NoError(t, err)
	broken, err := reg.Create(context.Background(), rtsp("rtsp://bad.local/stream"))
	require.NoError(t, err)

	require.NoError(t, healthy.Start())
	require.NoError(t, broken.Start())

	require.Eventually(t, func() bool {
		return broken.Status().CameraStatus == CameraError
	}, 3*time.Second, 5*time.Millisecond)

	st := broken.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.False(t, st.IsStreaming)
	require.NotEmpty(t, st.Errors)
	assert.Contains(t, st.Errors[len(st.Errors)-1], "gave up after 3 attempts")
	assert.Equal(t, fastPolicy.MaxAttempts, bad.openCount())

	require.Eventually(t, func() bool { return healthy.Status().IsStreaming }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, reg.Len())
}

func TestConsecutiveInferenceFailuresEndSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cam := &fakeCamera{interval: time.Millisecond}
	opts := testOptions(cameras{"/dev/video0": cam}, brokenBackend{})
	opts.FailureThreshold = 3
	opts.MaxErrors = 2
	reg := NewRegistry(opts, nil)
	defer reg.Close()

	s, err := reg.Create(context.Background(), webcamConfig(""))
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return s.State() == StateStopped }, 3*time.Second, 5*time.Millisecond)
	st := s.Status()
	assert.Equal(t, CameraError, st.CameraStatus)
	assert.Len(t, st.Errors, 2, "recent errors are bounded")
	assert.Contains(t, st.Errors[1], ErrInferenceDegraded.Error())
	assert.Equal(t, uint64(4), st.ErrorCount)
	assert.True(t, cam.allClosed())
}

func TestInferenceDisabledCountsFrames(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cam := &fakeCamera{interval: 5 * time.Millisecond}
	backend := &slowBackend{}
	reg := NewRegistry(testOptions(cameras{"/dev/video0": cam}, backend), nil)
	defer reg.Close()

	cfg := webcamConfig("")
	cfg.EnableInference = false
	s, err := reg.Create(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return s.Status().FramesProcessed >= 3 }, 3*time.Second, 5*time.Millisecond)
	assert.Zero(t, backend.calls.Load())
}

func TestStartIsNoopWhenRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cam := &fakeCamera{interval: 5 * time.Millisecond}
	reg := NewRegistry(testOptions(cameras{"/dev/video0": cam}, nil), nil)
	defer reg.Close()

	s, err := reg.Create(context.Background(), webcamConfig(""))
	require.NoError(t, err)
	require.NoError(t, reg.Start(s.ID()))
	require.Eventually(t, func() bool { return s.Status().IsStreaming }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Start(s.ID()))
	assert.Equal(t, 1, cam.openCount())
	assert.Equal(t, StateStreaming, s.State())
}

func TestRestartBuildsFreshPipeline(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cam := &fakeCamera{interval: 5 * time.Millisecond}
	reg := NewRegistry(testOptions(cameras{"/dev/video0": cam}, &inference.Placeholder{Delay: -1}), nil)
	defer reg.Close()

	s, err := reg.Create(context.Background(), webcamConfig(""))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return s.Status().FramesProcessed >= 2 }, 3*time.Second, 5*time.Millisecond)

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, cam.allClosed())
	before := s.Status().FramesProcessed

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return s.Status().FramesProcessed > before }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, cam.openCount())

	s.Stop()
	s.Stop()
	assert.True(t, cam.allClosed())
}

func TestUnknownSession(t *testing.T) {
	reg := NewRegistry(testOptions(cameras{}, nil), nil)
	defer reg.Close()

	_, err := reg.Create(context.Background(), webcamConfig(""))
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Delete(context.Background(), "session-missing"), ErrNotFound)
	assert.ErrorIs(t, reg.Stop("session-missing"), ErrNotFound)
	assert.ErrorIs(t, reg.Start("session-missing"), ErrNotFound)
	_, err = reg.Status("session-missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := reg.ResultChannel("session-missing")
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Len())
}

func TestDeleteTearsDownSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cam := &fakeCamera{interval: 5 * time.Millisecond}
	reg := NewRegistry(testOptions(cameras{"/dev/video0": cam}, nil), nil)
	defer reg.Close()

	s, err := reg.Create(context.Background(), webcamConfig(""))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return s.Status().IsStreaming }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Delete(context.Background(), s.ID()))
	assert.True(t, cam.allClosed())
	assert.Zero(t, reg.Len())
	assert.ErrorIs(t, s.Start(), ErrClosed)
	assert.ErrorIs(t, reg.Delete(context.Background(), s.ID()), ErrNotFound)
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	reg := NewRegistry(testOptions(cameras{}, nil), nil)
	defer reg.Close()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"fps too high", Config{Camera: camera.Descriptor{Kind: camera.KindWebcam, FPS: 120}}},
		{"rtsp without url", Config{Camera: camera.Descriptor{Kind: camera.KindRTSP}}},
		{"bad resolution", Config{Camera: camera.Descriptor{Kind: camera.KindWebcam, Resolution: "wide"}}},
		{"negative latency", Config{Camera: camera.Descriptor{Kind: camera.KindWebcam}, MaxLatencyMs: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Create(context.Background(), tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	assert.Zero(t, reg.Len())
}

type memStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func (m *memStore) SaveSession(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec
	return nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *memStore) ListSessions(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

func TestRestoreFromStore(t *testing.T) {
	store := &memStore{recs: map[string]Record{}}
	ctx := context.Background()

	first := NewRegistry(testOptions(cameras{}, nil), store)
	kept, err := first.Create(ctx, webcamConfig("2"))
	require.NoError(t, err)
	gone, err := first.Create(ctx, webcamConfig(""))
	require.NoError(t, err)
	require.NoError(t, first.Delete(ctx, gone.ID()))
	first.Close()

	second := NewRegistry(testOptions(cameras{}, nil), store)
	defer second.Close()
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, err := second.Get(kept.ID())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, "/dev/video2", s.Config().Camera.URL)
	assert.Equal(t, 200, s.Config().MaxLatencyMs)
}
