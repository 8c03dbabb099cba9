package inference

import (
	"bytes"
	"context"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestPlaceholderDeterministic(t *testing.T) {
	p := &Placeholder{Delay: -1, Masks: true}
	frame := testFrame(7)

	a, err := p.Infer(context.Background(), frame)
	require.NoError(t, err)
	b, err := p.Infer(context.Background(), frame)
	require.NoError(t, err)

	assert.Equal(t, a.Detections, b.Detections)
	assert.Equal(t, PlaceholderVersion, a.ModelVersion)
	assert.Len(t, a.Masks, len(a.Detections))
	for _, d := range a.Detections {
		assert.True(t, d.BBox.Valid())
		assert.GreaterOrEqual(t, d.Confidence, float32(0.6))
	}
	for _, m := range a.Masks {
		img, err := png.Decode(bytes.NewReader(m.Data))
		require.NoError(t, err)
		assert.Equal(t, m.Width, img.Bounds().Dx())
		assert.Positive(t, m.Area)
	}
}

func TestPlaceholderHonoursDeadline(t *testing.T) {
	p := &Placeholder{Delay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Infer(ctx, testFrame(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// placeholderWithDetections finds a sequence number the placeholder maps to
// at least one detection.
func placeholderWithDetections(t *testing.T, p *Placeholder) uint64 {
	t.Helper()
	for seq := uint64(1); seq < 100; seq++ {
		res, err := p.Infer(context.Background(), testFrame(seq))
		require.NoError(t, err)
		if len(res.Detections) > 0 {
			return seq
		}
	}
	t.Fatal("no frame produced detections")
	return 0
}

func TestHTTPBackendRoundTrip(t *testing.T) {
	model := &Placeholder{Delay: -1}
	srv := httptest.NewServer(NewHTTPHandler(model))
	defer srv.Close()

	backend := NewHTTPBackend(HTTPConfig{Endpoint: srv.URL + "/", Client: srv.Client()})
	require.NoError(t, backend.Check(context.Background()))

	seq := placeholderWithDetections(t, model)
	want, err := model.Infer(context.Background(), testFrame(seq))
	require.NoError(t, err)

	c := NewClient(backend, zerolog.Nop())
	got, err := c.Infer(context.Background(), testFrame(seq), time.Second)
	require.NoError(t, err)
	assert.Equal(t, seq, got.FrameSeq)
	assert.Equal(t, PlaceholderVersion, got.ModelVersion)
	require.Len(t, got.Detections, len(want.Detections))
	for i := range want.Detections {
		assert.Equal(t, want.Detections[i].ClassName, got.Detections[i].ClassName)
		assert.InDelta(t, want.Detections[i].BBox.X, got.Detections[i].BBox.X, 1e-6)
	}
}

func TestHTTPBackendFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    ErrorKind
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "model crashed", http.StatusInternalServerError)
			},
			want: KindTransport,
		},
		{
			name: "bad request",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "unsupported format", http.StatusBadRequest)
			},
			want: KindInvalidResponse,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"detections": [`))
			},
			want: KindInvalidResponse,
		},
		{
			name: "slow",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			want: KindTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewClient(NewHTTPBackend(HTTPConfig{Endpoint: srv.URL, Client: srv.Client()}), zerolog.Nop())
			_, err := c.Infer(context.Background(), testFrame(3), 50*time.Millisecond)
			require.Error(t, err)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func startBufconnServer(t *testing.T, model Backend) (*GRPCBackend, *health.Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterServer(srv, model)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()

	backend, err := NewGRPCBackend(GRPCConfig{
		Endpoint: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		backend.Close()
		srv.Stop()
	})
	return backend, hs
}

func TestGRPCBackendRoundTrip(t *testing.T) {
	model := &Placeholder{Delay: -1, Masks: true}
	backend, _ := startBufconnServer(t, model)
	require.NoError(t, backend.Check(context.Background()))

	seq := placeholderWithDetections(t, model)
	want, err := model.Infer(context.Background(), testFrame(seq))
	require.NoError(t, err)

	c := NewClient(backend, zerolog.Nop())
	got, err := c.Infer(context.Background(), testFrame(seq), time.Second)
	require.NoError(t, err)

	assert.Equal(t, "session-abc", got.StreamID)
	assert.Equal(t, seq, got.FrameSeq)
	require.Len(t, got.Detections, len(want.Detections))
	for i := range want.Detections {
		w, g := want.Detections[i], got.Detections[i]
		assert.Equal(t, w.ClassID, g.ClassID)
		assert.InDelta(t, w.BBox.X, g.BBox.X, 1e-6)
		assert.InDelta(t, w.BBox.Height, g.BBox.Height, 1e-6)
		assert.InDelta(t, w.Confidence, g.Confidence, 1e-6)
	}
	require.Len(t, got.Masks, len(want.Masks))
	assert.Equal(t, want.Masks[0].Data, got.Masks[0].Data)
}

func TestGRPCBackendTimeout(t *testing.T) {
	backend, _ := startBufconnServer(t, &Placeholder{Delay: time.Second})
	c := NewClient(backend, zerolog.Nop())

	_, err := c.Infer(context.Background(), testFrame(1), 30*time.Millisecond)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTimeout, kind)
}

func TestGRPCBackendHealth(t *testing.T) {
	backend, hs := startBufconnServer(t, &Placeholder{Delay: -1})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, backend.Check(ctx))
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	assert.Error(t, backend.Check(ctx))
}

func TestFrameStructRoundTrip(t *testing.T) {
	in := testFrame(1 << 40)
	s, err := encodeFrame(in)
	require.NoError(t, err)
	out, err := decodeFrame(s)
	require.NoError(t, err)

	assert.Equal(t, in.Seq, out.Seq)
	assert.Equal(t, in.Data, out.Data)
	assert.Equal(t, in.Width, out.Width)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
}
