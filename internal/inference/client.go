// Package inference calls a detection model for individual frames.
//
// A Backend is the transport to a model (HTTP, gRPC or the in-process
// placeholder). Client wraps a Backend with a per-call deadline, error
// classification and the single-outstanding-call rule of a session.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"camrelay/internal/log"
	"camrelay/internal/metrics"
	"camrelay/internal/pipeline"
)

// ErrConcurrentCall is returned when Infer is entered while a call is
// already outstanding on the same Client.
var ErrConcurrentCall = errors.New("inference: call already in flight")

// Backend runs a model on one frame.
type Backend interface {
	Infer(ctx context.Context, frame pipeline.Frame) (*pipeline.InferenceResult, error)
	// Check reports whether the model is reachable and loaded.
	Check(ctx context.Context) error
	Name() string
	Close() error
}

// ErrorKind classifies inference failures.
type ErrorKind int

const (
	KindTransport ErrorKind = iota
	KindTimeout
	KindInvalidResponse
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindInvalidResponse:
		return "invalid_response"
	case KindCanceled:
		return "canceled"
	default:
		return "transport"
	}
}

// Error is a classified inference failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("inference %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a classified error.
func KindOf(err error) (ErrorKind, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}

func invalidResponse(format string, args ...any) error {
	return &Error{Kind: KindInvalidResponse, Err: fmt.Errorf(format, args...)}
}

// Client enforces a deadline and at most one outstanding call.
type Client struct {
	backend  Backend
	inflight atomic.Bool
	logger   zerolog.Logger
}

// NewClient wraps backend.
func NewClient(backend Backend, logger zerolog.Logger) *Client {
	return &Client{backend: backend, logger: logger}
}

// Infer runs the model on frame within timeout. The result is correlated to
// the frame by stream id and sequence number. A non-positive timeout leaves
// the deadline to ctx.
func (c *Client) Infer(ctx context.Context, frame pipeline.Frame, timeout time.Duration) (*pipeline.InferenceResult, error) {
	if !c.inflight.CompareAndSwap(false, true) {
		c.logger.Error().Str(log.FieldSessionID, frame.StreamID).Uint64(log.FieldFrameSeq, frame.Seq).
			Msg("concurrent inference call rejected")
		return nil, ErrConcurrentCall
	}
	defer c.inflight.Store(false)

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := c.backend.Infer(callCtx, frame)
	elapsed := time.Since(start)

	// Backends that ignore ctx may still answer after the deadline.
	if err == nil {
		switch {
		case callCtx.Err() != nil:
			err = callCtx.Err()
		case timeout > 0 && elapsed > timeout:
			err = context.DeadlineExceeded
		case result == nil:
			err = invalidResponse("empty result")
		}
	}
	if err != nil {
		err = classify(ctx, callCtx, err)
		kind, _ := KindOf(err)
		metrics.IncInferenceFailure(kind.String())
		return nil, err
	}

	if err := sanitize(result); err != nil {
		metrics.IncInferenceFailure(KindInvalidResponse.String())
		return nil, err
	}
	result.StreamID = frame.StreamID
	result.FrameSeq = frame.Seq
	result.Latency = elapsed
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	metrics.ObserveInference(elapsed)
	return result, nil
}

// classify maps a backend error to a kind. Cancellation of the caller wins
// over the call deadline.
func classify(parent, call context.Context, err error) error {
	if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindCanceled, Err: err}
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCanceled, Err: err}
	}
	if _, ok := KindOf(err); ok {
		return err
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.DeadlineExceeded:
			return &Error{Kind: KindTimeout, Err: err}
		case codes.Canceled:
			return &Error{Kind: KindCanceled, Err: err}
		case codes.DataLoss, codes.Internal:
			return &Error{Kind: KindInvalidResponse, Err: err}
		}
	}
	return &Error{Kind: KindTransport, Err: err}
}

// sanitize clamps boxes into the unit square and rejects non-finite values.
func sanitize(r *pipeline.InferenceResult) error {
	for i := range r.Detections {
		d := &r.Detections[i]
		if !finite(d.BBox.X, d.BBox.Y, d.BBox.Width, d.BBox.Height, d.Confidence) {
			return invalidResponse("detection %d has non-finite values", i)
		}
		d.BBox = clampBox(d.BBox)
	}
	for i := range r.Masks {
		m := &r.Masks[i]
		if !finite(m.BBox.X, m.BBox.Y, m.BBox.Width, m.BBox.Height, m.Confidence) {
			return invalidResponse("mask %d has non-finite values", i)
		}
		m.BBox = clampBox(m.BBox)
	}
	return nil
}

func finite(vals ...float32) bool {
	for _, v := range vals {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func clampBox(b pipeline.BBox) pipeline.BBox {
	b.X = clamp01(b.X)
	b.Y = clamp01(b.Y)
	b.Width = clamp01(b.Width)
	b.Height = clamp01(b.Height)
	if b.X+b.Width > 1 {
		b.Width = 1 - b.X
	}
	if b.Y+b.Height > 1 {
		b.Height = 1 - b.Y
	}
	return b
}
