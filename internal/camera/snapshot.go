package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"camrelay/internal/pipeline"
)

const maxSnapshotBytes = 16 * 1024 * 1024

// snapshotSource polls an HTTP endpoint that serves single JPEG images.
type snapshotSource struct {
	url      string
	width    int
	height   int
	interval time.Duration
	client   *http.Client
	logger   zerolog.Logger
}

func newSnapshotSource(d Descriptor, opts Options) (*snapshotSource, error) {
	u, err := d.SourceURL()
	if err != nil {
		return nil, err
	}
	w, h := d.Size()
	interval := time.Second / time.Duration(d.FPS)
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return &snapshotSource{
		url:      u,
		width:    w,
		height:   h,
		interval: interval,
		client:   opts.HTTPClient,
		logger:   opts.Logger,
	}, nil
}

// Open fetches one image to prove the endpoint works.
func (s *snapshotSource) Open(ctx context.Context) (Stream, error) {
	first, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &snapshotStream{src: s, pending: &first, ctx: ctx, cancel: cancel}, nil
}

func (s *snapshotSource) fetch(ctx context.Context) (RawFrame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return RawFrame{}, terminalError(CategoryUnknown, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return RawFrame{}, ctx.Err()
		}
		var netTimeout interface{ Timeout() bool }
		if errors.As(err, &netTimeout) && netTimeout.Timeout() {
			return RawFrame{}, transientError(CategoryTimeout, err)
		}
		return RawFrame{}, transientError(CategoryNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return RawFrame{}, terminalError(CategoryAuth, fmt.Errorf("snapshot endpoint returned %s", resp.Status))
	case resp.StatusCode == http.StatusNotFound:
		return RawFrame{}, terminalError(CategoryNotFound, fmt.Errorf("snapshot endpoint returned %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return RawFrame{}, transientError(CategoryNetwork, fmt.Errorf("snapshot endpoint returned %s", resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return RawFrame{}, transientError(CategoryNetwork, err)
	}
	return s.normalize(data)
}

// normalize decodes the snapshot and rescales it when it does not match the
// target resolution.
func (s *snapshotSource) normalize(data []byte) (RawFrame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return RawFrame{}, transientError(CategoryCodec, fmt.Errorf("decode snapshot: %w", err))
	}
	b := img.Bounds()
	if s.width == 0 || s.height == 0 || (b.Dx() == s.width && b.Dy() == s.height) {
		return RawFrame{Data: data, Format: pipeline.FormatJPEG, Width: b.Dx(), Height: b.Dy()}, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 85}); err != nil {
		return RawFrame{}, transientError(CategoryCodec, fmt.Errorf("encode snapshot: %w", err))
	}
	return RawFrame{Data: out.Bytes(), Format: pipeline.FormatJPEG, Width: s.width, Height: s.height}, nil
}

type snapshotStream struct {
	src     *snapshotSource
	mu      sync.Mutex
	pending *RawFrame
	last    time.Time
	ctx     context.Context
	cancel  context.CancelFunc
}

func (st *snapshotStream) Next(ctx context.Context) (RawFrame, error) {
	st.mu.Lock()
	if st.pending != nil {
		f := *st.pending
		st.pending = nil
		st.last = time.Now()
		st.mu.Unlock()
		return f, nil
	}
	wait := time.Until(st.last.Add(st.src.interval))
	st.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return RawFrame{}, ctx.Err()
		case <-st.ctx.Done():
			return RawFrame{}, transientError(CategoryNetwork, errors.New("snapshot stream closed"))
		}
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(st.ctx, cancel)
	defer stop()

	f, err := st.src.fetch(fetchCtx)
	st.mu.Lock()
	st.last = time.Now()
	st.mu.Unlock()
	if err != nil && st.ctx.Err() != nil && ctx.Err() == nil {
		return RawFrame{}, transientError(CategoryNetwork, errors.New("snapshot stream closed"))
	}
	return f, err
}

func (st *snapshotStream) Close() error {
	st.cancel()
	return nil
}
