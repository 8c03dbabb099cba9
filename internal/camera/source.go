package camera

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"camrelay/internal/pipeline"
)

// RawFrame is an encoded image produced by a Stream, before sequencing.
type RawFrame struct {
	Data   []byte
	Format pipeline.PixelFormat
	Width  int
	Height int
}

// Source opens connections to a camera.
type Source interface {
	// Open connects and returns once the first frame can be read.
	Open(ctx context.Context) (Stream, error)
}

// Stream is one live connection to a camera. Close may be called
// concurrently with Next and makes it return.
type Stream interface {
	Next(ctx context.Context) (RawFrame, error)
	Close() error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Stream, error)

func (f SourceFunc) Open(ctx context.Context) (Stream, error) { return f(ctx) }

// Options configures the sources built by NewSource.
type Options struct {
	FFmpegPath     string        // default "ffmpeg"
	ConnectTimeout time.Duration // default 10s
	HTTPClient     *http.Client  // snapshot source client
	Logger         zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.ConnectTimeout}
	}
	return o
}

// NewSource picks the capture implementation for a normalized descriptor.
// HTTP URLs that point at a still image are polled, every other camera is
// decoded through ffmpeg.
func NewSource(d Descriptor, opts Options) (Source, error) {
	d, err := d.Normalize()
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	if d.Kind == KindHTTP && isSnapshotURL(d.URL) {
		return newSnapshotSource(d, opts)
	}
	return newFFmpegSource(d, opts)
}

func isSnapshotURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, ".jpg") || strings.HasSuffix(p, ".jpeg") ||
		strings.Contains(p, "snapshot") || strings.Contains(p, "image")
}
