package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camrelay/internal/metrics"
	"camrelay/internal/pipeline"
)

const (
	readChunkSize = 64 * 1024
	maxFrameBytes = 16 * 1024 * 1024
	stderrLines   = 20
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// ffmpegSource decodes a camera through an ffmpeg child process emitting
// MJPEG on stdout.
type ffmpegSource struct {
	desc    Descriptor
	input   string
	width   int
	height  int
	binary  string
	timeout time.Duration
	logger  zerolog.Logger
}

func newFFmpegSource(d Descriptor, opts Options) (*ffmpegSource, error) {
	input, err := d.SourceURL()
	if err != nil {
		return nil, err
	}
	w, h := d.Size()
	return &ffmpegSource{
		desc:    d,
		input:   input,
		width:   w,
		height:  h,
		binary:  opts.FFmpegPath,
		timeout: opts.ConnectTimeout,
		logger:  opts.Logger,
	}, nil
}

func (s *ffmpegSource) args() []string {
	out := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	switch s.desc.Kind {
	case KindWebcam:
		out = append(out,
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", s.width, s.height),
			"-framerate", fmt.Sprintf("%d", s.desc.FPS),
			"-i", s.input,
		)
	case KindRTSP:
		out = append(out, "-rtsp_transport", "tcp", "-i", s.input,
			"-vf", fmt.Sprintf("scale=%d:%d", s.width, s.height),
			"-r", fmt.Sprintf("%d", s.desc.FPS),
		)
	default:
		out = append(out, "-i", s.input,
			"-vf", fmt.Sprintf("scale=%d:%d", s.width, s.height),
			"-r", fmt.Sprintf("%d", s.desc.FPS),
		)
	}
	return append(out, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
}

// Open starts ffmpeg and waits for the first frame or the connect timeout.
func (s *ffmpegSource) Open(ctx context.Context) (Stream, error) {
	if s.desc.Kind == KindWebcam {
		if err := deviceExists(s.input); err != nil {
			return nil, err
		}
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.binary, s.args()...)
	cmd.WaitDelay = 2 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, transientError(CategoryUnknown, err)
	}
	tail := newLineTail(stderrLines)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, terminalError(CategoryNotFound, fmt.Errorf("ffmpeg binary %q: %w", s.binary, err))
		}
		return nil, transientError(CategoryUnknown, err)
	}

	st := &ffmpegStream{
		cmd:    cmd,
		cancel: cancel,
		tail:   tail,
		frames: make(chan RawFrame, 1),
		done:   make(chan struct{}),
		width:  s.width,
		height: s.height,
		logger: s.logger,
	}
	go st.pump(stdout)

	s.logger.Debug().Str("url", RedactURL(s.input)).Int("pid", cmd.Process.Pid).Msg("ffmpeg started")

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case f := <-st.frames:
		st.pushFront(f)
		return st, nil
	case <-st.done:
		select {
		case f := <-st.frames:
			st.pushFront(f)
			return st, nil
		default:
		}
		return nil, st.err
	case <-timer.C:
		st.Close()
		return nil, transientError(CategoryTimeout, fmt.Errorf("no frame within %s", s.timeout))
	case <-ctx.Done():
		st.Close()
		return nil, ctx.Err()
	}
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	tail   *lineTail
	frames chan RawFrame // holds at most one pending frame
	done   chan struct{}
	err    error // set before done is closed

	width, height int
	logger        zerolog.Logger
	closeOnce     sync.Once
}

// pump splits stdout into JPEG frames, keeping only the newest undelivered one.
func (st *ffmpegStream) pump(stdout io.Reader) {
	defer close(st.done)

	buf := make([]byte, 0, 1024*1024)
	chunk := make([]byte, readChunkSize)
	var readErr error

	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&buf)
				if frame == nil {
					break
				}
				st.offer(RawFrame{Data: frame, Format: pipeline.FormatJPEG, Width: st.width, Height: st.height})
			}
			if len(buf) > maxFrameBytes {
				st.logger.Warn().Int("buffered", len(buf)).Msg("discarding oversized partial frame")
				buf = buf[:0]
			}
		}
		if err != nil {
			readErr = err
			break
		}
	}

	waitErr := st.cmd.Wait()
	st.cancel()
	if readErr == io.EOF {
		readErr = nil
	}
	cause := waitErr
	if cause == nil {
		cause = readErr
	}
	st.err = classifyOutput(st.tail.String(), cause)
}

func (st *ffmpegStream) offer(f RawFrame) {
	select {
	case st.frames <- f:
		return
	default:
	}
	select {
	case <-st.frames:
		metrics.IncFramesDropped("pending", 1)
	default:
	}
	select {
	case st.frames <- f:
	default:
	}
}

// pushFront returns a frame taken during Open so Next yields it first.
func (st *ffmpegStream) pushFront(f RawFrame) {
	select {
	case st.frames <- f:
	default:
	}
}

func (st *ffmpegStream) Next(ctx context.Context) (RawFrame, error) {
	select {
	case f := <-st.frames:
		return f, nil
	case <-st.done:
		select {
		case f := <-st.frames:
			return f, nil
		default:
		}
		return RawFrame{}, st.err
	case <-ctx.Done():
		return RawFrame{}, ctx.Err()
	}
}

// Close kills ffmpeg and waits for the pump to exit.
func (st *ffmpegStream) Close() error {
	st.closeOnce.Do(func() {
		st.cancel()
		<-st.done
	})
	return nil
}

// extractJPEGFrame removes and returns the first complete JPEG in buffer.
// Bytes before the start marker are discarded.
func extractJPEGFrame(buffer *[]byte) []byte {
	b := *buffer
	if len(b) < 4 {
		return nil
	}

	start := bytes.Index(b, jpegSOI)
	if start == -1 {
		// keep a trailing 0xFF, it may begin the next marker
		if b[len(b)-1] == 0xFF {
			*buffer = append(b[:0], 0xFF)
		} else {
			*buffer = b[:0]
		}
		return nil
	}

	end := bytes.Index(b[start+2:], jpegEOI)
	if end == -1 {
		if start > 0 {
			*buffer = append(b[:0], b[start:]...)
		}
		return nil
	}
	end += start + 2 + len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, b[start:end])
	*buffer = append(b[:0], b[end:]...)
	return frame
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial strings.Builder
}

func newLineTail(n int) *lineTail {
	return &lineTail{max: n}
}

func (t *lineTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range p {
		if c == '\n' {
			t.push(t.partial.String())
			t.partial.Reset()
			continue
		}
		t.partial.WriteByte(c)
	}
	return len(p), nil
}

func (t *lineTail) push(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := strings.Join(t.lines, "\n")
	if t.partial.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += t.partial.String()
	}
	return out
}
