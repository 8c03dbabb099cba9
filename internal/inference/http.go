package inference

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"camrelay/internal/pipeline"
)

const maxResponseBytes = 8 * 1024 * 1024

// HTTPBackend posts frames as multipart uploads to {endpoint}/infer.
type HTTPBackend struct {
	endpoint      string
	client        *http.Client
	confThreshold float32
}

// HTTPConfig configures an HTTPBackend.
type HTTPConfig struct {
	Endpoint      string
	ConfThreshold float32
	Client        *http.Client
}

// NewHTTPBackend creates an HTTP backend. Deadlines come from the call
// context, so the default client has no timeout of its own.
func NewHTTPBackend(cfg HTTPConfig) *HTTPBackend {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPBackend{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		client:        client,
		confThreshold: cfg.ConfThreshold,
	}
}

func (b *HTTPBackend) Name() string { return "http" }

func (b *HTTPBackend) Infer(ctx context.Context, frame pipeline.Frame) (*pipeline.InferenceResult, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	contentType := "image/jpeg"
	filename := "frame.jpg"
	if frame.Format != pipeline.FormatJPEG {
		contentType = "application/octet-stream"
		filename = "frame.raw"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", contentType)
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame.Data); err != nil {
		return nil, err
	}

	fields := map[string]string{
		"session_id":     frame.StreamID,
		"frame_sequence": strconv.FormatUint(frame.Seq, 10),
		"format":         string(frame.Format),
		"width":          strconv.Itoa(frame.Width),
		"height":         strconv.Itoa(frame.Height),
		"conf_threshold": fmt.Sprintf("%.2f", b.confThreshold),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/infer", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("inference service returned %s: %s", resp.Status, snippet(data))
	case resp.StatusCode != http.StatusOK:
		return nil, invalidResponse("inference service returned %s: %s", resp.Status, snippet(data))
	}
	return decodeResultJSON(data)
}

// Check calls {endpoint}/health.
func (b *HTTPBackend) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (b *HTTPBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
