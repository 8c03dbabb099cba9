package pipeline

import (
	"time"
)

// PixelFormat identifies how Frame.Data is encoded.
type PixelFormat string

const (
	FormatJPEG  PixelFormat = "jpeg"
	FormatBGR24 PixelFormat = "bgr24"
)

// Frame is one captured video image. Frames are values; Data must not be
// modified once the frame has been published.
type Frame struct {
	StreamID  string      // Owning session identifier
	Seq       uint64      // Monotonic per reader, starts at 1
	Timestamp time.Time   // Capture timestamp
	Format    PixelFormat // Encoding of Data
	Width     int         // Frame width in pixels (0 if unknown)
	Height    int         // Frame height in pixels (0 if unknown)
	Data      []byte      // Encoded pixel payload
}

// IsZero reports whether f is the zero frame.
func (f Frame) IsZero() bool {
	return f.Seq == 0 && f.Data == nil
}

// Age returns how long ago the frame was captured.
func (f Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.Timestamp)
}

// BBox is a bounding box normalised to [0,1], anchored at the top-left corner.
type BBox struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// Valid reports whether the box lies within the unit square.
func (b BBox) Valid() bool {
	return b.X >= 0 && b.Y >= 0 && b.Width >= 0 && b.Height >= 0 &&
		b.X+b.Width <= 1.0001 && b.Y+b.Height <= 1.0001
}

// Detection is a single object detection.
type Detection struct {
	BBox       BBox    `json:"bbox"`
	Confidence float32 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
}

// Mask is a segmentation mask. Data holds an encoded PNG.
type Mask struct {
	Data       []byte  `json:"mask_data"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float32 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
	Area       int     `json:"area"`
}

// InferenceResult is the outcome of one inference call, correlated to a
// frame by sequence number.
type InferenceResult struct {
	StreamID     string        `json:"session_id"`
	FrameSeq     uint64        `json:"frame_sequence"`
	Timestamp    time.Time     `json:"timestamp"`
	Detections   []Detection   `json:"detections"`
	Masks        []Mask        `json:"masks,omitempty"`
	Latency      time.Duration `json:"-"`
	ModelVersion string        `json:"model_version,omitempty"`
}

// LatencyMs returns the processing latency in milliseconds.
func (r *InferenceResult) LatencyMs() float64 {
	return float64(r.Latency) / float64(time.Millisecond)
}

// ResultSink receives inference results. Implementations must not block.
type ResultSink interface {
	// Publish hands over a result and reports whether a client will receive it.
	Publish(result *InferenceResult) bool
}
