package inference

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"camrelay/internal/pipeline"
)

// resultWire is the JSON body returned by HTTP backends and carried inside
// the gRPC response struct.
type resultWire struct {
	Detections      []pipeline.Detection `json:"detections"`
	Masks           []pipeline.Mask      `json:"masks,omitempty"`
	ModelVersion    string               `json:"model_version,omitempty"`
	InferenceTimeMs float64              `json:"inference_time_ms,omitempty"`
}

func (w *resultWire) toResult() *pipeline.InferenceResult {
	dets := w.Detections
	if dets == nil {
		dets = []pipeline.Detection{}
	}
	return &pipeline.InferenceResult{
		Timestamp:    time.Now().UTC(),
		Detections:   dets,
		Masks:        w.Masks,
		ModelVersion: w.ModelVersion,
	}
}

func wireFromResult(r *pipeline.InferenceResult) resultWire {
	return resultWire{
		Detections:      r.Detections,
		Masks:           r.Masks,
		ModelVersion:    r.ModelVersion,
		InferenceTimeMs: r.LatencyMs(),
	}
}

func decodeResultJSON(data []byte) (*pipeline.InferenceResult, error) {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, invalidResponse("decode result: %v", err)
	}
	return w.toResult(), nil
}

// encodeFrame builds the gRPC request struct for a frame.
func encodeFrame(f pipeline.Frame) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"session_id":     f.StreamID,
		"frame_sequence": float64(f.Seq),
		"timestamp":      f.Timestamp.UTC().Format(time.RFC3339Nano),
		"format":         string(f.Format),
		"width":          float64(f.Width),
		"height":         float64(f.Height),
		"image":          base64.StdEncoding.EncodeToString(f.Data),
	})
}

// decodeFrame is the server side of encodeFrame.
func decodeFrame(s *structpb.Struct) (pipeline.Frame, error) {
	fields := s.GetFields()
	img, err := base64.StdEncoding.DecodeString(fields["image"].GetStringValue())
	if err != nil {
		return pipeline.Frame{}, fmt.Errorf("image: %w", err)
	}
	if len(img) == 0 {
		return pipeline.Frame{}, fmt.Errorf("image: empty")
	}
	f := pipeline.Frame{
		StreamID: fields["session_id"].GetStringValue(),
		Seq:      uint64(fields["frame_sequence"].GetNumberValue()),
		Format:   pipeline.PixelFormat(fields["format"].GetStringValue()),
		Width:    int(fields["width"].GetNumberValue()),
		Height:   int(fields["height"].GetNumberValue()),
		Data:     img,
	}
	if ts := fields["timestamp"].GetStringValue(); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			f.Timestamp = t
		}
	}
	if f.Format == "" {
		f.Format = pipeline.FormatJPEG
	}
	return f, nil
}

// encodeResult converts a result to a struct through its JSON form.
func encodeResult(r *pipeline.InferenceResult) (*structpb.Struct, error) {
	data, err := json.Marshal(wireFromResult(r))
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeResult(s *structpb.Struct) (*pipeline.InferenceResult, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, invalidResponse("marshal response: %v", err)
	}
	return decodeResultJSON(data)
}
