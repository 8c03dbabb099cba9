package ws

import (
	"time"

	"camrelay/internal/pipeline"
)

// Message types sent over a result socket.
const (
	TypeResult = "inference_result"
	TypeStatus = "status"
)

// Close codes used by the server.
const (
	// CloseReplaced is sent to a client whose slot was taken by a newer connection.
	CloseReplaced = 4000
	// CloseSessionEnded is sent when the session is deleted or the server shuts down.
	CloseSessionEnded = 4001
)

// Envelope is decoded first to dispatch on Type.
type Envelope struct {
	Type string `json:"type"`
}

// ResultMessage carries one inference result.
type ResultMessage struct {
	Type          string               `json:"type"` // "inference_result"
	SessionID     string               `json:"session_id"`
	FrameSequence uint64               `json:"frame_sequence"`
	Timestamp     time.Time            `json:"timestamp"`
	Detections    []pipeline.Detection `json:"detections"`
	Masks         []pipeline.Mask      `json:"masks,omitempty"`
	LatencyMs     float64              `json:"latency_ms"`
	ModelVersion  string               `json:"model_version,omitempty"`
}

// NewResultMessage builds the wire form of r.
func NewResultMessage(r *pipeline.InferenceResult) *ResultMessage {
	dets := r.Detections
	if dets == nil {
		dets = []pipeline.Detection{}
	}
	return &ResultMessage{
		Type:          TypeResult,
		SessionID:     r.StreamID,
		FrameSequence: r.FrameSeq,
		Timestamp:     r.Timestamp,
		Detections:    dets,
		Masks:         r.Masks,
		LatencyMs:     r.LatencyMs(),
		ModelVersion:  r.ModelVersion,
	}
}

// StatusMessage reports a camera status change.
type StatusMessage struct {
	Type         string    `json:"type"` // "status"
	SessionID    string    `json:"session_id"`
	CameraStatus string    `json:"camera_status"`
	IsStreaming  bool      `json:"is_streaming"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewStatusMessage creates a status message stamped with the current time.
func NewStatusMessage(sessionID, cameraStatus string, streaming bool, message string) *StatusMessage {
	return &StatusMessage{
		Type:         TypeStatus,
		SessionID:    sessionID,
		CameraStatus: cameraStatus,
		IsStreaming:  streaming,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	}
}
