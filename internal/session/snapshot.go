package session

import (
	"time"

	"camrelay/internal/camera"
)

// CameraStatus is the camera state reported to clients.
type CameraStatus string

const (
	CameraConnected    CameraStatus = "connected"
	CameraDisconnected CameraStatus = "disconnected"
	CameraConnecting   CameraStatus = "connecting"
	CameraError        CameraStatus = "error"
)

func cameraStatusOf(s camera.State) CameraStatus {
	switch s {
	case camera.StateReading:
		return CameraConnected
	case camera.StateConnecting, camera.StateReconnecting:
		return CameraConnecting
	case camera.StateFailed:
		return CameraError
	default:
		return CameraDisconnected
	}
}

// Snapshot is an immutable copy of a session's status.
type Snapshot struct {
	SessionID       string       `json:"session_id"`
	State           State        `json:"state"`
	CameraStatus    CameraStatus `json:"camera_status"`
	IsStreaming     bool         `json:"is_streaming"`
	ClientConnected bool         `json:"client_connected"`
	CurrentFPS      float64      `json:"current_fps"`
	AvgLatencyMs    float64      `json:"avg_latency_ms"`
	P95LatencyMs    float64      `json:"p95_latency_ms"`
	FramesProcessed uint64       `json:"frames_processed"`
	FramesDropped   uint64       `json:"frames_dropped"`
	ErrorCount      uint64       `json:"error_count"`
	Errors          []string     `json:"errors"`
	LastUpdated     time.Time    `json:"last_updated"`
}

// Status returns a snapshot without waiting on the pipeline loops.
func (s *Session) Status() Snapshot {
	now := time.Now()

	s.mu.Lock()
	state, r, lastErr := s.state, s.run, s.lastErr
	dropped := s.droppedOld
	errs := append([]string{}, s.recent...)
	s.mu.Unlock()

	status := CameraDisconnected
	switch {
	case r != nil:
		status = cameraStatusOf(r.reader.State())
		dropped += r.bus.Stats().Dropped()
	case lastErr != nil:
		status = CameraError
	}

	return Snapshot{
		SessionID:       s.id,
		State:           state,
		CameraStatus:    status,
		IsStreaming:     state == StateStreaming && status == CameraConnected,
		ClientConnected: s.channel.Connected(),
		CurrentFPS:      s.fps.Rate(now),
		AvgLatencyMs:    ms(s.latency.Average()),
		P95LatencyMs:    ms(s.latency.P95()),
		FramesProcessed: s.processed.Load(),
		FramesDropped:   dropped + s.skipped.Load(),
		ErrorCount:      s.errCount.Load(),
		Errors:          errs,
		LastUpdated:     time.Unix(0, s.updated.Load()).UTC(),
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
