package log

// Canonical field name constants for structured logging.
const (
	FieldComponent = "component"
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"

	FieldOldState = "old_state"
	FieldNewState = "new_state"

	FieldFrameSeq = "frame_seq"
	FieldFPS      = "fps"
	FieldKind     = "kind"
	FieldURL      = "url"
	FieldDevice   = "device"

	FieldAttempt     = "attempt"
	FieldMaxAttempts = "max_attempts"
	FieldDelay       = "delay"
	FieldLatency     = "latency"
	FieldRemoteAddr  = "remote_addr"
)
