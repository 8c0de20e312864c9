package models

// Phase is the coarse lifecycle state of a generation session
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseGenerating Phase = "generating"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

// Terminal reports whether no further automatic transition happens from p
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// SessionState is a read-only snapshot of a session.
// JobID changes on every start and Request is the request that started it.
// Progress and Result are nil when absent; Error is empty when there is none.
type SessionState struct {
	SessionID string             `json:"session_id"`
	JobID     string             `json:"job_id,omitempty"`
	Phase     Phase              `json:"status"`
	Request   *GenerationRequest `json:"request,omitempty"`
	Progress  *ProgressEvent     `json:"progress"`
	Result    *ResultEvent       `json:"result"`
	Error     string             `json:"error,omitempty"`
}

// IsGenerating mirrors the UI's busy flag
func (s SessionState) IsGenerating() bool {
	return s.Phase == PhaseGenerating
}

// Clone returns a snapshot that shares no pointers with s
func (s SessionState) Clone() SessionState {
	out := s
	if s.Request != nil {
		r := *s.Request
		out.Request = &r
	}
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	return out
}
