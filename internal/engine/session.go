package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/interfaces"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

// TransportFailureMessage is the error text stored when the connection fails.
// No structured detail is available for transport failures.
const TransportFailureMessage = "WebSocket connection failed"

var (
	// ErrEmptyPrompt rejects a start whose prompt is blank
	ErrEmptyPrompt = errors.New("prompt is required")

	// ErrSessionClosed is returned by Start after Close
	ErrSessionClosed = errors.New("session closed")

	errChannelEnded = errors.New("channel ended without result")
)

// Session owns the lifecycle of one generation at a time:
// idle -> generating -> complete | error, back to idle via Reset.
//
// Transitions are applied and published under dispatchMu, so observers see
// them one at a time in the order they happened. Messages from a channel
// that is no longer current are dropped.
type Session struct {
	id     string
	dialer interfaces.Dialer
	logger zerolog.Logger

	dispatchMu sync.Mutex

	mu      sync.Mutex
	state   models.SessionState
	channel interfaces.Channel
	closed  bool

	observers observerList
}

// NewSession creates an idle session that opens channels through dialer
func NewSession(dialer interfaces.Dialer, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		dialer: dialer,
		logger: logger.With().Str("component", "session").Str("session_id", id).Logger(),
		state:  idleState(id),
	}
}

func idleState(id string) models.SessionState {
	return models.SessionState{SessionID: id, Phase: models.PhaseIdle}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns a copy of the current state
func (s *Session) Snapshot() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe registers o for every later transition and returns a function
// that detaches it. Subscribe before Start to observe the generating transition.
func (s *Session) Subscribe(o Observer) (unsubscribe func()) {
	return s.observers.add(o)
}

// Start submits req. A blank prompt is rejected with ErrEmptyPrompt and
// nothing else happens. Otherwise any open channel is closed, the state is
// cleared, observers see "generating" before the new channel is opened, and
// Start returns without waiting for the job.
func (s *Session) Start(ctx context.Context, req models.GenerationRequest) error {
	if !req.HasPrompt() {
		return ErrEmptyPrompt
	}
	req = req.Normalized()

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	previous := s.channel
	s.channel = nil
	s.state = models.SessionState{
		SessionID: s.id,
		JobID:     uuid.NewString(),
		Phase:     models.PhaseGenerating,
		Request:   &req,
	}
	snapshot := s.state.Clone()
	s.mu.Unlock()

	if previous != nil {
		s.logger.Debug().Msg("closing previous channel")
		_ = previous.Close()
	}

	s.logger.Info().
		Str("job_id", snapshot.JobID).
		Int("width", req.TargetWidth).
		Int("height", req.TargetHeight).
		Msg("generation started")
	s.observers.notify(snapshot)

	ch, err := s.dialer.Open(ctx, req)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to open channel")
		s.fail(snapshot.JobID)
		return nil
	}

	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	go s.pump(ch)
	return nil
}

// Reset abandons any in-flight job and returns to idle. The service is not
// told to stop; the client only stops listening. Resetting an idle session
// with nothing to clear publishes nothing.
func (s *Session) Reset() {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	previous := s.channel
	s.channel = nil
	if previous == nil && s.isBaseline() {
		s.mu.Unlock()
		return
	}
	s.state = idleState(s.id)
	snapshot := s.state.Clone()
	s.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	s.logger.Info().Msg("session reset")
	s.observers.notify(snapshot)
}

// Close resets the session, detaches all observers and rejects later starts
func (s *Session) Close() error {
	s.Reset()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.observers.clear()
	return nil
}

func (s *Session) isBaseline() bool {
	st := s.state
	return st.Phase == models.PhaseIdle && st.Progress == nil && st.Result == nil &&
		st.Error == "" && st.Request == nil
}

// pump feeds one channel's events into the state machine until it ends
func (s *Session) pump(ch interfaces.Channel) {
	for ev := range ch.Events() {
		s.handle(ch, ev)
	}
	s.handle(ch, interfaces.Event{Kind: interfaces.EventTransportError, Err: errChannelEnded})
}

func (s *Session) handle(ch interfaces.Channel, ev interfaces.Event) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	if s.channel != ch || s.state.Phase != models.PhaseGenerating {
		s.mu.Unlock()
		return
	}

	finished := false
	switch ev.Kind {
	case interfaces.EventProgress:
		if ev.Progress == nil {
			s.mu.Unlock()
			return
		}
		p := *ev.Progress
		s.state.Progress = &p

	case interfaces.EventResult:
		if ev.Result == nil {
			s.mu.Unlock()
			return
		}
		r := *ev.Result
		s.state.Result = &r
		if r.Success {
			s.state.Phase = models.PhaseComplete
		} else {
			s.state.Phase = models.PhaseError
			s.state.Error = r.Error
		}
		finished = true

	case interfaces.EventTransportError:
		s.state.Phase = models.PhaseError
		s.state.Error = TransportFailureMessage
		finished = true

	default:
		s.mu.Unlock()
		return
	}

	if finished {
		s.channel = nil
	}
	snapshot := s.state.Clone()
	s.mu.Unlock()

	if finished {
		_ = ch.Close()
		s.logTerminal(snapshot, ev.Err)
	}
	s.observers.notify(snapshot)
}

// fail moves a job that never got a channel to the error phase.
// Callers hold dispatchMu.
func (s *Session) fail(jobID string) {
	s.mu.Lock()
	if s.state.JobID != jobID || s.state.Phase != models.PhaseGenerating {
		s.mu.Unlock()
		return
	}
	s.state.Phase = models.PhaseError
	s.state.Error = TransportFailureMessage
	snapshot := s.state.Clone()
	s.mu.Unlock()

	s.observers.notify(snapshot)
}

func (s *Session) logTerminal(st models.SessionState, cause error) {
	if st.Phase == models.PhaseComplete {
		ev := s.logger.Info().Str("job_id", st.JobID)
		if st.Result != nil {
			ev = ev.Str("filename", st.Result.Filename).Int64("seed_used", st.Result.SeedUsed)
		}
		ev.Msg("generation complete")
		return
	}
	s.logger.Warn().Err(cause).Str("job_id", st.JobID).Str("error", st.Error).Msg("generation failed")
}
