package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/engine"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/interfaces"
	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

func newSession(t *testing.T) (*engine.Session, *fakeDialer, *recorder) {
	t.Helper()
	dialer := &fakeDialer{}
	s := engine.NewSession(dialer, zerolog.Nop())
	rec := newRecorder()
	s.Subscribe(rec)
	t.Cleanup(func() { _ = s.Close() })
	return s, dialer, rec
}

func successResult() models.ResultEvent {
	return models.ResultEvent{
		Success:          true,
		ImageURL:         "/img/a.png",
		Filename:         "a.png",
		SeedUsed:         42,
		BaseResolution:   models.Resolution{1024, 576},
		TargetResolution: models.Resolution{3840, 2160},
	}
}

func TestNewSession_StartsIdle(t *testing.T) {
	s, _, _ := newSession(t)

	st := s.Snapshot()
	assert.Equal(t, models.PhaseIdle, st.Phase)
	assert.Equal(t, s.ID(), st.SessionID)
	assert.Nil(t, st.Progress)
	assert.Nil(t, st.Result)
	assert.Empty(t, st.Error)
	assert.False(t, st.IsGenerating())
}

func TestStart_RejectsBlankPrompt(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
	}{
		{"empty", ""},
		{"spaces", "  "},
		{"mixed whitespace", "\t\n  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, dialer, rec := newSession(t)

			err := s.Start(context.Background(), models.DefaultRequest(tt.prompt))

			assert.ErrorIs(t, err, engine.ErrEmptyPrompt)
			assert.Equal(t, models.PhaseIdle, s.Snapshot().Phase)
			assert.Zero(t, dialer.opens(), "no transport call expected")
			rec.none(t)
		})
	}
}

func TestStart_PublishesGeneratingBeforeOpen(t *testing.T) {
	var mu sync.Mutex
	var order []string

	dialer := &fakeDialer{onOpen: func() {
		mu.Lock()
		order = append(order, "open")
		mu.Unlock()
	}}
	s := engine.NewSession(dialer, zerolog.Nop())
	defer s.Close()
	s.Subscribe(engine.ObserverFunc(func(st models.SessionState) {
		mu.Lock()
		order = append(order, string(st.Phase))
		mu.Unlock()
	}))

	require.NoError(t, s.Start(context.Background(), mountainLake()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"generating", "open"}, order)
}

func TestStart_SendsTrimmedRequest(t *testing.T) {
	s, dialer, rec := newSession(t)

	req := mountainLake()
	req.Prompt = "  mountain lake \n"
	require.NoError(t, s.Start(context.Background(), req))

	st := rec.next(t)
	assert.Equal(t, models.PhaseGenerating, st.Phase)
	assert.NotEmpty(t, st.JobID)
	require.NotNil(t, st.Request)
	assert.Equal(t, "mountain lake", st.Request.Prompt)

	require.Equal(t, 1, dialer.opens())
	assert.Equal(t, "mountain lake", dialer.requests[0].Prompt)
	assert.Equal(t, 3840, dialer.requests[0].TargetWidth)
}

func TestSession_ProgressThenComplete(t *testing.T) {
	s, dialer, rec := newSession(t)
	require.NoError(t, s.Start(context.Background(), mountainLake()))
	rec.next(t)
	ch := dialer.channel(t, 0)

	ch.progress(t, models.StageGenerating, 0.4, "Step 12/30")

	st := rec.next(t)
	assert.Equal(t, models.PhaseGenerating, st.Phase)
	require.NotNil(t, st.Progress)
	assert.Equal(t, 0.4, st.Progress.Fraction)
	assert.Equal(t, "Step 12/30", st.Progress.Message)
	assert.Equal(t, "Generating", st.Progress.Label())

	ch.result(t, successResult())

	st = rec.next(t)
	assert.Equal(t, models.PhaseComplete, st.Phase)
	require.NotNil(t, st.Result)
	assert.Equal(t, int64(42), st.Result.SeedUsed)
	assert.Equal(t, "a.png", st.Result.Filename)
	assert.Equal(t, models.Resolution{1024, 576}, st.Result.BaseResolution)
	assert.Empty(t, st.Error)
	assert.True(t, ch.closed.Load(), "channel must be closed after the result")
}

func TestSession_LastStateMatchesTerminalResult(t *testing.T) {
	tests := []struct {
		name     string
		progress int
		result   models.ResultEvent
		phase    models.Phase
		errText  string
	}{
		{"success without progress", 0, successResult(), models.PhaseComplete, ""},
		{"success after many updates", 25, successResult(), models.PhaseComplete, ""},
		{"failure after updates", 3, models.ResultEvent{Success: false, Error: "CUDA out of memory"}, models.PhaseError, "CUDA out of memory"},
		{"failure with empty text", 1, models.ResultEvent{Success: false}, models.PhaseError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, dialer, rec := newSession(t)
			require.NoError(t, s.Start(context.Background(), mountainLake()))
			rec.next(t)
			ch := dialer.channel(t, 0)

			for i := 0; i < tt.progress; i++ {
				ch.progress(t, models.StageGenerating, float64(i)/float64(tt.progress), "step")
				rec.next(t)
			}
			ch.result(t, tt.result)

			st := rec.next(t)
			assert.Equal(t, tt.phase, st.Phase)
			assert.Equal(t, tt.errText, st.Error)
			require.NotNil(t, st.Result)
			assert.Equal(t, tt.result, *st.Result)
			assert.Equal(t, st, s.Snapshot())
		})
	}
}

func TestSession_TransportErrorBeforeResult(t *testing.T) {
	s, dialer, rec := newSession(t)
	require.NoError(t, s.Start(context.Background(), mountainLake()))
	rec.next(t)
	ch := dialer.channel(t, 0)

	ch.deliver(t, interfaces.Event{Kind: interfaces.EventTransportError, Err: errors.New("connection reset")})

	st := rec.next(t)
	assert.Equal(t, models.PhaseError, st.Phase)
	assert.Equal(t, engine.TransportFailureMessage, st.Error)
	assert.Nil(t, st.Result)
	assert.True(t, ch.closed.Load())
}

func TestSession_ChannelEndsWithoutResult(t *testing.T) {
	s, dialer, rec := newSession(t)
	require.NoError(t, s.Start(context.Background(), mountainLake()))
	rec.next(t)
	ch := dialer.channel(t, 0)

	ch.progress(t, models.StageLoadingModel, 0.05, "Loading")
	rec.next(t)
	ch.end()

	st := rec.next(t)
	assert.Equal(t, models.PhaseError, st.Phase)
	assert.Equal(t, engine.TransportFailureMessage, st.Error)
	require.NotNil(t, st.Progress, "last progress is kept")
	assert.True(t, ch.closed.Load())
	assert.Equal(t, models.PhaseError, s.Snapshot().Phase)
}

func TestSession_OpenFailureEndsInError(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("bad url")}
	s := engine.NewSession(dialer, zerolog.Nop())
	defer s.Close()
	rec := newRecorder()
	s.Subscribe(rec)

	require.NoError(t, s.Start(context.Background(), mountainLake()))

	assert.Equal(t, models.PhaseGenerating, rec.next(t).Phase)
	st := rec.next(t)
	assert.Equal(t, models.PhaseError, st.Phase)
	assert.Equal(t, engine.TransportFailureMessage, st.Error)
}

func TestSession_LateEventsAfterTerminalAreDropped(t *testing.T) {
	s, dialer, rec := newSession(t)
	require.NoError(t, s.Start(context.Background(), mountainLake()))
	rec.next(t)
	ch := dialer.channel(t, 0)

	ch.result(t, successResult())
	final := rec.next(t)
	require.Equal(t, models.PhaseComplete, final.Phase)

	ch.progress(t, models.StageSaving, 0.99, "late")
	ch.result(t, models.ResultEvent{Success: false, Error: "late failure"})
	ch.end()

	rec.none(t)
	assert.Equal(t, final, s.Snapshot())
}

func TestSession_RestartIsolatesStaleChannel(t *testing.T) {
	s, dialer, rec := newSession(t)

	require.NoError(t, s.Start(context.Background(), mountainLake()))
	rec.next(t)
	first := dialer.channel(t, 0)
	first.progress(t, models.StageGenerating, 0.3, "A")
	rec.next(t)

	second := models.DefaultRequest("desert dunes")
	require.NoError(t, s.Start(context.Background(), second))
	st := rec.next(t)
	assert.True(t, first.closed.Load(), "first channel closed before the second is used")
	assert.Equal(t, models.PhaseGenerating, st.Phase)
	assert.Nil(t, st.Progress, "progress is cleared on restart")
	assert.Equal(t, "desert dunes", st.Request.Prompt)
	jobB := st.JobID

	// Late traffic on A must not touch B
	first.progress(t, models.StageGenerating, 0.9, "A late")
	first.result(t, successResult())
	first.end()
	rec.none(t)

	cur := s.Snapshot()
	assert.Equal(t, models.PhaseGenerating, cur.Phase)
	assert.Equal(t, jobB, cur.JobID)
	assert.Nil(t, cur.Progress)
	assert.Nil(t, cur.Result)

	dialer.channel(t, 1).progress(t, models.StageGenerating, 0.1, "B")
	st = rec.next(t)
	assert.Equal(t, "B", st.Progress.Message)
}

func TestSession_ResetAfterComplete(t *testing.T) {
	s, dialer, rec := newSession(t)
	require.NoError(t, s.Start(context.Background(), mountainLake()))
	rec.next(t)
	ch := dialer.channel(t, 0)
	ch.progress(t, models.StageGenerating, 0.4, "Step 12/30")
	rec.next(t)
	ch.result(t, successResult())
	rec.next(t)

	s.Reset()

	st := rec.next(t)
	assert.Equal(t, models.PhaseIdle, st.Phase)
	assert.Nil(t, st.Progress)
	assert.Nil(t, st.Result)
	assert.Nil(t, st.Request)
	assert.Empty(t, st.Error)
	assert.Empty(t, st.JobID)
}

func TestSession_ResetWhileGeneratingClosesChannel(t *testing.T) {
	s, dialer, rec := newSession(t)
	require.NoError(t, s.Start(context.Background(), mountainLake()))
	rec.next(t)
	ch := dialer.channel(t, 0)

	s.Reset()

	assert.Equal(t, models.PhaseIdle, rec.next(t).Phase)
	assert.True(t, ch.closed.Load())

	ch.result(t, successResult())
	rec.none(t)
	assert.Equal(t, models.PhaseIdle, s.Snapshot().Phase)
}

func TestSession_ResetIsIdempotent(t *testing.T) {
	s, _, rec := newSession(t)

	s.Reset()
	s.Reset()

	rec.none(t)
	assert.Zero(t, rec.count())
	assert.Equal(t, models.PhaseIdle, s.Snapshot().Phase)
}

func TestSession_ResetTwiceAfterErrorPublishesOnce(t *testing.T) {
	s, dialer, rec := newSession(t)
	require.NoError(t, s.Start(context.Background(), mountainLake()))
	rec.next(t)
	dialer.channel(t, 0).end()
	require.Equal(t, models.PhaseError, rec.next(t).Phase)

	s.Reset()
	s.Reset()

	assert.Equal(t, models.PhaseIdle, rec.next(t).Phase)
	rec.none(t)
}

func TestSession_ObserversGetIndependentCopies(t *testing.T) {
	s, dialer, _ := newSession(t)
	var got []models.SessionState
	var mu sync.Mutex
	s.Subscribe(engine.ObserverFunc(func(st models.SessionState) {
		if st.Progress != nil {
			st.Progress.Message = "mutated"
		}
		mu.Lock()
		got = append(got, st)
		mu.Unlock()
	}))

	require.NoError(t, s.Start(context.Background(), mountainLake()))
	dialer.channel(t, 0).progress(t, models.StageGenerating, 0.5, "original")

	assert.Equal(t, "original", s.Snapshot().Progress.Message)
}

func TestSession_Unsubscribe(t *testing.T) {
	s, dialer, rec := newSession(t)
	other := newRecorder()
	unsubscribe := s.Subscribe(other)

	require.NoError(t, s.Start(context.Background(), mountainLake()))
	rec.next(t)
	other.next(t)

	unsubscribe()
	unsubscribe()

	dialer.channel(t, 0).progress(t, models.StageGenerating, 0.2, "step")
	rec.next(t)
	other.none(t)
}

func TestSession_CloseRejectsStart(t *testing.T) {
	dialer := &fakeDialer{}
	s := engine.NewSession(dialer, zerolog.Nop())
	require.NoError(t, s.Start(context.Background(), mountainLake()))
	ch := dialer.channel(t, 0)

	require.NoError(t, s.Close())

	assert.True(t, ch.closed.Load())
	assert.Equal(t, models.PhaseIdle, s.Snapshot().Phase)
	err := s.Start(context.Background(), mountainLake())
	assert.ErrorIs(t, err, engine.ErrSessionClosed)
	assert.Equal(t, 1, dialer.opens())
}
