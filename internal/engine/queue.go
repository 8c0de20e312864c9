package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

// QueueResult is the outcome of one queued request
type QueueResult struct {
	Index    int
	Request  models.GenerationRequest
	State    models.SessionState
	Err      error
	Duration time.Duration
}

// Succeeded reports whether the request produced an image
func (r QueueResult) Succeeded() bool {
	return r.Err == nil && r.State.Phase == models.PhaseComplete
}

// BatchQueue runs requests one after another through a single session,
// so there is never more than one generation in flight
type BatchQueue struct {
	session *Session
	timeout time.Duration
	logger  zerolog.Logger
}

// NewBatchQueue creates a queue on session. A positive timeout bounds each
// request; when it expires the session is reset and the next request runs.
func NewBatchQueue(session *Session, timeout time.Duration, logger zerolog.Logger) *BatchQueue {
	return &BatchQueue{
		session: session,
		timeout: timeout,
		logger:  logger.With().Str("component", "queue").Logger(),
	}
}

// Run processes requests in order. onResult, when non-nil, is called after
// each request. Run stops early only when ctx is cancelled.
func (q *BatchQueue) Run(ctx context.Context, requests []models.GenerationRequest, onResult func(QueueResult)) ([]QueueResult, error) {
	results := make([]QueueResult, 0, len(requests))
	for i, req := range requests {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := q.runOne(ctx, i, req)
		results = append(results, res)
		if onResult != nil {
			onResult(res)
		}

		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

func (q *BatchQueue) runOne(ctx context.Context, index int, req models.GenerationRequest) QueueResult {
	start := time.Now()
	res := QueueResult{Index: index, Request: req}

	if err := q.session.Start(ctx, req); err != nil {
		res.Err = fmt.Errorf("request %d: %w", index, err)
		q.logger.Warn().Err(err).Int("index", index).Msg("skipping request")
		return res
	}

	waitCtx := ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	state, err := Await(waitCtx, q.session)
	res.Duration = time.Since(start)
	res.State = state
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			q.session.Reset()
		}
		res.Err = fmt.Errorf("request %d: %w", index, err)
		q.logger.Warn().Err(err).Int("index", index).Dur("elapsed", res.Duration).Msg("request did not finish")
		return res
	}

	q.logger.Info().
		Int("index", index).
		Str("status", string(state.Phase)).
		Dur("elapsed", res.Duration).
		Msg("request finished")
	return res
}
