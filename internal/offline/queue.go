// Package offline queues user mutations made without connectivity and
// replays them, in order, once the API is reachable again.
//
// Replay delivers each action at least once: a run interrupted between a
// successful call and the removal of its entry sends that action again on
// the next run. Endpoints invoked by replay handlers must therefore be
// idempotent; HTTPHandler sends the action id as an Idempotency-Key header
// for that purpose.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/shopfloor/internal/store"
	"github.com/aussiebroadwan/shopfloor/pkg/idx"
	"github.com/aussiebroadwan/shopfloor/pkg/slogx"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrEmptyType is returned when an action has no type.
var ErrEmptyType = errors.New("offline: action type is required")

// PendingAction is a queued mutation.
type PendingAction struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ReplayResult summarises one replay run.
type ReplayResult struct {
	Replayed  int
	Remaining int

	// Failed is the action replay halted on, nil when the run completed.
	Failed *PendingAction
}

type Options struct {
	Logger *slog.Logger

	// Rate caps dispatches per second during replay. Zero means unlimited.
	Rate float64
}

// Queue is the persisted FIFO of pending actions.
type Queue struct {
	store      store.Store
	dispatcher *Dispatcher
	limiter    *rate.Limiter
	logger     *slog.Logger

	replays singleflight.Group
	now     func() time.Time
}

func NewQueue(db store.Store, d *Dispatcher, opts Options) *Queue {
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}

	return &Queue{
		store:      db,
		dispatcher: d,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     slogx.OrDefault(opts.Logger).With("component", "offline"),
		now:        time.Now,
	}
}

// AddPendingAction appends an action with a fresh id and timestamp.
// payload may be raw JSON or any value encodable as JSON.
func (q *Queue) AddPendingAction(ctx context.Context, typ string, payload any) (PendingAction, error) {
	a, err := q.newAction(typ, payload)
	if err != nil {
		return PendingAction{}, err
	}

	if err := q.store.Actions().Append(ctx, store.Action{
		ID:        a.ID,
		Type:      a.Type,
		Payload:   a.Payload,
		Timestamp: a.Timestamp,
	}); err != nil {
		return PendingAction{}, fmt.Errorf("offline: append: %w", err)
	}

	q.logger.Info("action queued", "id", a.ID, "type", a.Type)
	return a, nil
}

// Pending lists queued actions in the order they will be replayed.
func (q *Queue) Pending(ctx context.Context) ([]PendingAction, error) {
	rows, err := q.store.Actions().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("offline: list: %w", err)
	}

	out := make([]PendingAction, 0, len(rows))
	for _, r := range rows {
		out = append(out, PendingAction(r))
	}
	return out, nil
}

// Len returns the number of queued actions.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.Actions().Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("offline: count: %w", err)
	}
	return n, nil
}

// Replay dispatches queued actions in insertion order. Each success removes
// its entry before the next action starts. The first failure halts the run
// and leaves that action and everything after it queued. Concurrent callers
// share a single run.
func (q *Queue) Replay(ctx context.Context) (ReplayResult, error) {
	v, err, shared := q.replays.Do("replay", func() (any, error) {
		return q.replay(ctx)
	})
	if shared {
		q.logger.Debug("joined running replay")
	}

	res, _ := v.(ReplayResult)
	return res, err
}

func (q *Queue) replay(ctx context.Context) (ReplayResult, error) {
	actions, err := q.Pending(ctx)
	if err != nil {
		return ReplayResult{}, err
	}

	res := ReplayResult{Remaining: len(actions)}
	if len(actions) == 0 {
		return res, nil
	}

	q.logger.Info("replay started", "pending", len(actions))

	for i := range actions {
		a := actions[i]

		if err := q.limiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("offline: replay interrupted: %w", err)
		}

		actx := slogx.WithContext(ctx, q.logger.With("action_id", a.ID, "action_type", a.Type))
		if err := q.dispatcher.Dispatch(actx, a); err != nil {
			res.Failed = &a
			q.logger.Warn("replay halted",
				"id", a.ID,
				"type", a.Type,
				"replayed", res.Replayed,
				"remaining", res.Remaining,
				"error", err,
			)
			return res, fmt.Errorf("offline: replay %s %s: %w", a.Type, a.ID, err)
		}

		if err := q.store.Actions().Delete(ctx, a.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return res, fmt.Errorf("offline: remove %s: %w", a.ID, err)
		}

		res.Replayed++
		res.Remaining--
		q.logger.Debug("action replayed", "id", a.ID, "type", a.Type)
	}

	q.logger.Info("replay completed", "replayed", res.Replayed)
	return res, nil
}

func (q *Queue) newAction(typ string, payload any) (PendingAction, error) {
	if typ == "" {
		return PendingAction{}, ErrEmptyType
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return PendingAction{}, err
	}

	now := q.now().UTC()
	return PendingAction{
		ID:        idx.NewAt(now).String(),
		Type:      typ,
		Payload:   raw,
		Timestamp: now,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("offline: payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("offline: payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("offline: encode payload: %w", err)
	}
	return raw, nil
}
