package sqlite

import (
	"context"
	"time"

	"github.com/aussiebroadwan/shopfloor/internal/store"
)

type actionsRepo struct {
	q querier
}

func (r *actionsRepo) Append(ctx context.Context, a store.Action) error {
	payload := string(a.Payload)
	if payload == "" {
		payload = "null"
	}

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO pending_actions (id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Type, payload, a.Timestamp.UTC().UnixNano(),
	)
	return mapConstraint(err)
}

func (r *actionsRepo) List(ctx context.Context) ([]store.Action, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, type, payload, created_at FROM pending_actions ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Action
	for rows.Next() {
		var (
			a       store.Action
			payload string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.Type, &payload, &created); err != nil {
			return nil, err
		}
		a.Payload = []byte(payload)
		a.Timestamp = time.Unix(0, created).UTC()
		out = append(out, a)
	}

	return out, rows.Err()
}

func (r *actionsRepo) Delete(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *actionsRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n)
	return n, err
}
