package sqlite

import (
	"github.com/aussiebroadwan/shopfloor/internal/store"
)

type txStore struct {
	q querier
}

func (t *txStore) KV() store.KV           { return &kvRepo{q: t.q} }
func (t *txStore) Actions() store.Actions { return &actionsRepo{q: t.q} }
