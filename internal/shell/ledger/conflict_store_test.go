package ledger

import (
	"context"
	"sync"

	"github.com/artpar/sitedeploy/internal/core/domain"
	"github.com/artpar/sitedeploy/internal/shell/store"
)

// conflictStore fails the first n version inserts with a unique conflict,
// as a concurrent writer in another process would.
type conflictStore struct {
	store.Store

	mu       sync.Mutex
	failures int
	attempts int
}

func (c *conflictStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return c.Store.WithTx(ctx, func(tx store.Store) error {
		return fn(&conflictTx{Store: tx, parent: c})
	})
}

type conflictTx struct {
	store.Store
	parent *conflictStore
}

func (t *conflictTx) CreateDeployVersion(ctx context.Context, v *domain.DeployVersion) error {
	t.parent.mu.Lock()
	t.parent.attempts++
	fail := t.parent.failures > 0
	if fail {
		t.parent.failures--
	}
	t.parent.mu.Unlock()

	if fail {
		return store.NewStoreError("CreateDeployVersion", "deploy_version", "", "version already taken", store.ErrDuplicateVersion)
	}
	return t.Store.CreateDeployVersion(ctx, v)
}
