package coordinator

import (
	"context"
	"log/slog"

	"github.com/krew-solutions/whizbang-go/whizbang/ident"
	"github.com/krew-solutions/whizbang-go/whizbang/store"
)

// WorkCoordinator is the single funnel between strategies and the
// store. It stamps the instance identity on every batch, validates,
// and sorts store failures into the error taxonomy: concurrency
// conflicts pass through untouched, everything else comes back as a
// StorageError.
type WorkCoordinator struct {
	store    store.Store
	instance store.Instance
	logger   *slog.Logger
}

func NewWorkCoordinator(workStore store.Store, instance store.Instance, logger *slog.Logger) *WorkCoordinator {
	if instance.ID == (ident.InstanceID{}) {
		instance = store.NewInstance(instance.ServiceName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkCoordinator{
		store:    workStore,
		instance: instance,
		logger:   logger,
	}
}

func (c *WorkCoordinator) Instance() store.Instance {
	return c.instance
}

func (c *WorkCoordinator) Store() store.Store {
	return c.store
}

func (c *WorkCoordinator) ProcessWorkBatch(ctx context.Context, batch store.WorkBatch) (*store.BatchResult, error) {
	batch.Instance = c.instance
	if err := validateBatch(batch); err != nil {
		return nil, err
	}
	result, err := c.store.ProcessWorkBatch(ctx, batch)
	if err != nil {
		if store.IsConcurrencyError(err) {
			return nil, err
		}
		return nil, &StorageError{Err: err}
	}
	return result, nil
}
