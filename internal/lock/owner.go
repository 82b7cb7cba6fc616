package lock

import "context"

// Owner is a Manager bound to one identity, used by in-process editors.
type Owner struct {
	manager *Manager
	id      string
	label   string
}

func (o *Owner) ID() string {
	return o.id
}

func (o *Owner) Acquire(ctx context.Context, resourceID string) (Grant, error) {
	return o.manager.Acquire(ctx, resourceID, o.id, o.label)
}

func (o *Owner) Release(ctx context.Context, resourceID string) error {
	return o.manager.Release(ctx, resourceID, o.id)
}

func (o *Owner) List(ctx context.Context) ([]Lock, error) {
	return o.manager.List(ctx)
}
