package storage

import (
	"context"
	"errors"

	"lightpoll/internal/channels"
)

// Mirrored loads from a primary store and writes to the primary followed by
// every projection. Errors from all stores are joined.
type Mirrored struct {
	primary     ConnectionStore
	projections []ConnectionStore
}

// NewMirrored composes stores.
func NewMirrored(primary ConnectionStore, projections ...ConnectionStore) *Mirrored {
	return &Mirrored{primary: primary, projections: projections}
}

func (m *Mirrored) Load(ctx context.Context, id string) *channels.Set {
	return m.primary.Load(ctx, id)
}

func (m *Mirrored) Write(ctx context.Context, id string, set *channels.Set) error {
	return m.each(func(store ConnectionStore) error {
		return store.Write(ctx, id, set)
	})
}

func (m *Mirrored) Delete(ctx context.Context, id string) error {
	return m.each(func(store ConnectionStore) error {
		return store.Delete(ctx, id)
	})
}

func (m *Mirrored) DeleteAll(ctx context.Context) error {
	return m.each(func(store ConnectionStore) error {
		return store.DeleteAll(ctx)
	})
}

func (m *Mirrored) each(fn func(ConnectionStore) error) error {
	errs := []error{fn(m.primary)}
	for _, store := range m.projections {
		errs = append(errs, fn(store))
	}
	return errors.Join(errs...)
}
