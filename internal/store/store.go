// Package store defines the market collection owned by the scheduler: the
// active markets open for bets and a bounded, newest-first history of
// resolved ones. Nothing here outlives the process.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/blinkmarket/flash-engine/internal/model"
)

var (
	// ErrNotFound is returned when no active or recent market has the id.
	ErrNotFound = errors.New("store: market not found")

	// ErrDuplicate is returned when adding a market whose id is taken.
	ErrDuplicate = errors.New("store: market already exists")
)

// DefaultHistorySize is the capacity of the recent-history collection.
const DefaultHistorySize = 10

// ResolveFunc turns an expired active market into its resolved form.
type ResolveFunc func(model.Market) (model.Market, error)

// Store is the authoritative market collection. Every method returns copies;
// callers never hold a reference into the store's state.
type Store interface {
	// Add appends a new active market.
	Add(ctx context.Context, m model.Market) error

	// Get returns an active or recently resolved market by id.
	Get(ctx context.Context, id string) (model.Market, error)

	// Active returns active markets in insertion order.
	Active(ctx context.Context) ([]model.Market, error)

	// Recent returns resolved markets, newest first.
	Recent(ctx context.Context) ([]model.Market, error)

	// ActiveCount returns the number of active markets.
	ActiveCount(ctx context.Context) (int, error)

	// UpdateActive runs fn against the active market with the given id while
	// holding the write lock. fn's changes are kept only if it returns nil.
	UpdateActive(ctx context.Context, id string, fn func(*model.Market) error) (model.Market, error)

	// Expire resolves every active market whose window has closed at now,
	// prepends the results to history, and drops them from the active set,
	// all in one step. It returns the resolved markets in active order.
	Expire(ctx context.Context, now time.Time, resolve ResolveFunc) ([]model.Market, error)
}
