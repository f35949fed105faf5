// Package state implements the shared, cross-process state the router
// consults to gate candidates: provider blacklist, consecutive-failure
// counters, fixed-window rate limits, and an optional concurrency
// semaphore. It is the only mutable surface shared across concurrent
// requests and, in production, across separate gateway processes.
package state

import "context"

const (
	// FailureCounterTTL is the inactivity window after which a provider's
	// consecutive-failure counter is forgotten.
	FailureCounterTTL = 300 // seconds

	// SlotSafetyTTL bounds how long an acquired concurrency slot survives
	// if its holder crashes without releasing it.
	SlotSafetyTTL = 300 // seconds
)

// Store is the shared state facade described by the component design. All
// operations are safe to call concurrently; only AcquireSlot/ReleaseSlot are
// paired and must be used together (typically via defer).
type Store interface {
	IsBlacklisted(ctx context.Context, provider string) (bool, error)
	Blacklist(ctx context.Context, provider string, ttlSeconds int64) error

	// BlacklistTTL returns the remaining TTL in seconds, or 0 if the
	// provider is not currently blacklisted. Used for health reporting.
	BlacklistTTL(ctx context.Context, provider string) (int64, error)

	IncrementFailure(ctx context.Context, provider string) (int64, error)
	ResetFailure(ctx context.Context, provider string) error
	FailureCount(ctx context.Context, provider string) (int64, error)

	// CheckRateLimit implements the fixed-window algorithm: absent key ->
	// create with value 1 and TTL=window, allowed; value >= max -> rejected
	// without mutation; else increment and allow. The identifier is the
	// full, already-namespaced key (see KeyProviderRateLimit /
	// KeyUserRateLimit) — the store does not namespace on its own.
	CheckRateLimit(ctx context.Context, identifier string, max int64, windowSeconds int64) (allowed bool, remaining int64, err error)

	AcquireSlot(ctx context.Context, resource string, maxSlots int64) (acquired bool, err error)
	ReleaseSlot(ctx context.Context, resource string) error

	// Ping verifies the store is reachable. Used by GET /health.
	Ping(ctx context.Context) error
}

// Key layout, matching spec §6 exactly. Provider- and user-scoped rate
// limits are namespaced separately per the spec's Open Question resolution,
// so they cannot collide the way the original single `ratelimit:{id}`
// namespace did.
func KeyBlacklist(provider string) string { return "blacklist:" + provider }
func KeyFailures(provider string) string  { return "failures:" + provider }
func KeyProviderRateLimit(provider string) string {
	return "ratelimit:provider:" + provider
}
func KeyUserRateLimit(userID string) string { return "ratelimit:user:" + userID }
func KeyConcurrency(resource string) string { return "concurrency:" + resource }
