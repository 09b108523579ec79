package types

import "time"

// SyncState is the coordinator's position in the tick lifecycle.
type SyncState string

const (
	SyncIdle           SyncState = "idle"
	SyncAuthenticating SyncState = "authenticating"
	SyncFetching       SyncState = "fetching"
	SyncNormalizing    SyncState = "normalizing"
	SyncAggregating    SyncState = "aggregating"
	SyncPublished      SyncState = "published"
	SyncFailed         SyncState = "failed"
	// SyncCredentialsInvalid means the session cannot be re-established
	// without new credentials. No further ticks run until they arrive.
	SyncCredentialsInvalid SyncState = "credentials_invalid"
)

// BreakerState is the circuit breaker position for a failure category.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Health describes the coordinator's condition for the health endpoint.
type Health struct {
	State               SyncState               `json:"state"`
	LastSuccess         time.Time               `json:"lastSuccess,omitzero"`
	LastAttempt         time.Time               `json:"lastAttempt,omitzero"`
	ConsecutiveFailures int                     `json:"consecutiveFailures"`
	LastError           string                  `json:"lastError,omitempty"`
	Breakers            map[string]BreakerState `json:"breakers"`
	// Skipped maps a service key to the reason it was skipped last tick.
	Skipped map[string]string `json:"skipped,omitempty"`
}
