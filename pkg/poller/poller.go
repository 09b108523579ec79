// Package poller owns the sync loop: it establishes a session, fetches and
// normalizes account data, aggregates usage per service and atomically
// publishes the resulting snapshot set.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/redsync/redsync/pkg/auth"
	"github.com/redsync/redsync/pkg/log"
	"github.com/redsync/redsync/pkg/redenergy"
	"github.com/redsync/redsync/pkg/storage"
	"github.com/redsync/redsync/pkg/types"
	"github.com/redsync/redsync/pkg/usage"
	"golang.org/x/sync/errgroup"
)

// SessionManager is the slice of the auth manager the coordinator drives.
type SessionManager interface {
	EnsureValidSession(ctx context.Context) (types.Token, error)
	SetCredential(ctx context.Context, cred types.Credential)
	HasCredential() bool
}

// API is the slice of the retail API client the coordinator drives.
type API interface {
	Customer(ctx context.Context) (json.RawMessage, error)
	Properties(ctx context.Context) (json.RawMessage, error)
	Usage(ctx context.Context, consumerNumber string, from, to time.Time) (json.RawMessage, error)
}

const (
	authBreakerKey     = "auth"
	propertyBreakerKey = "properties"
	usageBreakerPrefix = "usage:"
)

// Coordinator runs the poll loop and holds the published snapshot set.
type Coordinator struct {
	sessions SessionManager
	api      API
	db       storage.Database

	breakerThreshold int
	breakerCooldown  time.Duration
	retryAttempts    int
	retryBase        time.Duration
	retryMax         time.Duration
	fetchConcurrency int

	now func() time.Time

	// tickMu serializes ticks: scheduled ticks give up if one is running,
	// manual refreshes wait their turn.
	tickMu sync.Mutex

	intervalCh chan time.Duration

	mu        sync.RWMutex
	settings  types.Settings
	snapshots map[string]types.UsageSnapshot
	customer  types.Customer
	health    types.Health
	breakers  map[string]*breaker
}

// Configured sets up the Coordinator based on flags.
func Configured(sessions SessionManager, api API, db storage.Database) *Coordinator {
	c := New(sessions, api, db)

	threshold := lflag.Int("breaker-threshold", 5, "Consecutive failures before a circuit breaker opens")
	cooldown := lflag.Duration("breaker-cooldown", 5*time.Minute, "How long an open circuit breaker waits before probing")
	attempts := lflag.Int("retry-attempts", 3, "Attempts per fetch before giving up for the tick")
	backoff := lflag.Duration("retry-backoff", 500*time.Millisecond, "Initial retry backoff, doubled per attempt")

	lflag.Do(func() {
		c.breakerThreshold = *threshold
		c.breakerCooldown = *cooldown
		c.retryAttempts = *attempts
		c.retryBase = *backoff
	})

	return c
}

// New returns a Coordinator with defaults suitable for tests.
func New(sessions SessionManager, api API, db storage.Database) *Coordinator {
	return &Coordinator{
		sessions:         sessions,
		api:              api,
		db:               db,
		breakerThreshold: 5,
		breakerCooldown:  5 * time.Minute,
		retryAttempts:    3,
		retryBase:        500 * time.Millisecond,
		retryMax:         30 * time.Second,
		fetchConcurrency: 4,
		now:              time.Now,
		intervalCh:       make(chan time.Duration, 1),
		snapshots:        make(map[string]types.UsageSnapshot),
		breakers:         make(map[string]*breaker),
		health:           types.Health{State: types.SyncIdle},
	}
}

// Run restores persisted state, then ticks on the configured interval until
// the context is canceled. A scheduled tick is skipped when the previous
// one is still running; ticks never overlap.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.restore(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore persisted state", slog.Any("error", err))
	}

	ticker := time.NewTicker(c.currentSettings().PollInterval())
	defer ticker.Stop()

	// first sync right away rather than a full interval after startup
	c.tickMu.Lock()
	c.tick(ctx)
	c.tickMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-c.intervalCh:
			log.Ctx(ctx).InfoContext(ctx, "poll interval changed", slog.Duration("interval", d))
			ticker.Reset(d)
		case <-ticker.C:
			if !c.tickMu.TryLock() {
				log.Ctx(ctx).WarnContext(ctx, "previous tick still running, skipping this one")
				continue
			}
			c.tick(ctx)
			c.tickMu.Unlock()
		}
	}
}

// restore loads settings and the last-known-good snapshot set so restarts
// publish data immediately.
func (c *Coordinator) restore(ctx context.Context) error {
	settings, version, err := c.db.GetSettings(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		settings, version = types.Settings{}, 0
	} else if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	settings, migrated, err := types.MigrateSettings(settings, version)
	if err != nil {
		return fmt.Errorf("failed to migrate settings: %w", err)
	}
	if migrated {
		if err := c.db.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist migrated settings", slog.Any("error", err))
		}
	}

	snaps, err := c.db.GetSnapshots(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load snapshots: %w", err)
	}

	c.mu.Lock()
	c.settings = settings
	if len(snaps) > 0 {
		c.snapshots = snaps
	}
	c.mu.Unlock()
	if len(snaps) > 0 {
		log.Ctx(ctx).InfoContext(ctx, "restored snapshots", slog.Int("count", len(snaps)))
	}
	return nil
}

// tick runs one full sync pass. Callers must hold tickMu.
func (c *Coordinator) tick(ctx context.Context) error {
	start := c.now()
	c.mu.Lock()
	// a rejected credential stays rejected; retrying the same one only
	// hammers the provider, so no further ticks run until a new credential
	// arrives via UpdateCredentials
	if c.health.State == types.SyncCredentialsInvalid {
		c.mu.Unlock()
		log.Ctx(ctx).WarnContext(ctx, "skipping tick, waiting for new credentials")
		return fmt.Errorf("%w: waiting for new credentials", auth.ErrInvalidCredentials)
	}
	c.health.LastAttempt = start
	c.health.State = types.SyncAuthenticating
	c.mu.Unlock()

	if !c.sessions.HasCredential() {
		return c.failTick(ctx, types.SyncCredentialsInvalid, auth.ErrNoCredentials)
	}

	ab := c.breakerFor(authBreakerKey)
	if !ab.Allow() {
		return c.failTick(ctx, types.SyncFailed, errors.New("auth circuit breaker open"))
	}
	err := c.withRetry(ctx, "authenticate", func(ctx context.Context) error {
		_, err := c.sessions.EnsureValidSession(ctx)
		return err
	})
	if err != nil {
		if auth.IsFatal(err) {
			return c.failTick(ctx, types.SyncCredentialsInvalid, err)
		}
		ab.Failure()
		return c.failTick(ctx, types.SyncFailed, err)
	}
	ab.Success()

	c.setState(types.SyncFetching)
	pb := c.breakerFor(propertyBreakerKey)
	if !pb.Allow() {
		return c.failTick(ctx, types.SyncFailed, errors.New("properties circuit breaker open"))
	}

	// the customer payload is informational, a failure here does not kill
	// the tick
	if rawCustomer, err := c.api.Customer(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch customer", slog.Any("error", err))
	} else if customer, err := redenergy.NormalizeCustomer(ctx, rawCustomer); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to normalize customer", slog.Any("error", err))
	} else {
		c.mu.Lock()
		c.customer = customer
		c.mu.Unlock()
	}

	var rawProps json.RawMessage
	err = c.withRetry(ctx, "properties", func(ctx context.Context) error {
		var err error
		rawProps, err = c.api.Properties(ctx)
		return err
	})
	if err != nil {
		pb.Failure()
		return c.failTick(ctx, types.SyncFailed, fmt.Errorf("failed to fetch properties: %w", err))
	}
	pb.Success()

	c.setState(types.SyncNormalizing)
	props, problems, err := redenergy.NormalizeProperties(ctx, rawProps)
	if err != nil {
		return c.failTick(ctx, types.SyncFailed, fmt.Errorf("failed to normalize properties: %w", err))
	}
	for _, p := range problems {
		log.Ctx(ctx).WarnContext(ctx, "property normalization problem",
			slog.String("item", p.Item),
			slog.String("reason", p.Reason),
		)
	}

	settings := c.currentSettings()

	type job struct {
		property types.Property
		svc      types.Service
		key      string
	}
	var considered, matched []string
	skipped := make(map[string]string)
	var jobs []job
	for _, p := range props {
		for _, svc := range p.Services {
			key := types.SnapshotKey{PropertyID: p.ID, ServiceType: svc.Type}.String()
			considered = append(considered, key)
			switch {
			case !settings.PropertySelected(p.ID):
				skipped[key] = "property not selected"
			case !settings.ServiceSelected(svc.Type):
				skipped[key] = "service type not selected"
			case svc.ConsumerNumber == "":
				skipped[key] = "no consumer number"
			case !svc.Active:
				skipped[key] = "service not active"
			default:
				matched = append(matched, key)
				jobs = append(jobs, job{property: p, svc: svc, key: key})
			}
		}
	}
	sort.Strings(considered)
	sort.Strings(matched)

	if len(jobs) == 0 {
		err := &NoDataError{Considered: considered, Matched: matched, Skipped: skipped}
		c.mu.Lock()
		c.health.Skipped = skipped
		c.mu.Unlock()
		return c.failTick(ctx, types.SyncFailed, err)
	}

	c.setState(types.SyncAggregating)
	old := c.currentSnapshots()
	tickNow := c.now()
	newSnaps := make(map[string]types.UsageSnapshot, len(jobs))
	var snapMu sync.Mutex

	// one slow or failing service must not block or fail the others, so
	// goroutines report skips instead of returning errors
	var g errgroup.Group
	g.SetLimit(c.fetchConcurrency)
	for _, j := range jobs {
		g.Go(func() error {
			snap, reason := c.syncService(ctx, j.svc, tickNow)
			snapMu.Lock()
			defer snapMu.Unlock()
			if reason != "" {
				skipped[j.key] = reason
				// fall back to the last-known-good snapshot for this
				// service only
				if prev, ok := old[j.key]; ok {
					newSnaps[j.key] = prev
				}
				return nil
			}
			snap.PropertyID = j.property.ID
			snap.ServiceType = j.svc.Type
			snap.ConsumerNumber = j.svc.ConsumerNumber
			newSnaps[j.key] = snap
			return nil
		})
	}
	// goroutines report skips instead of errors so Wait cannot fail
	_ = g.Wait()

	if ctx.Err() != nil {
		// abandoned mid-tick, nothing gets published
		return c.failTick(ctx, types.SyncFailed, ctx.Err())
	}

	if len(newSnaps) == 0 {
		err := &NoDataError{Considered: considered, Matched: matched, Skipped: skipped}
		c.mu.Lock()
		c.health.Skipped = skipped
		c.mu.Unlock()
		return c.failTick(ctx, types.SyncFailed, err)
	}

	// the published set is replaced in one step, readers never see a
	// partial tick
	c.mu.Lock()
	c.snapshots = newSnaps
	c.health.State = types.SyncPublished
	c.health.LastSuccess = c.now()
	c.health.ConsecutiveFailures = 0
	c.health.LastError = ""
	c.health.Skipped = skipped
	c.mu.Unlock()

	if err := c.db.SetSnapshots(ctx, newSnaps); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist snapshots", slog.Any("error", err))
	}

	log.Ctx(ctx).InfoContext(ctx, "sync tick published",
		slog.Int("snapshots", len(newSnaps)),
		slog.Int("skipped", len(skipped)),
		slog.Duration("took", c.now().Sub(start)),
	)
	return nil
}

// syncService fetches, normalizes and aggregates usage for one service.
// A non-empty reason means the service was skipped this tick.
func (c *Coordinator) syncService(ctx context.Context, svc types.Service, now time.Time) (types.UsageSnapshot, string) {
	ctx = log.CtxWith(ctx, slog.String("consumerNumber", svc.ConsumerNumber))

	ub := c.breakerFor(usageBreakerPrefix + svc.ConsumerNumber)
	if !ub.Allow() {
		return types.UsageSnapshot{}, "usage circuit breaker open"
	}

	period := usage.ComputeBillingPeriod(svc, now)
	lastFullDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var raw json.RawMessage
	err := c.withRetry(ctx, "usage "+svc.ConsumerNumber, func(ctx context.Context) error {
		var err error
		raw, err = c.api.Usage(ctx, svc.ConsumerNumber, period.Start, lastFullDay)
		return err
	})
	if err != nil {
		ub.Failure()
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch usage", slog.Any("error", err))
		return types.UsageSnapshot{}, fmt.Sprintf("fetch failed: %v", err)
	}
	ub.Success()

	res, err := redenergy.NormalizeUsage(ctx, raw, period.Start, lastFullDay)
	if err != nil {
		return types.UsageSnapshot{}, fmt.Sprintf("normalize failed: %v", err)
	}
	for _, p := range res.Problems {
		log.Ctx(ctx).WarnContext(ctx, "usage normalization problem",
			slog.String("item", p.Item),
			slog.String("reason", p.Reason),
		)
	}

	return usage.Aggregate(res.Records, res.MissingDates, period, now), ""
}

// withRetry runs fn with exponential backoff on transient failures only.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := c.retryBase
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !transientError(err) || attempt >= c.retryAttempts {
			return err
		}
		log.Ctx(ctx).DebugContext(ctx, "retrying after transient failure",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.retryMax {
			backoff = c.retryMax
		}
	}
}

func (c *Coordinator) failTick(ctx context.Context, state types.SyncState, err error) error {
	c.mu.Lock()
	c.health.State = state
	c.health.ConsecutiveFailures++
	c.health.LastError = err.Error()
	failures := c.health.ConsecutiveFailures
	c.mu.Unlock()
	log.Ctx(ctx).WarnContext(ctx, "sync tick failed",
		slog.String("state", string(state)),
		slog.Int("consecutiveFailures", failures),
		slog.Any("error", err),
	)
	return err
}

func (c *Coordinator) setState(state types.SyncState) {
	c.mu.Lock()
	c.health.State = state
	c.mu.Unlock()
}

func (c *Coordinator) breakerFor(key string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[key]
	if !ok {
		b = newBreaker(c.breakerThreshold, c.breakerCooldown)
		b.now = c.now
		c.breakers[key] = b
	}
	return b
}

func (c *Coordinator) currentSettings() types.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

func (c *Coordinator) currentSnapshots() map[string]types.UsageSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]types.UsageSnapshot, len(c.snapshots))
	for k, v := range c.snapshots {
		out[k] = v
	}
	return out
}

// Snapshots returns the published set, sorted for stable output.
func (c *Coordinator) Snapshots() []types.UsageSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.UsageSnapshot, 0, len(c.snapshots))
	for _, s := range c.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

// Customer returns the account holder from the last successful fetch.
func (c *Coordinator) Customer() types.Customer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.customer
}

// Health reports the coordinator's condition including breaker states.
func (c *Coordinator) Health() types.Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.health
	h.Breakers = make(map[string]types.BreakerState, len(c.breakers))
	for key, b := range c.breakers {
		h.Breakers[key] = b.State()
	}
	h.Skipped = make(map[string]string, len(c.health.Skipped))
	for k, v := range c.health.Skipped {
		h.Skipped[k] = v
	}
	return h
}

// Select limits polling to the given properties and service types and
// persists the selection.
func (c *Coordinator) Select(ctx context.Context, properties []string, services []types.ServiceType) error {
	c.mu.Lock()
	c.settings.SelectedProperties = properties
	c.settings.SelectedServices = services
	settings := c.settings
	c.mu.Unlock()
	return c.db.SetSettings(ctx, settings, types.CurrentSettingsVersion)
}

// SetPollInterval changes the tick interval, effective immediately.
func (c *Coordinator) SetPollInterval(ctx context.Context, d time.Duration) error {
	if d < types.MinPollInterval {
		return fmt.Errorf("poll interval %s below minimum %s", d, types.MinPollInterval)
	}
	c.mu.Lock()
	c.settings.PollIntervalSeconds = int(d / time.Second)
	settings := c.settings
	c.mu.Unlock()

	// drop a stale pending change rather than blocking
	select {
	case <-c.intervalCh:
	default:
	}
	c.intervalCh <- d

	return c.db.SetSettings(ctx, settings, types.CurrentSettingsVersion)
}

// TriggerRefresh runs a tick immediately. Unlike scheduled ticks it waits
// for any running tick to finish instead of giving up.
func (c *Coordinator) TriggerRefresh(ctx context.Context) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.tick(ctx)
}

// UpdateCredentials swaps in a new credential and clears the fatal auth
// state so the next tick tries again.
func (c *Coordinator) UpdateCredentials(ctx context.Context, cred types.Credential) {
	c.sessions.SetCredential(ctx, cred)
	c.breakerFor(authBreakerKey).Success()
	c.mu.Lock()
	if c.health.State == types.SyncCredentialsInvalid {
		c.health.State = types.SyncIdle
		c.health.LastError = ""
	}
	c.mu.Unlock()
}

// Settings returns the current selection and interval.
func (c *Coordinator) Settings() types.Settings {
	return c.currentSettings()
}
