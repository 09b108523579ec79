package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redsync/redsync/pkg/auth"
	"github.com/redsync/redsync/pkg/redenergy"
	"github.com/redsync/redsync/pkg/storage"
	"github.com/redsync/redsync/pkg/storage/storagemock"
	"github.com/redsync/redsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 9, 6, 10, 30, 0, 0, time.UTC)

type fakeSessions struct {
	mu      sync.Mutex
	hasCred bool
	err     error
	calls   int
}

func (f *fakeSessions) EnsureValidSession(ctx context.Context) (types.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return types.Token{}, f.err
	}
	return types.Token{AccessToken: "at", TokenType: "Bearer", Expiry: testNow.Add(time.Hour)}, nil
}

func (f *fakeSessions) SetCredential(ctx context.Context, cred types.Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hasCred = cred.Username != ""
	f.err = nil
}

func (f *fakeSessions) HasCredential() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasCred
}

type fakeAPI struct {
	mu         sync.Mutex
	customer   json.RawMessage
	properties json.RawMessage
	propsErr   error
	usage      map[string]json.RawMessage
	usageErr   map[string]error
	usageCalls map[string]int
}

func (f *fakeAPI) Customer(ctx context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.customer == nil {
		return json.RawMessage(`{"id": "c1", "name": "Alex", "email": "alex@example.com"}`), nil
	}
	return f.customer, nil
}

func (f *fakeAPI) Properties(ctx context.Context) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.propsErr != nil {
		return nil, f.propsErr
	}
	return f.properties, nil
}

func (f *fakeAPI) Usage(ctx context.Context, consumerNumber string, from, to time.Time) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usageCalls == nil {
		f.usageCalls = make(map[string]int)
	}
	f.usageCalls[consumerNumber]++
	if err := f.usageErr[consumerNumber]; err != nil {
		return nil, err
	}
	return f.usage[consumerNumber], nil
}

func (f *fakeAPI) calls(consumerNumber string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usageCalls[consumerNumber]
}

func singleProperty() json.RawMessage {
	return json.RawMessage(`[{
		"accountNumber": 8490263,
		"address": {"street": "1 Example St", "suburb": "Richmond", "state": "VIC", "postcode": "3121"},
		"consumers": [{
			"consumerNumber": "4235478511",
			"utility": "E",
			"status": "ON",
			"lastBillDate": "2025-08-15"
		}]
	}]`)
}

func usagePayload(dates ...string) json.RawMessage {
	entries := make([]string, len(dates))
	for i, d := range dates {
		entries[i] = fmt.Sprintf(`{
			"usageDate": %q,
			"consumptionDollar": 3.65,
			"generationDollar": -0.30,
			"halfHours": [
				{"consumptionKwh": 6.5, "primaryConsumptionTariffComponent": "PEAK"},
				{"consumptionKwh": 6.0, "primaryConsumptionTariffComponent": "OFFPEAK"}
			]
		}`, d)
	}
	out := "["
	for i, e := range entries {
		if i > 0 {
			out += ","
		}
		out += e
	}
	return json.RawMessage(out + "]")
}

func newTestCoordinator(t *testing.T, sessions *fakeSessions, api API) *Coordinator {
	t.Helper()
	db := storage.NewBolt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, db.Init(context.Background()))
	t.Cleanup(func() { db.Close() })

	c := New(sessions, api, db)
	c.now = func() time.Time { return testNow }
	c.retryBase = time.Millisecond
	c.retryMax = 2 * time.Millisecond
	c.settings = types.Settings{
		SelectedServices:    []types.ServiceType{types.ServiceElectricity},
		PollIntervalSeconds: 300,
	}
	return c
}

func TestTickPublishes(t *testing.T) {
	sessions := &fakeSessions{hasCred: true}
	api := &fakeAPI{
		properties: singleProperty(),
		usage: map[string]json.RawMessage{
			"4235478511": usagePayload("2025-09-05", "2025-09-06"),
		},
	}
	c := newTestCoordinator(t, sessions, api)

	require.NoError(t, c.TriggerRefresh(context.Background()))

	snaps := c.Snapshots()
	require.Len(t, snaps, 1)
	snap := snaps[0]
	assert.Equal(t, "8490263", snap.PropertyID)
	assert.Equal(t, types.ServiceElectricity, snap.ServiceType)
	assert.Equal(t, "4235478511", snap.ConsumerNumber)
	assert.Equal(t, types.PeriodSourceLastBill, snap.Period.Source)
	assert.Equal(t, 2, snap.DaysWithData)
	assert.InDelta(t, 25, snap.TotalImportedKWH, 1e-9)
	assert.InDelta(t, 6.70, snap.TotalImportedCost, 1e-9)
	require.NotNil(t, snap.TimeOfUse)
	assert.InDelta(t, 13, snap.TimeOfUse.PeakKWH, 1e-9)
	// days the provider sent nothing for are reported, not zero-filled
	assert.Contains(t, snap.MissingDates, "2025-08-16")

	h := c.Health()
	assert.Equal(t, types.SyncPublished, h.State)
	assert.Equal(t, testNow, h.LastSuccess)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Equal(t, types.BreakerClosed, h.Breakers[authBreakerKey])

	assert.Equal(t, "Alex", c.Customer().Name)

	// the published set must also be persisted for restarts
	persisted, err := c.db.GetSnapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, snap, persisted["8490263/electricity"])
}

func TestTickNoUsableServices(t *testing.T) {
	sessions := &fakeSessions{hasCred: true}
	api := &fakeAPI{
		// gas only while electricity is selected
		properties: json.RawMessage(`[{
			"id": "p1",
			"address": {"street": "1 Example St", "suburb": "Richmond", "state": "VIC", "postcode": "3121"},
			"consumers": [{"consumerNumber": "999", "utility": "G", "status": "ON"}]
		}]`),
	}
	c := newTestCoordinator(t, sessions, api)

	err := c.TriggerRefresh(context.Background())
	require.Error(t, err)
	var nde *NoDataError
	require.ErrorAs(t, err, &nde)
	assert.Equal(t, []string{"p1/gas"}, nde.Considered)
	assert.Empty(t, nde.Matched)
	assert.Equal(t, "service type not selected", nde.Skipped["p1/gas"])

	h := c.Health()
	assert.Equal(t, types.SyncFailed, h.State)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.Empty(t, c.Snapshots())
}

func TestTickPartialFailureIsolation(t *testing.T) {
	sessions := &fakeSessions{hasCred: true}
	api := &fakeAPI{
		properties: json.RawMessage(`[{
			"id": "p1",
			"address": {"street": "1 Example St", "suburb": "Richmond", "state": "VIC", "postcode": "3121"},
			"consumers": [
				{"consumerNumber": "good", "utility": "E", "status": "ON", "lastBillDate": "2025-08-15"},
				{"consumerNumber": "bad", "utility": "G", "status": "ON", "lastBillDate": "2025-08-15"}
			]
		}]`),
		usage: map[string]json.RawMessage{
			"good": usagePayload("2025-09-05"),
			"bad":  usagePayload("2025-09-05"),
		},
		usageErr: map[string]error{},
	}
	c := newTestCoordinator(t, sessions, api)
	c.settings.SelectedServices = []types.ServiceType{types.ServiceElectricity, types.ServiceGas}
	c.retryAttempts = 1
	c.breakerThreshold = 2

	// first tick: both services healthy
	require.NoError(t, c.TriggerRefresh(context.Background()))
	require.Len(t, c.Snapshots(), 2)

	// the bad service starts failing with a transient error
	api.mu.Lock()
	api.usageErr["bad"] = &redenergy.StatusError{Code: http.StatusBadGateway}
	api.mu.Unlock()

	require.NoError(t, c.TriggerRefresh(context.Background()))
	h := c.Health()
	assert.Equal(t, types.SyncPublished, h.State, "one failing service must not fail the tick")
	assert.Contains(t, h.Skipped["p1/gas"], "fetch failed")

	// the last-known-good snapshot for the bad service is retained
	snaps := c.Snapshots()
	require.Len(t, snaps, 2)

	// second consecutive failure opens the bad service's breaker only
	require.NoError(t, c.TriggerRefresh(context.Background()))
	h = c.Health()
	assert.Equal(t, types.BreakerOpen, h.Breakers[usageBreakerPrefix+"bad"])
	assert.Equal(t, types.BreakerClosed, h.Breakers[usageBreakerPrefix+"good"])

	// with the breaker open the provider is not called for that service
	before := api.calls("bad")
	require.NoError(t, c.TriggerRefresh(context.Background()))
	assert.Equal(t, before, api.calls("bad"))
	assert.Equal(t, "usage circuit breaker open", c.Health().Skipped["p1/gas"])
	assert.Greater(t, api.calls("good"), before, "the healthy service keeps polling")
}

func TestTickRetriesTransientUsageFailure(t *testing.T) {
	sessions := &fakeSessions{hasCred: true}
	api := &fakeAPI{
		properties: singleProperty(),
		usage: map[string]json.RawMessage{
			"4235478511": usagePayload("2025-09-05"),
		},
	}
	// fail the first usage call, succeed after
	failures := 1
	var mu sync.Mutex
	c := newTestCoordinator(t, sessions, &flakyAPI{API: api, mu: &mu, failuresLeft: &failures})

	require.NoError(t, c.TriggerRefresh(context.Background()))
	assert.Equal(t, types.SyncPublished, c.Health().State)
	assert.Equal(t, 2, api.calls("4235478511"))
}

type flakyAPI struct {
	API
	mu           *sync.Mutex
	failuresLeft *int
}

func (f *flakyAPI) Usage(ctx context.Context, consumerNumber string, from, to time.Time) (json.RawMessage, error) {
	raw, err := f.API.Usage(ctx, consumerNumber, from, to)
	f.mu.Lock()
	defer f.mu.Unlock()
	if *f.failuresLeft > 0 {
		*f.failuresLeft--
		return nil, &redenergy.StatusError{Code: http.StatusServiceUnavailable}
	}
	return raw, err
}

func TestTickCredentials(t *testing.T) {
	t.Run("no credentials", func(t *testing.T) {
		c := newTestCoordinator(t, &fakeSessions{}, &fakeAPI{})
		err := c.TriggerRefresh(context.Background())
		assert.ErrorIs(t, err, auth.ErrNoCredentials)
		assert.Equal(t, types.SyncCredentialsInvalid, c.Health().State)
	})

	t.Run("invalid credentials are fatal, then recover", func(t *testing.T) {
		sessions := &fakeSessions{hasCred: true, err: auth.ErrInvalidCredentials}
		api := &fakeAPI{
			properties: singleProperty(),
			usage: map[string]json.RawMessage{
				"4235478511": usagePayload("2025-09-05"),
			},
		}
		c := newTestCoordinator(t, sessions, api)

		err := c.TriggerRefresh(context.Background())
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
		assert.Equal(t, types.SyncCredentialsInvalid, c.Health().State)
		assert.Equal(t, 1, sessions.calls, "fatal auth errors are never retried")

		// the state is terminal: further ticks must not re-attempt the
		// rejected credential
		err = c.TriggerRefresh(context.Background())
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
		assert.Equal(t, 1, sessions.calls, "no login attempt until new credentials arrive")
		assert.Equal(t, types.SyncCredentialsInvalid, c.Health().State)

		c.UpdateCredentials(context.Background(), types.Credential{Username: "u", Password: "p", ClientID: "c"})
		assert.Equal(t, types.SyncIdle, c.Health().State)

		require.NoError(t, c.TriggerRefresh(context.Background()))
		assert.Equal(t, types.SyncPublished, c.Health().State)
	})
}

func TestTickTransientAuthFailureTripsBreaker(t *testing.T) {
	sessions := &fakeSessions{hasCred: true, err: &auth.StatusError{Code: http.StatusBadGateway}}
	c := newTestCoordinator(t, sessions, &fakeAPI{})
	c.retryAttempts = 1
	c.breakerThreshold = 2

	require.Error(t, c.TriggerRefresh(context.Background()))
	require.Error(t, c.TriggerRefresh(context.Background()))
	assert.Equal(t, types.BreakerOpen, c.Health().Breakers[authBreakerKey])

	// open breaker short-circuits before touching the session manager
	before := sessions.calls
	require.Error(t, c.TriggerRefresh(context.Background()))
	assert.Equal(t, before, sessions.calls)
}

func TestTickPublishesDespitePersistFailure(t *testing.T) {
	db := &storagemock.MockDatabase{}
	db.On("SetSnapshots", mock.Anything, mock.Anything).Return(assert.AnError)

	c := New(&fakeSessions{hasCred: true}, &fakeAPI{
		properties: singleProperty(),
		usage: map[string]json.RawMessage{
			"4235478511": usagePayload("2025-09-05"),
		},
	}, db)
	c.now = func() time.Time { return testNow }
	c.settings = types.Settings{SelectedServices: []types.ServiceType{types.ServiceElectricity}}

	// a broken database must not block publication to readers
	require.NoError(t, c.TriggerRefresh(context.Background()))
	assert.Equal(t, types.SyncPublished, c.Health().State)
	assert.Len(t, c.Snapshots(), 1)
	db.AssertExpectations(t)
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	db := storage.NewBolt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, db.Init(ctx))
	defer db.Close()

	seeded := map[string]types.UsageSnapshot{
		"8490263/electricity": {
			Version:     types.CurrentSnapshotVersion,
			PropertyID:  "8490263",
			ServiceType: types.ServiceElectricity,
		},
	}
	require.NoError(t, db.SetSnapshots(ctx, seeded))
	require.NoError(t, db.SetSettings(ctx, types.Settings{
		SelectedServices:    []types.ServiceType{types.ServiceGas},
		PollIntervalSeconds: 600,
	}, types.CurrentSettingsVersion))

	c := New(&fakeSessions{}, &fakeAPI{}, db)
	c.now = func() time.Time { return testNow }
	require.NoError(t, c.restore(ctx))

	assert.Equal(t, []types.ServiceType{types.ServiceGas}, c.Settings().SelectedServices)
	assert.Equal(t, 10*time.Minute, c.Settings().PollInterval())
	require.Len(t, c.Snapshots(), 1)
	assert.Equal(t, "8490263", c.Snapshots()[0].PropertyID)
}

func TestSelectPersists(t *testing.T) {
	c := newTestCoordinator(t, &fakeSessions{}, &fakeAPI{})
	ctx := context.Background()

	require.NoError(t, c.Select(ctx, []string{"8490263"}, []types.ServiceType{types.ServiceGas}))
	assert.Equal(t, []string{"8490263"}, c.Settings().SelectedProperties)

	stored, _, err := c.db.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.ServiceType{types.ServiceGas}, stored.SelectedServices)
}

func TestSetPollInterval(t *testing.T) {
	c := newTestCoordinator(t, &fakeSessions{}, &fakeAPI{})
	ctx := context.Background()

	assert.Error(t, c.SetPollInterval(ctx, time.Second), "below the floor must be rejected")

	require.NoError(t, c.SetPollInterval(ctx, 10*time.Minute))
	assert.Equal(t, 10*time.Minute, c.Settings().PollInterval())

	select {
	case d := <-c.intervalCh:
		assert.Equal(t, 10*time.Minute, d)
	default:
		t.Fatal("interval change was not signaled to the run loop")
	}
}

func TestNoDataErrorMessage(t *testing.T) {
	err := &NoDataError{
		Considered: []string{"p1/electricity", "p1/gas"},
		Matched:    nil,
		Skipped:    map[string]string{"p1/electricity": "no consumer number"},
	}
	msg := err.Error()
	assert.Contains(t, msg, "considered 2")
	assert.Contains(t, msg, "matched 0")
	assert.Contains(t, msg, "p1/electricity: no consumer number")
	assert.True(t, errors.As(fmt.Errorf("tick: %w", err), new(*NoDataError)))
}
