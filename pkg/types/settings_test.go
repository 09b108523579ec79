package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateSettings(t *testing.T) {
	t.Run("v1: initial defaults", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{}, 0)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, int(DefaultPollInterval/time.Second), s.PollIntervalSeconds)
	})

	t.Run("v2: default service selection", func(t *testing.T) {
		s, changed, err := MigrateSettings(Settings{PollIntervalSeconds: 600}, 1)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, []ServiceType{ServiceElectricity}, s.SelectedServices)
		// v1 field untouched
		assert.Equal(t, 600, s.PollIntervalSeconds)
	})

	t.Run("no change: current version", func(t *testing.T) {
		current := Settings{
			SelectedServices:    []ServiceType{ServiceElectricity, ServiceGas},
			PollIntervalSeconds: 300,
		}
		s, changed, err := MigrateSettings(current, CurrentSettingsVersion)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, current, s)
	})
}

func TestSettingsPollInterval(t *testing.T) {
	assert.Equal(t, DefaultPollInterval, Settings{}.PollInterval())
	assert.Equal(t, MinPollInterval, Settings{PollIntervalSeconds: 5}.PollInterval())
	assert.Equal(t, 10*time.Minute, Settings{PollIntervalSeconds: 600}.PollInterval())
}

func TestSettingsSelection(t *testing.T) {
	s := Settings{
		SelectedProperties: []string{"8490263"},
		SelectedServices:   []ServiceType{ServiceElectricity},
	}
	assert.True(t, s.PropertySelected("8490263"))
	assert.False(t, s.PropertySelected("other"))
	assert.True(t, s.ServiceSelected(ServiceElectricity))
	assert.False(t, s.ServiceSelected(ServiceGas))

	// empty property list means everything is in scope
	assert.True(t, Settings{}.PropertySelected("anything"))
	// empty service list means nothing is polled
	assert.False(t, Settings{}.ServiceSelected(ServiceElectricity))
}

func TestTokenValid(t *testing.T) {
	now := time.Date(2025, 9, 6, 12, 0, 0, 0, time.UTC)
	margin := 5 * time.Minute

	assert.False(t, Token{}.Valid(now, margin), "zero token is never valid")

	tok := Token{AccessToken: "a", Expiry: now.Add(time.Hour)}
	assert.True(t, tok.Valid(now, margin))

	// inside the margin counts as expired even though the deadline has not passed
	tok.Expiry = now.Add(2 * time.Minute)
	assert.False(t, tok.Valid(now, margin))

	tok.Expiry = now.Add(-time.Minute)
	assert.False(t, tok.Valid(now, margin))
}

func TestAddressKey(t *testing.T) {
	a := Address{Street: " 123 Main St ", Suburb: "Richmond", State: "vic", Postcode: "3121"}
	b := Address{Street: "123 MAIN ST", Suburb: "RICHMOND", State: "VIC", Postcode: "3121"}
	assert.Equal(t, a.Key(), b.Key(), "normalization must make equivalent addresses identical")
	assert.Equal(t, "123 MAIN ST|RICHMOND|VIC|3121", a.Key())
}

func TestBillingPeriod(t *testing.T) {
	p := BillingPeriod{
		Start: time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 9, 14, 0, 0, 0, 0, time.UTC),
	}
	assert.True(t, p.Contains(p.Start), "start is inclusive")
	assert.False(t, p.Contains(p.End), "end is exclusive")
	assert.Equal(t, 30, p.Days())

	degenerate := BillingPeriod{Start: p.Start, End: p.Start}
	assert.Equal(t, 1, degenerate.Days())
}

func TestServiceUsageEligible(t *testing.T) {
	assert.True(t, Service{ConsumerNumber: "4235478511", Active: true}.UsageEligible())
	assert.False(t, Service{ConsumerNumber: "", Active: true}.UsageEligible())
	assert.False(t, Service{ConsumerNumber: "4235478511", Active: false}.UsageEligible())
}
