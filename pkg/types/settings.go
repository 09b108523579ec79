package types

import (
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 2

const (
	// DefaultPollInterval is how often a sync tick runs unless overridden.
	DefaultPollInterval = 5 * time.Minute
	// MinPollInterval is the floor enforced on operator-supplied intervals
	// so the provider is never hammered.
	MinPollInterval = time.Minute
)

// Settings represents the configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	// SelectedProperties limits polling to these property IDs.
	// Empty means all properties.
	SelectedProperties []string `json:"selectedProperties"`

	// SelectedServices limits polling to these service types.
	// Empty means no services are polled until a selection is made.
	SelectedServices []ServiceType `json:"selectedServices"`

	// PollIntervalSeconds is the tick interval. Zero means the default.
	PollIntervalSeconds int `json:"pollIntervalSeconds"`
}

// PollInterval returns the effective tick interval with the floor applied.
func (s Settings) PollInterval() time.Duration {
	d := time.Duration(s.PollIntervalSeconds) * time.Second
	if d == 0 {
		return DefaultPollInterval
	}
	if d < MinPollInterval {
		return MinPollInterval
	}
	return d
}

// PropertySelected reports whether the property is in scope for polling.
func (s Settings) PropertySelected(id string) bool {
	if len(s.SelectedProperties) == 0 {
		return true
	}
	for _, p := range s.SelectedProperties {
		if p == id {
			return true
		}
	}
	return false
}

// ServiceSelected reports whether the service type is in scope for polling.
func (s Settings) ServiceSelected(t ServiceType) bool {
	for _, st := range s.SelectedServices {
		if st == t {
			return true
		}
	}
	return false
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.PollIntervalSeconds == 0 {
				s.PollIntervalSeconds = int(DefaultPollInterval / time.Second)
				migrated = true
			}
		case 2:
			// version 2: default to electricity when nothing was ever selected
			if len(s.SelectedServices) == 0 {
				s.SelectedServices = []ServiceType{ServiceElectricity}
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
