package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redsync/redsync/pkg/auth"
	"github.com/redsync/redsync/pkg/redenergy"
)

// NoDataError means a tick found nothing pollable. It carries enough
// diagnostics to tell a selection mistake apart from a provider problem.
type NoDataError struct {
	// Considered is every service discovered on the account.
	Considered []string
	// Matched is the subset that passed selection and eligibility.
	Matched []string
	// Skipped maps a service key to the reason it was not polled.
	Skipped map[string]string
}

func (e *NoDataError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "no usable services: considered %d, matched %d", len(e.Considered), len(e.Matched))
	if len(e.Considered) > 0 {
		fmt.Fprintf(&sb, " (considered: %s)", strings.Join(e.Considered, ", "))
	}
	for key, reason := range e.Skipped {
		fmt.Fprintf(&sb, "; %s: %s", key, reason)
	}
	return sb.String()
}

// transientError reports whether retrying could help. Credential problems,
// validation failures and cancellations never get retried; provider
// hiccups (network, 5xx, rate limits) do.
func transientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if auth.IsFatal(err) {
		return false
	}
	var rse *redenergy.StatusError
	if errors.As(err, &rse) {
		return rse.Transient()
	}
	var ase *auth.StatusError
	if errors.As(err, &ase) {
		return ase.Code >= 500
	}
	var ve redenergy.ValidationError
	if errors.As(err, &ve) {
		return false
	}
	// anything else is assumed to be a network-level failure
	return true
}
