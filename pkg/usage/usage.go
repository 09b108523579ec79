// Package usage turns normalized daily records into the analytics the
// snapshots publish: billing-period totals, averages, peak day, efficiency
// and time-of-use breakdown.
package usage

import (
	"math"
	"sort"
	"time"

	"github.com/redsync/redsync/pkg/types"
)

const (
	// daysPerMonth converts a daily average into a calendar-month figure.
	daysPerMonth = 30.44

	// minEfficiencyDays is how many days of data efficiency needs before it
	// says anything at all.
	minEfficiencyDays = 7

	// fallbackPeriodDays is the rolling window used when no bill date is
	// available.
	fallbackPeriodDays = 30
)

// ComputeBillingPeriod returns the half-open window usage is aggregated
// over. A valid past last-bill date anchors the period; otherwise a rolling
// window ending now is used.
func ComputeBillingPeriod(svc types.Service, now time.Time) types.BillingPeriod {
	if svc.Billing.LastBillDate != "" {
		start, err := time.Parse(types.DateLayout, svc.Billing.LastBillDate)
		if err == nil && start.Before(now) {
			return types.BillingPeriod{
				Start:  start,
				End:    now,
				Source: types.PeriodSourceLastBill,
			}
		}
	}
	return types.BillingPeriod{
		Start:  now.AddDate(0, 0, -fallbackPeriodDays),
		End:    now,
		Source: types.PeriodSourceRolling,
	}
}

// Aggregate computes a snapshot for the given records over the period.
// Records and missing dates outside the period are ignored. Identity fields
// (property, service, consumer) are for the caller to fill in.
func Aggregate(records []types.DailyUsageRecord, missingDates []string, period types.BillingPeriod, now time.Time) types.UsageSnapshot {
	snap := types.UsageSnapshot{
		Version:    types.CurrentSnapshotVersion,
		Period:     period,
		ComputedAt: now,
	}

	var inPeriod []types.DailyUsageRecord
	for _, rec := range records {
		d, err := rec.Day()
		if err != nil {
			continue
		}
		if period.Contains(d) {
			inPeriod = append(inPeriod, rec)
		}
	}
	sort.Slice(inPeriod, func(i, j int) bool { return inPeriod[i].Date < inPeriod[j].Date })

	for _, d := range missingDates {
		day, err := time.Parse(types.DateLayout, d)
		if err != nil {
			continue
		}
		if period.Contains(day) {
			snap.MissingDates = append(snap.MissingDates, d)
		}
	}

	snap.Records = inPeriod
	snap.DaysWithData = len(inPeriod)

	var tou types.TOU
	for _, rec := range inPeriod {
		snap.TotalImportedKWH += rec.ImportedKWH
		snap.TotalExportedKWH += rec.ExportedKWH
		snap.TotalImportedCost += rec.ImportedCost
		snap.TotalExportedCred += rec.ExportedCredit
		snap.TotalCarbonTonnes += rec.CarbonTonnes

		tou.PeakKWH += rec.TOU.PeakKWH
		tou.OffPeakKWH += rec.TOU.OffPeakKWH
		tou.ShoulderKWH += rec.TOU.ShoulderKWH
		tou.PeakExportKWH += rec.TOU.PeakExportKWH
		tou.OffPeakExport += rec.TOU.OffPeakExport
		tou.ShoulderExport += rec.TOU.ShoulderExport
		tou.TaggedIntervals += rec.TOU.TaggedIntervals

		if rec.ImportedKWH > snap.PeakDayKWH {
			snap.PeakDayKWH = rec.ImportedKWH
			snap.PeakDayDate = rec.Date
		}
	}

	if snap.DaysWithData > 0 {
		snap.DailyAvgKWH = snap.TotalImportedKWH / float64(snap.DaysWithData)
		snap.DailyAvgCost = snap.TotalImportedCost / float64(snap.DaysWithData)
		snap.MonthlyAvgKWH = snap.DailyAvgKWH * daysPerMonth
		snap.MonthlyAvgCost = snap.DailyAvgCost * daysPerMonth
	}

	if tou.TaggedIntervals > 0 {
		snap.TimeOfUse = &tou
	}

	snap.Efficiency = efficiency(inPeriod)

	return snap
}

// efficiency scores how consistent daily consumption is: 100 means
// perfectly even, 0 means wildly variable. It is the coefficient of
// variation inverted onto a 0..100 scale and is nil until enough days of
// data exist to mean anything.
func efficiency(records []types.DailyUsageRecord) *float64 {
	if len(records) < minEfficiencyDays {
		return nil
	}

	var sum float64
	for _, rec := range records {
		sum += rec.ImportedKWH
	}
	mean := sum / float64(len(records))
	if mean == 0 {
		v := 100.0
		return &v
	}

	var variance float64
	for _, rec := range records {
		d := rec.ImportedKWH - mean
		variance += d * d
	}
	variance /= float64(len(records))

	cv := math.Sqrt(variance) / mean
	score := 100 - cv*100
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return &score
}
