package redenergy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redsync/redsync/pkg/log"
	"github.com/redsync/redsync/pkg/types"
)

// ValidationError describes one payload item that could not be normalized.
// Bad items are reported, never silently dropped, and never abort the rest
// of the batch.
type ValidationError struct {
	Item   string `json:"item"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Item, e.Reason)
}

// UsageResult is the outcome of normalizing one usage payload.
type UsageResult struct {
	Records []types.DailyUsageRecord `json:"records"`
	// Problems lists entries that were skipped and why.
	Problems []ValidationError `json:"problems,omitempty"`
	// MissingDates are days inside the requested range the provider sent
	// nothing for. Gaps are reported, never zero-filled.
	MissingDates []string `json:"missingDates,omitempty"`
}

// customerIDNamespace and propertyIDNamespace seed the deterministic
// synthetic IDs so the same input always maps to the same ID.
var (
	customerIDNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("redsync.customer"))
	propertyIDNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("redsync.property"))
)

// NormalizeCustomer maps the raw customer payload to the canonical model.
// When no ID is present one is derived from the email so the customer keeps
// a stable identity across fetches.
func NormalizeCustomer(ctx context.Context, raw json.RawMessage) (types.Customer, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return types.Customer{}, fmt.Errorf("customer payload: %w", err)
	}

	c := types.Customer{
		ID:    firstString(m, "id", "customerId", "customerNumber"),
		Name:  firstString(m, "name", "fullName"),
		Email: firstString(m, "email", "emailAddress"),
		Phone: firstString(m, "phone", "phoneNumber", "mobile"),
	}
	if c.ID == "" {
		if c.Email == "" {
			return types.Customer{}, errors.New("customer payload has neither id nor email")
		}
		c.ID = "cust-" + uuid.NewSHA1(customerIDNamespace, []byte(strings.ToLower(c.Email))).String()
		log.Ctx(ctx).DebugContext(ctx, "derived customer id from email", slog.String("id", c.ID))
	}
	return c, nil
}

// NormalizeProperties maps the raw property payload to the canonical model.
// Items that cannot be normalized are reported as problems; the rest of the
// batch survives.
func NormalizeProperties(ctx context.Context, raw json.RawMessage) ([]types.Property, []ValidationError, error) {
	items, err := decodeArray(raw, "properties", "data")
	if err != nil {
		return nil, nil, fmt.Errorf("property payload: %w", err)
	}

	var out []types.Property
	var problems []ValidationError
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			problems = append(problems, ValidationError{
				Item:   fmt.Sprintf("property[%d]", i),
				Reason: "not an object",
			})
			continue
		}

		p, probs := normalizeProperty(ctx, m, i)
		problems = append(problems, probs...)
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, problems, nil
}

func normalizeProperty(ctx context.Context, m map[string]interface{}, index int) (*types.Property, []ValidationError) {
	var problems []ValidationError

	addr := normalizeAddress(m["address"])

	id := firstString(m, "id", "propertyId", "accountNumber", "accountId")
	if id == "" {
		if addr == (types.Address{}) {
			problems = append(problems, ValidationError{
				Item:   fmt.Sprintf("property[%d]", index),
				Reason: "no identifier and no address to derive one from",
			})
			return nil, problems
		}
		id = types.SyntheticIDPrefix + uuid.NewSHA1(propertyIDNamespace, []byte(addr.Key())).String()
		log.Ctx(ctx).DebugContext(ctx, "derived property id from address", slog.String("id", id))
	}

	name := addr.DisplayAddress
	if name == "" && addr.Street != "" && addr.Suburb != "" {
		name = addr.Street + ", " + addr.Suburb
	}
	if name == "" {
		name = "Property " + id
	}

	p := &types.Property{
		ID:      id,
		Name:    name,
		Address: addr,
	}

	services, _ := m["consumers"].([]interface{})
	if services == nil {
		services, _ = m["services"].([]interface{})
	}
	for j, sv := range services {
		sm, ok := sv.(map[string]interface{})
		if !ok {
			problems = append(problems, ValidationError{
				Item:   fmt.Sprintf("property %s service[%d]", id, j),
				Reason: "not an object",
			})
			continue
		}
		svc, err := normalizeService(ctx, sm)
		if err != nil {
			problems = append(problems, ValidationError{
				Item:   fmt.Sprintf("property %s service[%d]", id, j),
				Reason: err.Error(),
			})
			continue
		}
		p.Services = append(p.Services, svc)
	}

	return p, problems
}

func normalizeAddress(v interface{}) types.Address {
	m, ok := v.(map[string]interface{})
	if !ok {
		return types.Address{}
	}
	return types.Address{
		Street:         firstString(m, "street", "streetAddress", "line1"),
		Suburb:         firstString(m, "suburb", "city", "locality"),
		State:          firstString(m, "state"),
		Postcode:       firstString(m, "postcode", "postCode", "zip"),
		DisplayAddress: firstString(m, "displayAddress", "display"),
	}
}

func normalizeService(ctx context.Context, m map[string]interface{}) (types.Service, error) {
	utility := firstString(m, "utility", "utilityType", "type")
	st, err := serviceType(utility)
	if err != nil {
		return types.Service{}, err
	}

	status := firstString(m, "status")
	active := strings.EqualFold(status, "ON")
	// OFF is an ordinary state; only statuses outside the known set are
	// worth flagging so new provider values get noticed
	if status != "" && !active && !strings.EqualFold(status, "OFF") {
		log.Ctx(ctx).WarnContext(ctx, "unrecognized service status", slog.String("status", status))
	}

	return types.Service{
		Type:           st,
		ConsumerNumber: firstString(m, "consumerNumber", "consumer_number"),
		Active:         active,
		NMI:            firstString(m, "nmi"),
		MeterType:      firstString(m, "meterType"),
		Solar:          asBool(m["solar"]),
		Billing: types.Billing{
			LastBillDate: firstString(m, "lastBillDate"),
			NextBillDate: firstString(m, "nextBillDate"),
			Balance:      asFloat(m["balanceDollar"]),
			Arrears:      asFloat(m["arrearsDollar"]),
			Frequency:    firstString(m, "billingFrequency", "frequency"),
		},
	}, nil
}

// serviceType maps provider utility codes to the closed canonical set.
// Anything outside the table is an error, never a guess.
func serviceType(code string) (types.ServiceType, error) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "E", "ELECTRICITY":
		return types.ServiceElectricity, nil
	case "G", "GAS":
		return types.ServiceGas, nil
	case "":
		return "", errors.New("missing utility code")
	default:
		return "", fmt.Errorf("unknown utility code %q", code)
	}
}

// NormalizeUsage maps the raw usage payload to daily records for the
// inclusive date range [from, to]. One bad day never hides the others.
func NormalizeUsage(ctx context.Context, raw json.RawMessage, from, to time.Time) (UsageResult, error) {
	entries, err := decodeArray(raw, "usage_data", "usageData", "data", "intervals", "usage", "entries")
	if err != nil {
		return UsageResult{}, fmt.Errorf("usage payload: %w", err)
	}

	var res UsageResult
	seen := make(map[string]bool)
	for i, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			res.Problems = append(res.Problems, ValidationError{
				Item:   fmt.Sprintf("entry[%d]", i),
				Reason: "not an object",
			})
			continue
		}

		rec, err := normalizeDay(m)
		if err != nil {
			res.Problems = append(res.Problems, ValidationError{
				Item:   fmt.Sprintf("entry[%d]", i),
				Reason: err.Error(),
			})
			continue
		}

		if seen[rec.Date] {
			// first record for a date wins, the duplicate is reported
			res.Problems = append(res.Problems, ValidationError{
				Item:   fmt.Sprintf("entry[%d]", i),
				Reason: fmt.Sprintf("duplicate date %s", rec.Date),
			})
			continue
		}
		seen[rec.Date] = true
		res.Records = append(res.Records, rec)
	}

	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		d := day.Format(types.DateLayout)
		if !seen[d] {
			res.MissingDates = append(res.MissingDates, d)
		}
	}
	if len(res.Problems) > 0 || len(res.MissingDates) > 0 {
		log.Ctx(ctx).DebugContext(ctx, "usage normalization gaps",
			slog.Int("records", len(res.Records)),
			slog.Int("problems", len(res.Problems)),
			slog.Int("missingDates", len(res.MissingDates)),
		)
	}
	return res, nil
}

func normalizeDay(m map[string]interface{}) (types.DailyUsageRecord, error) {
	date := firstString(m, "usageDate", "date")
	if date == "" {
		return types.DailyUsageRecord{}, errors.New("missing usageDate")
	}
	if _, err := time.Parse(types.DateLayout, date); err != nil {
		return types.DailyUsageRecord{}, fmt.Errorf("bad usageDate %q", date)
	}

	halfHours, _ := m["halfHours"].([]interface{})
	if len(halfHours) == 0 {
		return types.DailyUsageRecord{}, errors.New("no intervals")
	}

	rec := types.DailyUsageRecord{Date: date}
	for _, hv := range halfHours {
		hm, ok := hv.(map[string]interface{})
		if !ok {
			continue
		}
		consumption := asFloat(hm["consumptionKwh"])
		generation := asFloat(hm["generationKwh"])
		rec.ImportedKWH += consumption
		rec.ExportedKWH += generation

		switch strings.ToUpper(firstString(hm, "primaryConsumptionTariffComponent")) {
		case "PEAK":
			rec.TOU.PeakKWH += consumption
			rec.TOU.PeakExportKWH += generation
			rec.TOU.TaggedIntervals++
		case "OFFPEAK":
			rec.TOU.OffPeakKWH += consumption
			rec.TOU.OffPeakExport += generation
			rec.TOU.TaggedIntervals++
		case "SHOULDER":
			rec.TOU.ShoulderKWH += consumption
			rec.TOU.ShoulderExport += generation
			rec.TOU.TaggedIntervals++
		}

		if dd, ok := hm["demandDetail"].(map[string]interface{}); ok {
			if kw := asFloat(dd["demandKw"]); kw > rec.MaxDemandKW {
				rec.MaxDemandKW = kw
				if ts := firstString(dd, "intervalStart"); ts != "" {
					if t, err := time.Parse(time.RFC3339, ts); err == nil {
						rec.MaxDemandTime = t
					}
				}
			}
		}
	}

	consumptionDollar := asFloat(m["consumptionDollar"])
	generationDollar := asFloat(m["generationDollar"])
	// generationDollar is a negative credit, so adding it yields net cost
	rec.ImportedCost = consumptionDollar + generationDollar
	rec.ExportedCredit = -generationDollar
	rec.CarbonTonnes = asFloat(m["carbonEmissionTonne"])

	if md, ok := m["maxDemandDetail"].(map[string]interface{}); ok {
		if kw := asFloat(md["demandKw"]); kw > rec.MaxDemandKW {
			rec.MaxDemandKW = kw
		}
		if ts := firstString(md, "intervalStart"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				rec.MaxDemandTime = t
			}
		}
	}

	return rec, nil
}

// decodeObject unmarshals a JSON object preserving number precision.
func decodeObject(raw json.RawMessage) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	return m, nil
}

// decodeArray unmarshals either a bare JSON array or an object wrapping one
// under any of the given envelope keys, checked in order. Nested envelopes
// are unwrapped until an array is found.
func decodeArray(raw json.RawMessage, envelopeKeys ...string) ([]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	for depth := 0; depth < 8; depth++ {
		switch val := v.(type) {
		case []interface{}:
			return val, nil
		case map[string]interface{}:
			found := false
			for _, key := range envelopeKeys {
				if inner, ok := val[key]; ok {
					v = inner
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("no array under any of %v", envelopeKeys)
			}
		case nil:
			return nil, nil
		default:
			return nil, fmt.Errorf("unexpected payload shape %T", v)
		}
	}
	return nil, errors.New("payload nested too deeply")
}

// firstString returns the first present key rendered as a string. Numeric
// identifiers are common in this API, so numbers stringify too.
func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				return val
			}
		case json.Number:
			return val.String()
		case float64:
			return fmt.Sprintf("%v", val)
		}
	}
	return ""
}

func asFloat(v interface{}) float64 {
	switch val := v.(type) {
	case json.Number:
		f, _ := val.Float64()
		return f
	case float64:
		return val
	}
	return 0
}

func asBool(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true") || strings.EqualFold(val, "yes")
	}
	return false
}
