package types

import (
	"strings"
	"time"
)

const (
	// CurrentSnapshotVersion is the stored usage snapshot schema version.
	CurrentSnapshotVersion = 1

	// SyntheticIDPrefix marks property IDs derived from the address because
	// the provider payload carried no usable identifier.
	SyntheticIDPrefix = "addr-"
)

// DateLayout is the wire format for daily dates.
const DateLayout = "2006-01-02"

// ServiceType identifies a metered utility service on a property.
type ServiceType string

const (
	ServiceElectricity ServiceType = "electricity"
	ServiceGas         ServiceType = "gas"
)

// Credential holds the account login used to establish a session.
// It is immutable once supplied; replacing it invalidates any session.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"clientID"`
}

// Token is an OAuth2 session token. The zero value means "no session".
type Token struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	Expiry       time.Time `json:"expiry"`
}

// Valid reports whether the token can still be used, treating it as expired
// margin before the literal deadline so it is never presented mid-request.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	return now.Add(margin).Before(t.Expiry)
}

// Customer represents the account holder.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Address is a property's street address.
type Address struct {
	Street   string `json:"street"`
	Suburb   string `json:"suburb"`
	State    string `json:"state"`
	Postcode string `json:"postcode"`
	// DisplayAddress is the provider's preformatted address line, if any.
	DisplayAddress string `json:"displayAddress,omitempty"`
}

// Key returns the normalized form of the address used to derive synthetic
// property IDs. The same address always yields the same key.
func (a Address) Key() string {
	norm := func(s string) string {
		return strings.ToUpper(strings.TrimSpace(s))
	}
	return strings.Join([]string{norm(a.Street), norm(a.Suburb), norm(a.State), norm(a.Postcode)}, "|")
}

// Property represents a supply address on the account.
type Property struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Address  Address   `json:"address"`
	Services []Service `json:"services"`
}

// Synthetic reports whether the property ID was derived from the address.
func (p Property) Synthetic() bool {
	return strings.HasPrefix(p.ID, SyntheticIDPrefix)
}

// Billing carries the billing facts the provider exposes per service.
type Billing struct {
	LastBillDate string  `json:"lastBillDate,omitempty"`
	NextBillDate string  `json:"nextBillDate,omitempty"`
	Balance      float64 `json:"balance"`
	Arrears      float64 `json:"arrears"`
	Frequency    string  `json:"frequency,omitempty"`
}

// Service represents a metered service (electricity or gas) on a property.
type Service struct {
	Type           ServiceType `json:"type"`
	ConsumerNumber string      `json:"consumerNumber"`
	Active         bool        `json:"active"`
	NMI            string      `json:"nmi,omitempty"`
	MeterType      string      `json:"meterType,omitempty"`
	Solar          bool        `json:"solar"`
	Billing        Billing     `json:"billing"`
}

// UsageEligible reports whether the service can be polled for usage data.
func (s Service) UsageEligible() bool {
	return s.ConsumerNumber != "" && s.Active
}

// TOU breaks daily energy down by tariff period.
type TOU struct {
	PeakKWH         float64 `json:"peakKWH"`
	OffPeakKWH      float64 `json:"offPeakKWH"`
	ShoulderKWH     float64 `json:"shoulderKWH"`
	PeakExportKWH   float64 `json:"peakExportKWH"`
	OffPeakExport   float64 `json:"offPeakExportKWH"`
	ShoulderExport  float64 `json:"shoulderExportKWH"`
	TaggedIntervals int     `json:"taggedIntervals"`
}

// DailyUsageRecord is one day of normalized usage for a service.
type DailyUsageRecord struct {
	Date        string  `json:"date"`
	ImportedKWH float64 `json:"importedKWH"`
	ExportedKWH float64 `json:"exportedKWH"`
	// ImportedCost is the day's net cost: consumption charge plus the
	// (negative) generation credit.
	ImportedCost   float64   `json:"importedCost"`
	ExportedCredit float64   `json:"exportedCredit"`
	TOU            TOU       `json:"tou"`
	MaxDemandKW    float64   `json:"maxDemandKW,omitempty"`
	MaxDemandTime  time.Time `json:"maxDemandTime,omitzero"`
	CarbonTonnes   float64   `json:"carbonTonnes,omitempty"`
}

// Day parses the record's date. The normalizer guarantees it parses.
func (r DailyUsageRecord) Day() (time.Time, error) {
	return time.Parse(DateLayout, r.Date)
}

// BillingPeriodSource says how a billing period was chosen.
type BillingPeriodSource string

const (
	PeriodSourceLastBill BillingPeriodSource = "last_bill_date"
	PeriodSourceRolling  BillingPeriodSource = "fallback_rolling"
)

// BillingPeriod is the half-open window [Start, End) usage is aggregated over.
type BillingPeriod struct {
	Start  time.Time           `json:"start"`
	End    time.Time           `json:"end"`
	Source BillingPeriodSource `json:"source"`
}

// Contains reports whether the day falls inside the period.
func (p BillingPeriod) Contains(day time.Time) bool {
	return !day.Before(p.Start) && day.Before(p.End)
}

// Days returns the period length in whole days, never below 1.
func (p BillingPeriod) Days() int {
	d := int(p.End.Sub(p.Start).Hours() / 24)
	if d < 1 {
		return 1
	}
	return d
}

// UsageSnapshot is the published, analytics-ready view of one service's
// usage over its current billing period.
type UsageSnapshot struct {
	Version        int         `json:"version"`
	PropertyID     string      `json:"propertyID"`
	ServiceType    ServiceType `json:"serviceType"`
	ConsumerNumber string      `json:"consumerNumber"`

	Period BillingPeriod `json:"period"`

	TotalImportedKWH  float64 `json:"totalImportedKWH"`
	TotalExportedKWH  float64 `json:"totalExportedKWH"`
	TotalImportedCost float64 `json:"totalImportedCost"`
	TotalExportedCred float64 `json:"totalExportedCredit"`
	TotalCarbonTonnes float64 `json:"totalCarbonTonnes"`

	DailyAvgKWH    float64 `json:"dailyAvgKWH"`
	DailyAvgCost   float64 `json:"dailyAvgCost"`
	MonthlyAvgKWH  float64 `json:"monthlyAvgKWH"`
	MonthlyAvgCost float64 `json:"monthlyAvgCost"`

	PeakDayKWH  float64 `json:"peakDayKWH"`
	PeakDayDate string  `json:"peakDayDate,omitempty"`

	// Efficiency is nil until at least 7 days of data exist.
	Efficiency *float64 `json:"efficiency,omitempty"`

	// TimeOfUse is nil when no interval carried a tariff tag.
	TimeOfUse *TOU `json:"timeOfUse,omitempty"`

	Records      []DailyUsageRecord `json:"records"`
	DaysWithData int                `json:"daysWithData"`
	MissingDates []string           `json:"missingDates,omitempty"`
	ComputedAt   time.Time          `json:"computedAt"`
}

// SnapshotKey identifies a snapshot within the published set.
type SnapshotKey struct {
	PropertyID  string      `json:"propertyID"`
	ServiceType ServiceType `json:"serviceType"`
}

// Key returns the snapshot's identity within the published set.
func (s UsageSnapshot) Key() SnapshotKey {
	return SnapshotKey{PropertyID: s.PropertyID, ServiceType: s.ServiceType}
}

// String renders the key in "propertyID/serviceType" form for logs and maps
// that must serialize to JSON.
func (k SnapshotKey) String() string {
	return k.PropertyID + "/" + string(k.ServiceType)
}
