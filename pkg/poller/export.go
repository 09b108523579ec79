package poller

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redsync/redsync/pkg/types"
)

const (
	ExportFormatJSON = "json"
	ExportFormatCSV  = "csv"
)

// exportRow is one daily record flattened for export.
type exportRow struct {
	PropertyID     string  `json:"propertyID"`
	ServiceType    string  `json:"serviceType"`
	ConsumerNumber string  `json:"consumerNumber"`
	Date           string  `json:"date"`
	ImportedKWH    float64 `json:"importedKWH"`
	ExportedKWH    float64 `json:"exportedKWH"`
	ImportedCost   float64 `json:"importedCost"`
	ExportedCredit float64 `json:"exportedCredit"`
	MaxDemandKW    float64 `json:"maxDemandKW"`
	CarbonTonnes   float64 `json:"carbonTonnes"`
}

// Export renders the published daily records for the last days days in the
// requested format and returns the payload plus its content type.
func (c *Coordinator) Export(format string, days int) ([]byte, string, error) {
	if days <= 0 {
		return nil, "", fmt.Errorf("days must be positive, got %d", days)
	}

	cutoff := c.now().AddDate(0, 0, -days).Format(types.DateLayout)

	var rows []exportRow
	for _, snap := range c.Snapshots() {
		for _, rec := range snap.Records {
			if rec.Date < cutoff {
				continue
			}
			rows = append(rows, exportRow{
				PropertyID:     snap.PropertyID,
				ServiceType:    string(snap.ServiceType),
				ConsumerNumber: snap.ConsumerNumber,
				Date:           rec.Date,
				ImportedKWH:    rec.ImportedKWH,
				ExportedKWH:    rec.ExportedKWH,
				ImportedCost:   rec.ImportedCost,
				ExportedCredit: rec.ExportedCredit,
				MaxDemandKW:    rec.MaxDemandKW,
				CarbonTonnes:   rec.CarbonTonnes,
			})
		}
	}

	switch format {
	case ExportFormatJSON:
		out := struct {
			GeneratedAt time.Time   `json:"generatedAt"`
			Days        int         `json:"days"`
			Rows        []exportRow `json:"rows"`
		}{GeneratedAt: c.now(), Days: days, Rows: rows}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	case ExportFormatCSV:
		data, err := writeCSV(rows)
		if err != nil {
			return nil, "", err
		}
		return data, "text/csv", nil
	default:
		return nil, "", fmt.Errorf("unknown export format %q", format)
	}
}

func writeCSV(rows []exportRow) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{
		"property_id",
		"service_type",
		"consumer_number",
		"date",
		"imported_kwh",
		"exported_kwh",
		"imported_cost",
		"exported_credit",
		"max_demand_kw",
		"carbon_tonnes",
	}
	if err := writer.Write(header); err != nil {
		return nil, err
	}

	for _, row := range rows {
		record := []string{
			row.PropertyID,
			row.ServiceType,
			row.ConsumerNumber,
			row.Date,
			formatFloat(row.ImportedKWH),
			formatFloat(row.ExportedKWH),
			formatFloat(row.ImportedCost),
			formatFloat(row.ExportedCredit),
			formatFloat(row.MaxDemandKW),
			formatFloat(row.CarbonTonnes),
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
