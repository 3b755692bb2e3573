package storage

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"time"

	"scentd/internal/model"
)

// WriteCSV exports records with one column per sensor seen in any record.
// Sensor columns are sorted by name so exports from the same data match.
func WriteCSV(w io.Writer, records []model.Record) error {
	sensors := sensorColumns(records)
	cw := csv.NewWriter(w)
	header := []string{"id", "device_id", "timestamp", "received_at", "source"}
	header = append(header, sensors...)
	header = append(header, "predicted_scent", "confidence", "raw_scent", "model_tier", "pipeline_version", "debounced", "error_kind", "error")
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, rec := range records {
		line := []string{
			rec.ID,
			rec.DeviceID,
			formatTime(rec.Timestamp),
			formatTime(rec.ReceivedAt),
			rec.Source,
		}
		for _, s := range sensors {
			if v, ok := rec.Values[s]; ok {
				line = append(line, strconv.FormatFloat(v, 'f', -1, 64))
			} else {
				line = append(line, "")
			}
		}
		line = append(line, rec.Scent(), strconv.FormatFloat(rec.Confidence(), 'f', 6, 64))
		if p := rec.Prediction; p != nil {
			line = append(line, p.RawScent, string(p.ModelTier), p.PipelineVersion, strconv.FormatBool(p.Debounced), "", "")
		} else if f := rec.Failure; f != nil {
			line = append(line, "", "", "", "false", f.Kind, f.Error)
		} else {
			line = append(line, "", "", "", "false", "", "")
		}
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func sensorColumns(records []model.Record) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec.Values {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}
