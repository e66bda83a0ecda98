package archiver

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Row is one archived record: a timestamp used for watermark/time-range
// bookkeeping plus an arbitrary set of data columns.
type Row struct {
	Timestamp time.Time
	Data      map[string]string
}

// dataColumns returns the union of every row's Data keys, sorted, so the
// CSV header order is stable across runs.
func dataColumns(rows []Row) []string {
	seen := make(map[string]bool)
	for _, r := range rows {
		for k := range r.Data {
			seen[k] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// exportNDJSON serializes rows as newline-delimited JSON objects, one per
// line, each carrying "timestamp" plus the row's data columns.
func exportNDJSON(rows []Row) ([]byte, error) {
	var buf strings.Builder
	for _, r := range rows {
		obj := make(map[string]any, len(r.Data)+1)
		obj["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339)
		for k, v := range r.Data {
			obj[k] = v
		}
		line, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("archiver: marshal ndjson row: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return []byte(buf.String()), nil
}

// exportCSV serializes rows as a single CSV document with a "timestamp"
// column followed by every data column in sorted order.
func exportCSV(rows []Row) ([]byte, error) {
	cols := dataColumns(rows)
	var buf strings.Builder
	w := csv.NewWriter(&buf)

	header := append([]string{"timestamp"}, cols...)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("archiver: write csv header: %w", err)
	}
	for _, r := range rows {
		record := make([]string, 0, len(header))
		record = append(record, r.Timestamp.UTC().Format(time.RFC3339))
		for _, c := range cols {
			record = append(record, r.Data[c])
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("archiver: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("archiver: flush csv: %w", err)
	}
	return []byte(buf.String()), nil
}

// timeRange returns the min and max Timestamp across rows. Callers must
// not invoke this with an empty slice.
func timeRange(rows []Row) (min, max time.Time) {
	min, max = rows[0].Timestamp, rows[0].Timestamp
	for _, r := range rows[1:] {
		if r.Timestamp.Before(min) {
			min = r.Timestamp
		}
		if r.Timestamp.After(max) {
			max = r.Timestamp
		}
	}
	return min, max
}
