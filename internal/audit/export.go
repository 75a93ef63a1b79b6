package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/parquet-go"
)

// ExportFormat is the output encoding of an audit export.
type ExportFormat string

const (
	FormatParquet ExportFormat = "parquet"
	FormatCSV     ExportFormat = "csv"
	FormatJSON    ExportFormat = "json"
)

// DetectFileFormat picks the export format from a file extension.
func DetectFileFormat(path string) ExportFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatParquet
	}
}

// exportRow is the flat on-disk shape. Counts are kept as a JSON object so
// new entity types do not change the schema.
type exportRow struct {
	TimestampMS int64   `parquet:"timestamp_ms" json:"timestamp_ms"`
	TenantID    string  `parquet:"tenant_id" json:"tenant_id"`
	SessionID   string  `parquet:"session_id" json:"session_id"`
	Mode        string  `parquet:"mode" json:"mode"`
	Redactions  string  `parquet:"redactions" json:"redactions"`
	Total       int64   `parquet:"total" json:"total"`
	LatencyMS   float64 `parquet:"latency_ms" json:"latency_ms"`
}

func toRow(e Event) (exportRow, error) {
	counts, err := json.Marshal(e.Counts)
	if err != nil {
		return exportRow{}, err
	}
	return exportRow{
		TimestampMS: e.Timestamp.UnixMilli(),
		TenantID:    e.TenantID,
		SessionID:   e.SessionID,
		Mode:        e.Mode,
		Redactions:  string(counts),
		Total:       int64(e.Total),
		LatencyMS:   e.LatencyMS,
	}, nil
}

func fromRow(r exportRow) (Event, error) {
	counts := map[string]int{}
	if err := json.Unmarshal([]byte(r.Redactions), &counts); err != nil {
		return Event{}, err
	}
	return Event{
		Timestamp: time.UnixMilli(r.TimestampMS).UTC(),
		TenantID:  r.TenantID,
		SessionID: r.SessionID,
		Mode:      r.Mode,
		Counts:    counts,
		Total:     int(r.Total),
		LatencyMS: r.LatencyMS,
	}, nil
}

// Export writes events to w in the given format and returns the number of
// rows written.
func Export(w io.Writer, format ExportFormat, events []Event) (int, error) {
	rows := make([]exportRow, 0, len(events))
	for _, e := range events {
		row, err := toRow(e)
		if err != nil {
			return 0, fmt.Errorf("failed to encode audit event: %w", err)
		}
		rows = append(rows, row)
	}

	switch format {
	case FormatParquet:
		return exportParquet(w, rows)
	case FormatCSV:
		return exportCSV(w, rows)
	case FormatJSON:
		return exportJSON(w, rows)
	}
	return 0, fmt.Errorf("unsupported export format: %s", format)
}

func exportParquet(w io.Writer, rows []exportRow) (int, error) {
	writer := parquet.NewGenericWriter[exportRow](w)
	n, err := writer.Write(rows)
	if err != nil {
		return n, fmt.Errorf("failed to write Parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return n, fmt.Errorf("failed to finalize Parquet file: %w", err)
	}
	return n, nil
}

var csvHeader = []string{"timestamp_ms", "tenant_id", "session_id", "mode", "redactions", "total", "latency_ms"}

func exportCSV(w io.Writer, rows []exportRow) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return 0, err
	}
	for i, r := range rows {
		record := []string{
			strconv.FormatInt(r.TimestampMS, 10),
			r.TenantID,
			r.SessionID,
			r.Mode,
			r.Redactions,
			strconv.FormatInt(r.Total, 10),
			strconv.FormatFloat(r.LatencyMS, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return i, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	return len(rows), writer.Error()
}

func exportJSON(w io.Writer, rows []exportRow) (int, error) {
	encoder := json.NewEncoder(w)
	for i, r := range rows {
		if err := encoder.Encode(r); err != nil {
			return i, fmt.Errorf("failed to write JSON row: %w", err)
		}
	}
	return len(rows), nil
}

// ReadParquet loads events from a Parquet export.
func ReadParquet(r io.ReaderAt) ([]Event, error) {
	reader := parquet.NewReader(r)
	defer reader.Close()

	var events []Event
	for {
		var row exportRow
		err := reader.Read(&row)
		if err == io.EOF {
			break
		}
		if err != nil {
			return events, fmt.Errorf("failed to read Parquet row: %w", err)
		}
		e, err := fromRow(row)
		if err != nil {
			return events, fmt.Errorf("failed to decode redaction counts: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
