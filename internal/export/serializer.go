package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/clinex/clinex/internal/deid"
)

// Serialize renders a de-identified rowset into its artifact bytes and
// returns the payload, its content type, and the file extension.
//
// CSV output is RFC 4180 quoted via encoding/csv; a naive delimiter join
// would corrupt values containing commas or newlines. The header comes from
// the first row's keys in sorted order so output is deterministic. Zero rows
// produce a valid empty artifact (no header can be derived without a row, so
// the body is empty) rather than an error.
func Serialize(rows []deid.Row, format Format) ([]byte, string, string, error) {
	switch format {
	case FormatCSV:
		data, err := serializeCSV(rows)
		return data, "text/csv", "csv", err
	case FormatNDJSON:
		data, err := serializeNDJSON(rows)
		return data, "application/x-ndjson", "ndjson", err
	default:
		return nil, "", "", fmt.Errorf("unsupported format: %q", format)
	}
}

func serializeCSV(rows []deid.Row) ([]byte, error) {
	var buf bytes.Buffer
	if len(rows) == 0 {
		return buf.Bytes(), nil
	}

	header := make([]string, 0, len(rows[0]))
	for field := range rows[0] {
		header = append(header, field)
	}
	sort.Strings(header)

	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}

	record := make([]string, len(header))
	for i, row := range rows {
		for j, field := range header {
			record[j] = renderValue(row[field])
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func serializeNDJSON(rows []deid.Row) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, row := range rows {
		// Encode appends the trailing newline, giving one object per line.
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("encode ndjson row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// renderValue stringifies a cell; nil renders as the empty string.
func renderValue(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Trim the default exponent formatting for whole numbers.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
