// Package csv implements the CSV_EXPORT and CSV_IMPORT nodes.
package csv

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/wehubfusion/Daedalus/pkg/engine/expression"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ExportConfig is the CSV_EXPORT node config.
type ExportConfig struct {
	// Data is an array of objects or an expression resolving to one.
	Data      interface{} `json:"data"`
	Delimiter string      `json:"delimiter"`
	// IncludeHeader writes the header row (default true).
	IncludeHeader *bool `json:"includeHeader"`
	// Headers fixes the column order. Keys missing from it are appended.
	Headers []string `json:"headers"`
}

// Validate checks the delimiter.
func (c *ExportConfig) Validate() error {
	return validateDelimiter(c.Delimiter)
}

// ExportHandler executes CSV_EXPORT nodes.
type ExportHandler struct{}

// NewExportHandler creates a CSV export handler.
func NewExportHandler() *ExportHandler {
	return &ExportHandler{}
}

// Execute renders the data as CSV and returns {csv, rowCount, headers}.
func (h *ExportHandler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, ExportConfig{Delimiter: ",", IncludeHeader: boolPtr(true)})
	if err != nil {
		return nil, err
	}

	records, err := resolveRecords(cfg.Data, ec)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return map[string]interface{}{"csv": "", "rowCount": 0}, nil
	}

	headers := collectHeaders(records, cfg.Headers)
	text := Format(records, headers, cfg.Delimiter, *cfg.IncludeHeader)

	return map[string]interface{}{
		"csv":      text,
		"rowCount": len(records),
		"headers":  headers,
	}, nil
}

// Format renders records as CSV. Rows are separated by "\n".
func Format(records []map[string]interface{}, headers []string, delimiter string, includeHeader bool) string {
	lines := make([]string, 0, len(records)+1)
	cells := make([]string, len(headers))

	if includeHeader {
		for i, h := range headers {
			cells[i] = Escape(h, delimiter)
		}
		lines = append(lines, strings.Join(cells, delimiter))
	}

	for _, record := range records {
		for i, h := range headers {
			cells[i] = Escape(cellString(record[h]), delimiter)
		}
		lines = append(lines, strings.Join(cells, delimiter))
	}
	return strings.Join(lines, "\n")
}

// Escape quotes a cell that contains the delimiter, a quote or a line break, doubling
// embedded quotes.
func Escape(value, delimiter string) string {
	if strings.Contains(value, delimiter) || strings.ContainsAny(value, "\"\n\r") {
		return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
	}
	return value
}

func resolveRecords(data interface{}, ec *runtime.ExecutionContext) ([]map[string]interface{}, error) {
	if data == nil {
		return nil, sdkerrors.NewValidationError("data", "data is required for CSV export")
	}
	items, err := expression.ResolveIterable(data, ec)
	if err != nil {
		return nil, err
	}

	records := make([]map[string]interface{}, len(items))
	for i, item := range items {
		record, ok := item.(map[string]interface{})
		if !ok {
			return nil, sdkerrors.Validationf("data", "row %d is %T, expected an object", i, item)
		}
		records[i] = record
	}
	return records, nil
}

// collectHeaders returns the union of record keys in order of first appearance.
// Keys first seen in the same record are ordered alphabetically.
func collectHeaders(records []map[string]interface{}, preset []string) []string {
	seen := make(map[string]bool)
	headers := make([]string, 0, len(preset))
	for _, h := range preset {
		if !seen[h] {
			seen[h] = true
			headers = append(headers, h)
		}
	}

	for _, record := range records {
		var fresh []string
		for k := range record {
			if !seen[k] {
				seen[k] = true
				fresh = append(fresh, k)
			}
		}
		sort.Strings(fresh)
		headers = append(headers, fresh...)
	}
	return headers
}

func cellString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func validateDelimiter(delimiter string) error {
	if len([]rune(delimiter)) != 1 {
		return sdkerrors.Validationf("delimiter", "delimiter must be a single character, got %q", delimiter)
	}
	if strings.ContainsAny(delimiter, "\"\r\n") {
		return sdkerrors.Validationf("delimiter", "invalid delimiter %q", delimiter)
	}
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}
