package csv

import (
	"context"
	encodingcsv "encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/engine/expression"
	"github.com/wehubfusion/Daedalus/pkg/engine/runtime"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ImportConfig is the CSV_IMPORT node config.
type ImportConfig struct {
	// Data is the CSV text or an expression resolving to it.
	Data      interface{} `json:"data"`
	Delimiter string      `json:"delimiter"`
	// HasHeader takes the column names from the first row (default true).
	HasHeader *bool `json:"hasHeader"`
}

// Validate checks the delimiter.
func (c *ImportConfig) Validate() error {
	return validateDelimiter(c.Delimiter)
}

// ImportHandler executes CSV_IMPORT nodes.
type ImportHandler struct{}

// NewImportHandler creates a CSV import handler.
func NewImportHandler() *ImportHandler {
	return &ImportHandler{}
}

// Execute parses CSV text into rows and returns {rows, count, headers}.
func (h *ImportHandler) Execute(ctx context.Context, node runtime.WorkflowNode, ec *runtime.ExecutionContext) (interface{}, error) {
	cfg, err := runtime.DecodeConfig(node, ImportConfig{Delimiter: ",", HasHeader: boolPtr(true)})
	if err != nil {
		return nil, err
	}

	resolved := expression.Resolve(cfg.Data, ec)
	text, ok := resolved.(string)
	if !ok {
		return nil, sdkerrors.Validationf("data", "CSV data must be a string, got %T", resolved)
	}

	headers, rows, err := Parse(text, cfg.Delimiter, *cfg.HasHeader)
	if err != nil {
		return nil, err
	}

	out := make([]interface{}, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return map[string]interface{}{
		"rows":    out,
		"count":   len(rows),
		"headers": headers,
	}, nil
}

// Parse reads CSV text. Blank lines are dropped and quoted fields may span lines;
// a \r\n inside a quoted field is read as \n.
// Without a header row the columns are named column_0, column_1, ... after the widest
// row. Missing trailing values are empty strings.
func Parse(text, delimiter string, hasHeader bool) ([]string, []map[string]interface{}, error) {
	reader := encodingcsv.NewReader(strings.NewReader(text))
	reader.Comma = []rune(delimiter)[0]
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var records [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, sdkerrors.WrapValidation("data", fmt.Sprintf("malformed CSV: %v", err), err)
		}
		if isBlankRecord(record) {
			continue
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return []string{}, []map[string]interface{}{}, nil
	}

	var headers []string
	if hasHeader {
		headers = records[0]
		records = records[1:]
	} else {
		width := 0
		for _, r := range records {
			if len(r) > width {
				width = len(r)
			}
		}
		headers = make([]string, width)
		for i := range headers {
			headers[i] = fmt.Sprintf("column_%d", i)
		}
	}

	rows := make([]map[string]interface{}, len(records))
	for i, record := range records {
		row := make(map[string]interface{}, len(headers))
		for j, h := range headers {
			if j < len(record) {
				row[h] = record[j]
			} else {
				row[h] = ""
			}
		}
		rows[i] = row
	}
	return headers, rows, nil
}

func isBlankRecord(record []string) bool {
	return len(record) == 1 && strings.TrimSpace(record[0]) == ""
}
