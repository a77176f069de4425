// Package parsers reads bank statement and ledger exports from CSV files and
// matching rules from YAML files.
//
// Real-world exports differ in delimiter, header names, date layout and
// amount representation. Headers are resolved through per-field aliases
// (see ColumnConfig), dates accept the common ISO, US and European layouts,
// and amounts may carry currency symbols, thousands separators, accounting
// parentheses or come as a debit/credit column pair.
//
// Rows that cannot be parsed are collected as row errors with file and line
// so an import can report every problem in one pass:
//
//	parser, err := NewTransactionParser(DefaultTransactionColumns())
//	txs, stats, err := parser.ParseFile(ctx, "statement.csv")
//	if stats.HasErrors() {
//		fmt.Println(stats.GetSampleErrors(5))
//	}
package parsers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"
)

const utf8BOM = "\ufeff"

// ParseConfig holds configuration for CSV parsing
type ParseConfig struct {
	TrimLeadingSpace bool
	SkipEmptyRows    bool
	MaxFieldSize     int
	ValidateEncoding bool
	// ContinueOnError keeps parsing after a bad row; MaxErrors caps how many
	// row errors are collected before giving up (0 = unlimited)
	ContinueOnError bool
	MaxErrors       int
}

// DefaultParseConfig returns a configuration with sensible defaults
func DefaultParseConfig() *ParseConfig {
	return &ParseConfig{
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
		MaxFieldSize:     1000000, // 1MB per field
		ValidateEncoding: true,
		ContinueOnError:  true,
		MaxErrors:        100,
	}
}

// BaseParser provides common CSV parsing functionality
type BaseParser struct {
	config *ParseConfig
	logger logger.Logger
}

// NewBaseParser creates a new BaseParser with the given configuration
func NewBaseParser(config *ParseConfig) *BaseParser {
	if config == nil {
		config = DefaultParseConfig()
	}

	return &BaseParser{
		config: config,
		logger: logger.GetGlobalLogger().WithComponent("csv_parser"),
	}
}

// OpenFile opens an import file for reading
func (bp *BaseParser) OpenFile(filePath string) (*os.File, error) {
	bp.logger.WithField("file_path", filePath).Debug("Opening CSV file")

	file, err := os.Open(filePath)
	if err != nil {
		bp.logger.WithError(err).WithField("file_path", filePath).Error("Failed to open CSV file")
		rowErr := apperrors.NewRowError(apperrors.CodeInvalidFormat, apperrors.ParseContext{File: filePath}, "cannot open file", err)
		if os.IsNotExist(err) {
			rowErr.WithSuggestion("Check the file path")
		}
		return nil, rowErr
	}
	return file, nil
}

func (bp *BaseParser) newReader(r io.Reader, delimiter rune) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = delimiter
	reader.TrimLeadingSpace = bp.config.TrimLeadingSpace
	reader.FieldsPerRecord = -1 // rows are checked against the header by field lookup
	return reader
}

// columnIndex maps canonical fields to their position in a row
type columnIndex map[string]int

// resolveColumns reads the header row and resolves every configured field
func (bp *BaseParser) resolveColumns(reader *csv.Reader, cols *ColumnConfig, file string) (columnIndex, []string, error) {
	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			rowErr := apperrors.NewRowError(apperrors.CodeInvalidFormat, apperrors.ParseContext{File: file, Line: 1}, "file is empty", nil)
			rowErr.WithSuggestion("Ensure the file contains a header row and data rows")
			return nil, nil, rowErr
		}
		return nil, nil, apperrors.NewRowError(apperrors.CodeInvalidFormat, apperrors.ParseContext{File: file, Line: 1},
			"cannot read header row", err)
	}

	positions := make(map[string]int, len(headers))
	for i, h := range headers {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := positions[key]; !dup {
			positions[key] = i
		}
		headers[i] = strings.TrimSpace(h)
	}

	index := make(columnIndex)
	for field, aliases := range cols.Columns {
		for _, alias := range aliases {
			if pos, ok := positions[strings.ToLower(alias)]; ok {
				index[field] = pos
				break
			}
		}
	}

	var missing []string
	for _, field := range cols.Required {
		if _, ok := index[field]; !ok {
			missing = append(missing, cols.Columns[field][0])
		}
	}
	_, hasAmount := index[FieldAmount]
	_, hasDebit := index[FieldDebit]
	_, hasCredit := index[FieldCredit]
	if !hasAmount && !hasDebit && !hasCredit && len(cols.Columns[FieldAmount]) > 0 {
		missing = append(missing, cols.Columns[FieldAmount][0])
	}
	if len(missing) > 0 {
		bp.logger.WithFields(logger.Fields{
			"file":              file,
			"missing_headers":   missing,
			"available_headers": headers,
		}).Error("Required headers are missing")
		return nil, headers, apperrors.MissingColumnError(file, missing, headers)
	}

	bp.logger.WithFields(logger.Fields{
		"file":    file,
		"headers": headers,
		"fields":  len(index),
	}).Debug("Resolved CSV columns")
	return index, headers, nil
}

// rowContext is the row being converted plus its location
type rowContext struct {
	file   string
	line   int
	index  columnIndex
	record []string
}

func (rc *rowContext) has(field string) bool {
	pos, ok := rc.index[field]
	return ok && pos < len(rc.record)
}

func (rc *rowContext) value(field string) string {
	if !rc.has(field) {
		return ""
	}
	return strings.TrimSpace(rc.record[rc.index[field]])
}

func (rc *rowContext) fail(code apperrors.ErrorCode, field, value, message string, cause error) *apperrors.RowError {
	return apperrors.NewRowError(code, apperrors.ParseContext{
		File:   rc.file,
		Line:   rc.line,
		Column: field,
		Value:  value,
	}, message, cause)
}

// readRecord returns the next non-empty record, or io.EOF
func (bp *BaseParser) readRecord(reader *csv.Reader, file string) ([]string, int, *apperrors.RowError, error) {
	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, 0, nil, io.EOF
			}
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				return nil, csvErr.StartLine, apperrors.NewRowError(apperrors.CodeInvalidFormat,
					apperrors.ParseContext{File: file, Line: csvErr.StartLine}, "malformed CSV row", err), nil
			}
			return nil, 0, nil, err
		}

		line, _ := reader.FieldPos(0)

		if bp.config.SkipEmptyRows && isEmptyRecord(record) {
			continue
		}

		for i, field := range record {
			if bp.config.MaxFieldSize > 0 && len(field) > bp.config.MaxFieldSize {
				return nil, line, apperrors.NewRowError(apperrors.CodeInvalidData,
					apperrors.ParseContext{File: file, Line: line, Column: fmt.Sprintf("field_%d", i)},
					fmt.Sprintf("field exceeds maximum size of %d bytes", bp.config.MaxFieldSize), nil), nil
			}
			if bp.config.ValidateEncoding && !utf8.ValidString(field) {
				rowErr := apperrors.NewRowError(apperrors.CodeInvalidFormat,
					apperrors.ParseContext{File: file, Line: line, Column: fmt.Sprintf("field_%d", i)},
					"invalid UTF-8 encoding", nil)
				rowErr.WithSuggestion("Save the file in UTF-8 encoding and try again")
				return nil, line, rowErr, nil
			}
		}
		return record, line, nil, nil
	}
}

// isEmptyRecord checks if all fields in a record are empty or whitespace
func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// parseRows drives a CSV read: header resolution, row conversion, duplicate
// detection and error collection. build converts one row and returns the
// record ID used for duplicate detection. When the collector gives up, the
// row error that stopped it is returned without records.
func parseRows[T any](ctx context.Context, bp *BaseParser, r io.Reader, file string, cols *ColumnConfig, build func(*rowContext) (T, string, *apperrors.RowError)) ([]T, *ParseStats, error) {
	stats := NewParseStats()
	reader := bp.newReader(r, cols.Delimiter)

	index, _, err := bp.resolveColumns(reader, cols, file)
	if err != nil {
		return nil, stats, err
	}

	collector := apperrors.NewParseErrorCollector(bp.config.MaxErrors, bp.config.ContinueOnError)
	seen := make(map[string]int)
	var records []T

	addError := func(rowErr *apperrors.RowError) bool {
		stats.AddError(rowErr)
		return collector.Add(rowErr)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, stats, apperrors.InternalError(apperrors.CodeUnexpectedError, "csv_parsing", err)
		}

		record, line, rowErr, err := bp.readRecord(reader, file)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, apperrors.NewRowError(apperrors.CodeInvalidFormat, apperrors.ParseContext{File: file}, "read failed", err)
		}
		if line > stats.TotalLines {
			stats.TotalLines = line
		}
		if rowErr != nil {
			if !addError(rowErr) {
				return nil, stats, rowErr
			}
			continue
		}

		stats.RecordsParsed++
		rc := &rowContext{file: file, line: line, index: index, record: record}
		item, id, rowErr := build(rc)
		if rowErr == nil {
			if first, dup := seen[id]; dup {
				stats.Duplicates++
				rowErr = rc.fail(apperrors.CodeInvalidData, FieldID, id,
					fmt.Sprintf("duplicate id, first seen on line %d", first), nil)
			} else {
				seen[id] = line
			}
		}
		if rowErr != nil {
			bp.logger.WithError(rowErr).WithField("line_number", line).Debug("Rejected row")
			if !addError(rowErr) {
				return nil, stats, rowErr
			}
			continue
		}

		records = append(records, item)
		stats.RecordsValid++
	}

	bp.logger.WithFields(logger.Fields{
		"file":           file,
		"total_lines":    stats.TotalLines,
		"records_parsed": stats.RecordsParsed,
		"records_valid":  stats.RecordsValid,
		"error_count":    len(stats.Errors),
	}).Info("CSV parsing completed")

	if stats.HasErrors() {
		bp.logger.WithField("sample_errors", stats.GetSampleErrors(3)).Warn("Encountered errors during parsing")
	}
	return records, stats, nil
}

// ParseStats holds statistics about a parsing operation
type ParseStats struct {
	TotalLines    int
	RecordsParsed int
	RecordsValid  int
	Duplicates    int
	Errors        []*apperrors.RowError
}

// NewParseStats creates a new ParseStats instance
func NewParseStats() *ParseStats {
	return &ParseStats{}
}

// AddError adds an error to the parsing statistics
func (ps *ParseStats) AddError(err *apperrors.RowError) {
	ps.Errors = append(ps.Errors, err)
}

// HasErrors returns true if there were any parsing errors
func (ps *ParseStats) HasErrors() bool {
	return len(ps.Errors) > 0
}

// Summary groups the row errors by category and code
func (ps *ParseStats) Summary() *apperrors.ErrorSummary {
	errs := make([]*apperrors.ReconcilerError, 0, len(ps.Errors))
	for _, e := range ps.Errors {
		errs = append(errs, e.ReconcilerError)
	}
	return apperrors.NewErrorSummary(errs)
}

// String returns a human-readable summary of parsing statistics
func (ps *ParseStats) String() string {
	return fmt.Sprintf("Parsed %d lines, %d records (%d valid), %d errors",
		ps.TotalLines, ps.RecordsParsed, ps.RecordsValid, len(ps.Errors))
}

// GetSampleErrors returns a sample of the parsing errors for logging/debugging
func (ps *ParseStats) GetSampleErrors(maxSamples int) []string {
	if len(ps.Errors) == 0 {
		return nil
	}

	limit := len(ps.Errors)
	if maxSamples > 0 && maxSamples < limit {
		limit = maxSamples
	}

	samples := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		samples = append(samples, ps.Errors[i].Error())
	}
	return samples
}
