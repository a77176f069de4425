package parsers

import (
	"context"
	"io"

	"reconciliation-engine/internal/models"
	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"
)

// LedgerParser handles parsing of general ledger CSV exports
type LedgerParser struct {
	*BaseParser
	columns    *ColumnConfig
	normalizer *Normalizer
	logger     logger.Logger
}

// NewLedgerParser creates a new LedgerParser with the given column layout
func NewLedgerParser(columns *ColumnConfig, opts ...Option) (*LedgerParser, error) {
	if columns == nil {
		columns = DefaultLedgerColumns()
	}
	if err := columns.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "ledger_columns", columns.Name, err).
			WithSuggestion("Check the ledger column configuration")
	}

	o := buildOptions(opts)
	return &LedgerParser{
		BaseParser: NewBaseParser(o.parse),
		columns:    columns,
		normalizer: NewNormalizer(o.normalize),
		logger:     logger.GetGlobalLogger().WithComponent("ledger_parser"),
	}, nil
}

// ParseFile parses a ledger export file
func (lp *LedgerParser) ParseFile(ctx context.Context, filePath string) ([]*models.LedgerEntry, *ParseStats, error) {
	file, err := lp.OpenFile(filePath)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	return lp.Parse(ctx, file, filePath)
}

// Parse parses ledger entries from r; name identifies the source in errors
func (lp *LedgerParser) Parse(ctx context.Context, r io.Reader, name string) ([]*models.LedgerEntry, *ParseStats, error) {
	lp.logger.WithFields(logger.Fields{
		"file":      name,
		"operation": "parse_ledger_entries",
	}).Info("Starting ledger parsing")

	return parseRows(ctx, lp.BaseParser, r, name, lp.columns, lp.buildEntry)
}

func (lp *LedgerParser) buildEntry(rc *rowContext) (*models.LedgerEntry, string, *apperrors.RowError) {
	id := rc.value(FieldID)
	if id == "" {
		return nil, "", rc.fail(apperrors.CodeMissingField, FieldID, "", "ledger entry id is empty", nil)
	}

	account := rc.value(FieldAccount)
	if account == "" {
		account = lp.columns.AccountID
	}
	if account == "" {
		rowErr := rc.fail(apperrors.CodeMissingField, FieldAccount, "", "ledger account is empty", nil)
		rowErr.WithSuggestion("Add a ledger account column or pass the account on import")
		return nil, "", rowErr
	}

	dateStr := rc.value(FieldDate)
	date, err := models.ParseDate(dateStr)
	if err != nil {
		return nil, "", rc.fail(apperrors.CodeInvalidData, FieldDate, dateStr, "invalid entry date", err)
	}

	amount, rowErr := readAmount(rc)
	if rowErr != nil {
		return nil, "", rowErr
	}

	reconciledStr := rc.value(FieldReconciled)
	reconciled, err := models.ParseBool(reconciledStr)
	if err != nil {
		return nil, "", rc.fail(apperrors.CodeInvalidData, FieldReconciled, reconciledStr, "invalid reconciled flag", err)
	}

	entry := &models.LedgerEntry{
		ID:          id,
		AccountID:   account,
		Date:        date,
		Amount:      amount,
		Description: rc.value(FieldDescription),
		Reference:   rc.value(FieldReference),
		AccountCode: rc.value(FieldAccountCode),
		Reconciled:  reconciled,
	}
	lp.normalizer.Entry(entry)

	if err := entry.Validate(); err != nil {
		return nil, "", rc.fail(apperrors.CodeInvalidData, "ledger_entry", id, "ledger entry validation failed", err)
	}
	return entry, entry.ID, nil
}
