package parsers

import (
	"context"
	"io"

	"reconciliation-engine/internal/models"
	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"

	"github.com/shopspring/decimal"
)

// Option customises a parser
type Option func(*parserOptions)

type parserOptions struct {
	parse     *ParseConfig
	normalize *NormalizeConfig
}

// WithParseConfig replaces the CSV reading configuration
func WithParseConfig(cfg *ParseConfig) Option {
	return func(o *parserOptions) { o.parse = cfg }
}

// WithNormalizeConfig replaces the record clean-up configuration
func WithNormalizeConfig(cfg *NormalizeConfig) Option {
	return func(o *parserOptions) { o.normalize = cfg }
}

func buildOptions(opts []Option) *parserOptions {
	o := &parserOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TransactionParser handles parsing of bank statement CSV files
type TransactionParser struct {
	*BaseParser
	columns    *ColumnConfig
	normalizer *Normalizer
	logger     logger.Logger
}

// NewTransactionParser creates a new TransactionParser with the given column layout
func NewTransactionParser(columns *ColumnConfig, opts ...Option) (*TransactionParser, error) {
	if columns == nil {
		columns = DefaultTransactionColumns()
	}
	if err := columns.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "transaction_columns", columns.Name, err).
			WithSuggestion("Check the transaction column configuration")
	}

	o := buildOptions(opts)
	log := logger.GetGlobalLogger().WithComponent("transaction_parser")
	log.WithFields(logger.Fields{
		"layout":    columns.Name,
		"delimiter": string(columns.Delimiter),
	}).Debug("Created transaction parser")

	return &TransactionParser{
		BaseParser: NewBaseParser(o.parse),
		columns:    columns,
		normalizer: NewNormalizer(o.normalize),
		logger:     log,
	}, nil
}

// ParseFile parses a bank statement file
func (tp *TransactionParser) ParseFile(ctx context.Context, filePath string) ([]*models.BankTransaction, *ParseStats, error) {
	file, err := tp.OpenFile(filePath)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	return tp.Parse(ctx, file, filePath)
}

// Parse parses bank transactions from r; name identifies the source in errors
func (tp *TransactionParser) Parse(ctx context.Context, r io.Reader, name string) ([]*models.BankTransaction, *ParseStats, error) {
	tp.logger.WithFields(logger.Fields{
		"file":      name,
		"operation": "parse_transactions",
	}).Info("Starting transaction parsing")

	return parseRows(ctx, tp.BaseParser, r, name, tp.columns, tp.buildTransaction)
}

func (tp *TransactionParser) buildTransaction(rc *rowContext) (*models.BankTransaction, string, *apperrors.RowError) {
	id := rc.value(FieldID)
	if id == "" {
		return nil, "", rc.fail(apperrors.CodeMissingField, FieldID, "", "transaction id is empty", nil)
	}

	account := rc.value(FieldAccount)
	if account == "" {
		account = tp.columns.AccountID
	}
	if account == "" {
		rowErr := rc.fail(apperrors.CodeMissingField, FieldAccount, "", "account id is empty", nil)
		rowErr.WithSuggestion("Add an account column or pass the account on import")
		return nil, "", rowErr
	}

	dateStr := rc.value(FieldDate)
	date, err := models.ParseDate(dateStr)
	if err != nil {
		rowErr := rc.fail(apperrors.CodeInvalidData, FieldDate, dateStr, "invalid booking date", err)
		rowErr.WithSuggestion("Use a date like 2024-01-15 or 01/15/2024")
		return nil, "", rowErr
	}

	amount, rowErr := readAmount(rc)
	if rowErr != nil {
		return nil, "", rowErr
	}

	statusStr := rc.value(FieldStatus)
	status, err := models.ParseTransactionStatus(statusStr)
	if err != nil {
		return nil, "", rc.fail(apperrors.CodeInvalidData, FieldStatus, statusStr, "invalid status", err)
	}

	tx := &models.BankTransaction{
		ID:           id,
		AccountID:    account,
		BookingDate:  date,
		Amount:       amount,
		Currency:     rc.value(FieldCurrency),
		Description:  rc.value(FieldDescription),
		Counterparty: rc.value(FieldCounterparty),
		Reference:    rc.value(FieldReference),
		Status:       status,
	}
	tp.normalizer.Transaction(tx)

	if err := tx.Validate(); err != nil {
		return nil, "", rc.fail(apperrors.CodeInvalidData, "transaction", id, "transaction validation failed", err)
	}
	return tx, tx.ID, nil
}

// readAmount reads the signed amount column or, when it is absent or empty,
// credit minus debit
func readAmount(rc *rowContext) (decimal.Decimal, *apperrors.RowError) {
	if raw := rc.value(FieldAmount); raw != "" {
		amount, err := models.ParseDecimalFromString(raw)
		if err != nil {
			rowErr := rc.fail(apperrors.CodeInvalidData, FieldAmount, raw, "invalid amount", err)
			rowErr.WithSuggestion("Use decimal numbers like '123.45' or '(123.45)'")
			return decimal.Zero, rowErr
		}
		return amount, nil
	}

	debitStr, creditStr := rc.value(FieldDebit), rc.value(FieldCredit)
	if debitStr == "" && creditStr == "" {
		return decimal.Zero, rc.fail(apperrors.CodeMissingField, FieldAmount, "", "amount is empty", nil)
	}

	amount := decimal.Zero
	if creditStr != "" {
		credit, err := models.ParseDecimalFromString(creditStr)
		if err != nil {
			return decimal.Zero, rc.fail(apperrors.CodeInvalidData, FieldCredit, creditStr, "invalid credit amount", err)
		}
		amount = amount.Add(credit.Abs())
	}
	if debitStr != "" {
		debit, err := models.ParseDecimalFromString(debitStr)
		if err != nil {
			return decimal.Zero, rc.fail(apperrors.CodeInvalidData, FieldDebit, debitStr, "invalid debit amount", err)
		}
		amount = amount.Sub(debit.Abs())
	}
	return amount, nil
}
