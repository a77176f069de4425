// Package reporter renders reconciliation session reports
package reporter

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"reconciliation-engine/internal/models"
	"reconciliation-engine/internal/reconciler"
	apperrors "reconciliation-engine/pkg/errors"
)

// OutputFormat represents the output format for reports
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is valid
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig contains configuration for report generation
type ReportConfig struct {
	Format            OutputFormat
	IncludeMatches    bool
	IncludeExceptions bool
	// IncludeResolved lists resolved exceptions alongside open ones
	IncludeResolved bool
	IncludeRunInfo  bool
	// MaxItems caps the rows of each console listing; 0 lists everything
	MaxItems      int
	TableMaxWidth int
	CSVDelimiter  rune
	CSVHeaders    bool
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:            FormatConsole,
		IncludeMatches:    true,
		IncludeExceptions: true,
		IncludeResolved:   false,
		IncludeRunInfo:    true,
		MaxItems:          50,
		TableMaxWidth:     120,
		CSVDelimiter:      ',',
		CSVHeaders:        true,
	}
}

// Validate checks the configuration values
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.TableMaxWidth < 50 {
		return fmt.Errorf("table max width must be at least 50, got %d", c.TableMaxWidth)
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("max items cannot be negative, got %d", c.MaxItems)
	}
	if c.Format == FormatCSV && c.CSVDelimiter == 0 {
		return fmt.Errorf("csv delimiter is required for csv output")
	}
	return nil
}

// SessionReport is everything a report shows about one session
type SessionReport struct {
	GeneratedAt time.Time              `json:"generatedAt"`
	Session     *reconciler.Session    `json:"session"`
	Statistics  *reconciler.Statistics `json:"statistics"`
	Matches     []*models.Match        `json:"matches,omitempty"`
	Exceptions  []*models.Exception    `json:"exceptions,omitempty"`

	// Run is the pipeline run that produced the report, when there was one
	Run *reconciler.RunResult `json:"run,omitempty"`
}

// Source reads the records of a session
type Source interface {
	GetSession(ctx context.Context, id string) (*reconciler.Session, error)
	ListMatches(ctx context.Context, sessionID string) ([]*models.Match, error)
	ListExceptions(ctx context.Context, sessionID string) ([]*models.Exception, error)
}

// BuildReport loads a session and its records. Statistics stored on the
// session are used as they are; otherwise they are computed from the records.
func BuildReport(ctx context.Context, src Source, sessionID string, now time.Time) (*SessionReport, error) {
	session, err := src.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	matches, err := src.ListMatches(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	exceptions, err := src.ListExceptions(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	stats := session.Statistics
	if stats == nil {
		stats = reconciler.ComputeStatistics(matches, exceptions, 0)
	}

	return &SessionReport{
		GeneratedAt: now,
		Session:     session,
		Statistics:  stats,
		Matches:     matches,
		Exceptions:  exceptions,
	}, nil
}

// ReportGenerator generates reports from session data
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report config: %w", err)
	}
	return &ReportGenerator{config: config}, nil
}

// GenerateReport writes the report in the configured format
func (rg *ReportGenerator) GenerateReport(report *SessionReport, writer io.Writer) error {
	if report == nil || report.Session == nil {
		return fmt.Errorf("report has no session")
	}
	if report.Statistics == nil {
		report.Statistics = reconciler.ComputeStatistics(report.Matches, report.Exceptions, 0)
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(report, writer)
	case FormatJSON:
		return rg.generateJSONReport(report, writer)
	case FormatCSV:
		return rg.generateCSVReport(report, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// generateConsoleReport generates a human-readable console report
func (rg *ReportGenerator) generateConsoleReport(report *SessionReport, writer io.Writer) error {
	var b strings.Builder
	session := report.Session
	stats := report.Statistics

	fmt.Fprintf(&b, "RECONCILIATION REPORT\n")
	fmt.Fprintf(&b, "=====================\n")
	fmt.Fprintf(&b, "Session:   %s\n", session.ID)
	fmt.Fprintf(&b, "Account:   %s\n", session.AccountID)
	fmt.Fprintf(&b, "Period:    %s to %s\n", session.PeriodStart.Format(models.DateLayout), session.PeriodEnd.Format(models.DateLayout))
	fmt.Fprintf(&b, "Status:    %s\n", session.Status)
	if session.FailureReason != "" {
		fmt.Fprintf(&b, "Failure:   %s\n", session.FailureReason)
	}
	fmt.Fprintf(&b, "Generated: %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(&b, "=== SUMMARY ===\n")
	fmt.Fprintf(&b, "Total Transactions:  %d\n", stats.TotalTransactions)
	fmt.Fprintf(&b, "Matched:             %d (%.1f%%)\n", stats.Matched, stats.MatchRate*100)
	fmt.Fprintf(&b, "  Confirmed:         %d\n", stats.Confirmed)
	fmt.Fprintf(&b, "  Pending Review:    %d\n", stats.Pending)
	fmt.Fprintf(&b, "Excluded:            %d\n", stats.Excluded)
	fmt.Fprintf(&b, "Open Exceptions:     %d\n", stats.OpenExceptions)
	fmt.Fprintf(&b, "Average Confidence:  %.2f\n", stats.AverageConfidence)
	if stats.Duration > 0 {
		fmt.Fprintf(&b, "Duration:            %v\n", stats.Duration.Round(time.Millisecond))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "=== MATCHES BY TYPE ===\n")
	for _, t := range models.AllMatchTypes {
		fmt.Fprintf(&b, "%-10s %d\n", t+":", stats.MatchesByType[t])
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "=== CONFIDENCE DISTRIBUTION ===\n")
	for _, bucket := range reconciler.ConfidenceBuckets {
		fmt.Fprintf(&b, "%-10s %d\n", bucket+":", stats.ConfidenceBuckets[bucket])
	}
	b.WriteString("\n")

	if stats.OpenExceptions > 0 {
		fmt.Fprintf(&b, "=== EXCEPTIONS BY TYPE ===\n")
		for _, t := range models.AllExceptionTypes {
			if n := stats.ExceptionsByType[t]; n > 0 {
				fmt.Fprintf(&b, "%-18s %d\n", t+":", n)
			}
		}
		b.WriteString("\n")
	}

	if rg.config.IncludeExceptions {
		rg.writeExceptionSection(&b, report.Exceptions)
	}
	if rg.config.IncludeMatches {
		rg.writeMatchSection(&b, report.Matches)
	}
	if rg.config.IncludeRunInfo && report.Run != nil {
		rg.writeRunSection(&b, report.Run)
	}

	_, err := io.WriteString(writer, b.String())
	return err
}

func (rg *ReportGenerator) writeExceptionSection(b *strings.Builder, exceptions []*models.Exception) {
	listed := rg.filterExceptions(exceptions)
	if len(listed) == 0 {
		return
	}

	title := "OPEN EXCEPTIONS"
	if rg.config.IncludeResolved {
		title = "EXCEPTIONS"
	}
	fmt.Fprintf(b, "=== %s ===\n", title)

	shown := rg.limit(len(listed))
	for _, exc := range listed[:shown] {
		line := fmt.Sprintf("%-20s %-18s %s", exc.TransactionID, exc.Type, describeException(exc))
		fmt.Fprintf(b, "%s\n", rg.truncate(line))
	}
	if shown < len(listed) {
		fmt.Fprintf(b, "... and %d more\n", len(listed)-shown)
	}
	b.WriteString("\n")
}

func (rg *ReportGenerator) writeMatchSection(b *strings.Builder, matches []*models.Match) {
	listed := make([]*models.Match, 0, len(matches))
	for _, m := range matches {
		if m.IsActive() {
			listed = append(listed, m)
		}
	}
	if len(listed) == 0 {
		return
	}

	fmt.Fprintf(b, "=== MATCHES ===\n")
	shown := rg.limit(len(listed))
	for _, m := range listed[:shown] {
		entry := m.LedgerEntryID
		if entry == "" {
			entry = "-"
		}
		line := fmt.Sprintf("%-20s -> %-20s %-9s %-10s %.2f", m.TransactionID, entry, m.Type, m.Status, m.Confidence)
		fmt.Fprintf(b, "%s\n", rg.truncate(line))
	}
	if shown < len(listed) {
		fmt.Fprintf(b, "... and %d more\n", len(listed)-shown)
	}
	b.WriteString("\n")
}

func (rg *ReportGenerator) writeRunSection(b *strings.Builder, run *reconciler.RunResult) {
	fmt.Fprintf(b, "=== PROCESSING STATISTICS ===\n")
	fmt.Fprintf(b, "Considered:  %d\n", run.Considered)
	fmt.Fprintf(b, "Processed:   %d\n", run.Processed)
	fmt.Fprintf(b, "Matched:     %d\n", run.Matched)
	fmt.Fprintf(b, "Exceptions:  %d\n", run.Exceptions)
	fmt.Fprintf(b, "Skipped:     %d\n", run.Skipped)
	if run.Cancelled {
		fmt.Fprintf(b, "Run was cancelled before all transactions were processed\n")
	}
	if run.Errors != nil && run.Errors.Total > 0 {
		fmt.Fprintf(b, "Errors:      %d\n", run.Errors.Total)
		codes := make([]apperrors.ErrorCode, 0, len(run.Errors.ByCode))
		for code := range run.Errors.ByCode {
			codes = append(codes, code)
		}
		sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
		for _, code := range codes {
			fmt.Fprintf(b, "  %s: %d\n", code, run.Errors.ByCode[code])
		}
	}
	b.WriteString("\n")
}

// generateJSONReport generates a JSON report
func (rg *ReportGenerator) generateJSONReport(report *SessionReport, writer io.Writer) error {
	out := *report
	if !rg.config.IncludeMatches {
		out.Matches = nil
	}
	if rg.config.IncludeExceptions {
		out.Exceptions = rg.filterExceptions(report.Exceptions)
	} else {
		out.Exceptions = nil
	}
	if !rg.config.IncludeRunInfo {
		out.Run = nil
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(&out); err != nil {
		return fmt.Errorf("failed to encode JSON report: %w", err)
	}
	return nil
}

var csvHeader = []string{
	"record_type", "id", "transaction_id", "ledger_entry_id", "type", "status", "confidence", "detail",
}

// generateCSVReport writes one row per match and per exception
func (rg *ReportGenerator) generateCSVReport(report *SessionReport, writer io.Writer) error {
	w := csv.NewWriter(writer)
	w.Comma = rg.config.CSVDelimiter

	if rg.config.CSVHeaders {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}

	if rg.config.IncludeMatches {
		for _, m := range report.Matches {
			row := []string{
				"match", m.ID, m.TransactionID, m.LedgerEntryID, string(m.Type), string(m.Status),
				fmt.Sprintf("%.4f", m.Confidence), formatCriteria(m.Criteria),
			}
			if err := w.Write(row); err != nil {
				return fmt.Errorf("failed to write match row: %w", err)
			}
		}
	}

	if rg.config.IncludeExceptions {
		for _, exc := range rg.filterExceptions(report.Exceptions) {
			status := "OPEN"
			if !exc.IsOpen() {
				status = string(exc.Resolution)
			}
			row := []string{
				"exception", exc.ID, exc.TransactionID, "", string(exc.Type), status, "", describeException(exc),
			}
			if err := w.Write(row); err != nil {
				return fmt.Errorf("failed to write exception row: %w", err)
			}
		}
	}

	w.Flush()
	return w.Error()
}

func (rg *ReportGenerator) filterExceptions(exceptions []*models.Exception) []*models.Exception {
	if rg.config.IncludeResolved {
		return exceptions
	}
	open := make([]*models.Exception, 0, len(exceptions))
	for _, exc := range exceptions {
		if exc.IsOpen() {
			open = append(open, exc)
		}
	}
	return open
}

func (rg *ReportGenerator) limit(n int) int {
	if rg.config.MaxItems > 0 && n > rg.config.MaxItems {
		return rg.config.MaxItems
	}
	return n
}

func (rg *ReportGenerator) truncate(line string) string {
	if len(line) <= rg.config.TableMaxWidth {
		return line
	}
	return line[:rg.config.TableMaxWidth-3] + "..."
}

// describeException summarises the evidence of an exception in one line
func describeException(exc *models.Exception) string {
	var parts []string
	if exc.Details.Reason != "" {
		parts = append(parts, exc.Details.Reason)
	}
	if n := exc.Details.Nearest; n != nil {
		parts = append(parts, fmt.Sprintf("nearest %s (amount %s, delta %s, %d days)",
			n.LedgerEntryID, n.Amount.StringFixed(2), n.AmountDelta.StringFixed(2), n.DaysDelta))
	}
	if len(exc.CandidateIDs) > 0 {
		parts = append(parts, "candidates "+strings.Join(exc.CandidateIDs, ","))
	}
	if !exc.IsOpen() {
		parts = append(parts, fmt.Sprintf("resolved %s by %s", exc.Resolution, exc.ResolvedBy))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("pool of %d entries", exc.Details.PoolSize)
	}
	return strings.Join(parts, "; ")
}

// formatCriteria renders criteria as key=value pairs in key order
func formatCriteria(criteria models.Criteria) string {
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, criteria[k]))
	}
	return strings.Join(parts, "; ")
}
