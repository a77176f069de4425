package reporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reconciliation-engine/internal/models"
	"reconciliation-engine/internal/reconciler"
	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"

	"github.com/shopspring/decimal"
)

func TestNewReportGenerator(t *testing.T) {
	tests := []struct {
		name        string
		config      *ReportConfig
		expectError bool
	}{
		{
			name:        "default config",
			config:      nil,
			expectError: false,
		},
		{
			name:        "valid config",
			config:      DefaultReportConfig(),
			expectError: false,
		},
		{
			name: "invalid format",
			config: &ReportConfig{
				Format:        "invalid",
				TableMaxWidth: 120,
			},
			expectError: true,
		},
		{
			name: "table width too small",
			config: &ReportConfig{
				Format:        FormatConsole,
				TableMaxWidth: 30,
			},
			expectError: true,
		},
		{
			name: "negative max items",
			config: &ReportConfig{
				Format:        FormatConsole,
				TableMaxWidth: 120,
				MaxItems:      -1,
			},
			expectError: true,
		},
		{
			name: "csv without delimiter",
			config: &ReportConfig{
				Format:        FormatCSV,
				TableMaxWidth: 120,
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator, err := NewReportGenerator(tt.config)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if generator == nil {
					t.Errorf("expected generator but got nil")
				}
			}
		})
	}
}

func TestOutputFormatValidation(t *testing.T) {
	tests := []struct {
		format OutputFormat
		valid  bool
	}{
		{FormatConsole, true},
		{FormatJSON, true},
		{FormatCSV, true},
		{"invalid", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			if tt.format.IsValid() != tt.valid {
				t.Errorf("expected IsValid() = %v for format %s", tt.valid, tt.format)
			}
		})
	}
}

func TestGenerateReport(t *testing.T) {
	tests := []struct {
		name        string
		config      func() *ReportConfig
		checkOutput func(t *testing.T, output string)
	}{
		{
			name:   "console format",
			config: DefaultReportConfig,
			checkOutput: func(t *testing.T, output string) {
				for _, want := range []string{
					"RECONCILIATION REPORT",
					"Session:   sess-1",
					"Period:    2024-01-01 to 2024-01-31",
					"=== SUMMARY ===",
					"Matched:             2 (40.0%)",
					"=== CONFIDENCE DISTRIBUTION ===",
					"=== OPEN EXCEPTIONS ===",
					"nearest LE-9 (amount 180.00, delta 80.00, 3 days)",
					"=== MATCHES ===",
					"=== PROCESSING STATISTICS ===",
					"ledger_entry_claimed: 1",
				} {
					if !strings.Contains(output, want) {
						t.Errorf("console output should contain %q\n%s", want, output)
					}
				}
				if strings.Contains(output, "T4") {
					t.Errorf("resolved exception should not be listed by default")
				}
				if strings.Contains(output, "M-3") || strings.Contains(output, "LE-3") {
					t.Errorf("rejected match should not be listed")
				}
			},
		},
		{
			name: "console without listings",
			config: func() *ReportConfig {
				c := DefaultReportConfig()
				c.IncludeMatches = false
				c.IncludeExceptions = false
				c.IncludeRunInfo = false
				return c
			},
			checkOutput: func(t *testing.T, output string) {
				if !strings.Contains(output, "=== SUMMARY ===") {
					t.Errorf("summary is always present")
				}
				for _, unwanted := range []string{"=== MATCHES ===", "OPEN EXCEPTIONS", "PROCESSING STATISTICS"} {
					if strings.Contains(output, unwanted) {
						t.Errorf("console output should not contain %q", unwanted)
					}
				}
			},
		},
		{
			name: "JSON format",
			config: func() *ReportConfig {
				c := DefaultReportConfig()
				c.Format = FormatJSON
				return c
			},
			checkOutput: func(t *testing.T, output string) {
				var decoded struct {
					Session    map[string]interface{}   `json:"session"`
					Statistics map[string]interface{}   `json:"statistics"`
					Matches    []map[string]interface{} `json:"matches"`
					Exceptions []map[string]interface{} `json:"exceptions"`
					Run        map[string]interface{}   `json:"run"`
				}
				if err := json.Unmarshal([]byte(output), &decoded); err != nil {
					t.Fatalf("output should be valid JSON: %v", err)
				}
				if decoded.Session["id"] != "sess-1" {
					t.Errorf("session id = %v, want sess-1", decoded.Session["id"])
				}
				if decoded.Statistics["matched"] != float64(2) {
					t.Errorf("matched = %v, want 2", decoded.Statistics["matched"])
				}
				if len(decoded.Matches) != 3 {
					t.Errorf("expected all 3 matches, got %d", len(decoded.Matches))
				}
				if len(decoded.Exceptions) != 1 {
					t.Errorf("expected only the open exception, got %d", len(decoded.Exceptions))
				}
				if decoded.Run == nil {
					t.Errorf("JSON output should contain the run")
				}
			},
		},
		{
			name: "CSV format",
			config: func() *ReportConfig {
				c := DefaultReportConfig()
				c.Format = FormatCSV
				c.IncludeResolved = true
				return c
			},
			checkOutput: func(t *testing.T, output string) {
				records, err := csv.NewReader(strings.NewReader(output)).ReadAll()
				if err != nil {
					t.Fatalf("output should be valid CSV: %v", err)
				}
				// header, 3 matches, 2 exceptions
				if len(records) != 6 {
					t.Fatalf("expected 6 CSV records, got %d", len(records))
				}
				if records[0][0] != "record_type" {
					t.Errorf("first record should be the header, got %v", records[0])
				}
				if records[1][0] != "match" || records[1][6] != "1.0000" {
					t.Errorf("unexpected match row: %v", records[1])
				}
				if records[1][7] != "amount=exact; rule=fees" {
					t.Errorf("criteria = %q", records[1][7])
				}
				if records[5][0] != "exception" || records[5][5] != "IGNORED" {
					t.Errorf("unexpected exception row: %v", records[5])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			generator, err := NewReportGenerator(tt.config())
			if err != nil {
				t.Fatalf("failed to create generator: %v", err)
			}

			var buf bytes.Buffer
			if err := generator.GenerateReport(createSampleReport(), &buf); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkOutput(t, buf.String())
		})
	}
}

func TestGenerateReport_MaxItems(t *testing.T) {
	config := DefaultReportConfig()
	config.MaxItems = 1

	generator, err := NewReportGenerator(config)
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	var buf bytes.Buffer
	if err := generator.GenerateReport(createSampleReport(), &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "... and 1 more") {
		t.Errorf("expected truncated match listing\n%s", buf.String())
	}
}

func TestGenerateReport_ComputesMissingStatistics(t *testing.T) {
	report := createSampleReport()
	report.Statistics = nil

	generator, _ := NewReportGenerator(nil)
	var buf bytes.Buffer
	if err := generator.GenerateReport(report, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Statistics == nil || report.Statistics.Matched != 2 {
		t.Errorf("statistics should be computed from records, got %+v", report.Statistics)
	}
}

func TestGenerateReport_NoSession(t *testing.T) {
	generator, _ := NewReportGenerator(nil)
	if err := generator.GenerateReport(&SessionReport{}, &bytes.Buffer{}); err == nil {
		t.Errorf("expected error for report without session")
	}
}

type fakeSource struct {
	session    *reconciler.Session
	matches    []*models.Match
	exceptions []*models.Exception
	err        error
}

func (f *fakeSource) GetSession(ctx context.Context, id string) (*reconciler.Session, error) {
	if f.session == nil || f.session.ID != id {
		return nil, apperrors.StateError(apperrors.CodeSessionNotFound, id, "unknown")
	}
	return f.session, nil
}

func (f *fakeSource) ListMatches(ctx context.Context, sessionID string) ([]*models.Match, error) {
	return f.matches, f.err
}

func (f *fakeSource) ListExceptions(ctx context.Context, sessionID string) ([]*models.Exception, error) {
	return f.exceptions, nil
}

func TestBuildReport(t *testing.T) {
	sample := createSampleReport()
	sample.Session.Statistics = nil
	src := &fakeSource{session: sample.Session, matches: sample.Matches, exceptions: sample.Exceptions}
	now := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

	report, err := BuildReport(context.Background(), src, "sess-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.GeneratedAt.Equal(now) {
		t.Errorf("generated at = %v, want %v", report.GeneratedAt, now)
	}
	if report.Statistics.TotalTransactions != 5 || report.Statistics.OpenExceptions != 1 {
		t.Errorf("unexpected statistics: %+v", report.Statistics)
	}

	if _, err := BuildReport(context.Background(), src, "missing", now); !errors.Is(err, apperrors.ErrSessionNotFound) {
		t.Errorf("expected session not found, got %v", err)
	}

	src.err = errors.New("store down")
	if _, err := BuildReport(context.Background(), src, "sess-1", now); err == nil {
		t.Errorf("expected store error to propagate")
	}
}

func TestSafeReportGenerator(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		_, err := NewSafeReportGenerator(&ReportConfig{Format: "xml", TableMaxWidth: 120}, logger.NewNopLogger())
		if !errors.Is(err, apperrors.ErrInvalidConfig) {
			t.Errorf("expected invalid config error, got %v", err)
		}
	})

	t.Run("missing inputs", func(t *testing.T) {
		srg, err := NewSafeReportGenerator(nil, logger.NewNopLogger())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := srg.GenerateReportSafely(nil, &bytes.Buffer{}); !errors.Is(err, apperrors.ErrMissingField) {
			t.Errorf("expected missing field for nil report, got %v", err)
		}
		if err := srg.GenerateReportSafely(createSampleReport(), nil); !errors.Is(err, apperrors.ErrMissingField) {
			t.Errorf("expected missing field for nil writer, got %v", err)
		}
	})

	t.Run("writes report", func(t *testing.T) {
		srg, _ := NewSafeReportGenerator(nil, logger.NewNopLogger())
		var buf bytes.Buffer
		if err := srg.GenerateReportSafely(createSampleReport(), &buf); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "RECONCILIATION REPORT") {
			t.Errorf("expected console report")
		}
	})

	t.Run("falls back to console", func(t *testing.T) {
		config := DefaultReportConfig()
		config.Format = FormatJSON
		srg, _ := NewSafeReportGenerator(config, logger.NewNopLogger())

		report := createSampleReport()
		report.Matches[0].Criteria["bad"] = func() {}

		var buf bytes.Buffer
		if err := srg.GenerateReportSafely(report, &buf); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		output := buf.String()
		if !strings.Contains(output, "NOTE: Report generated in fallback format") {
			t.Errorf("expected fallback notice\n%s", output)
		}
		if !strings.Contains(output, "=== SUMMARY ===") {
			t.Errorf("expected console report after the notice")
		}
	})
}

func TestSafeReportGenerator_WriteReportFile(t *testing.T) {
	srg, _ := NewSafeReportGenerator(nil, logger.NewNopLogger())
	path := filepath.Join(t.TempDir(), "reports", "sess-1.txt")

	written, err := srg.WriteReportFile(createSampleReport(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != path {
		t.Errorf("written path = %s, want %s", written, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read report: %v", err)
	}
	if !strings.Contains(string(data), "Session:   sess-1") {
		t.Errorf("unexpected report contents\n%s", data)
	}
}

// createSampleReport builds a session with two active matches, one rejected
// match, one open exception and one resolved exception
func createSampleReport() *SessionReport {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	created := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)

	session := &reconciler.Session{
		ID:          "sess-1",
		AccountID:   "BANK-1",
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      reconciler.SessionInProgress,
		StartedAt:   created,
	}

	matches := []*models.Match{
		{
			ID: "M-1", SessionID: "sess-1", TransactionID: "T1", LedgerEntryID: "LE-1",
			Type: models.MatchTypeRule, Confidence: 1.0, Status: models.MatchConfirmed,
			Criteria: models.Criteria{"rule": "fees", "amount": "exact"}, CreatedAt: created,
		},
		{
			ID: "M-2", SessionID: "sess-1", TransactionID: "T2", LedgerEntryID: "LE-2",
			Type: models.MatchTypeFuzzy, Confidence: 0.8, Status: models.MatchPending,
			Criteria: models.Criteria{"amount": 0.99}, CreatedAt: created,
		},
		{
			ID: "M-3", SessionID: "sess-1", TransactionID: "T5", LedgerEntryID: "LE-3",
			Type: models.MatchTypeFuzzy, Confidence: 0.76, Status: models.MatchRejected,
			Criteria: models.Criteria{}, CreatedAt: created,
		},
	}

	resolvedAt := created.Add(time.Hour)
	exceptions := []*models.Exception{
		{
			ID: "E-1", SessionID: "sess-1", TransactionID: "T3", Type: models.ExceptionAmountMismatch,
			Details: models.ExceptionDetails{
				PoolSize: 4,
				Nearest: &models.CandidateSummary{
					LedgerEntryID: "LE-9",
					Amount:        decimal.RequireFromString("180"),
					AmountDelta:   decimal.RequireFromString("80"),
					DaysDelta:     3,
				},
			},
			CreatedAt: created,
		},
		{
			ID: "E-2", SessionID: "sess-1", TransactionID: "T4", Type: models.ExceptionNoMatchFound,
			Resolution: models.ResolutionIgnored, ResolvedAt: &resolvedAt, ResolvedBy: "alice",
			CreatedAt: created,
		},
	}

	stats := reconciler.ComputeStatistics(matches, exceptions, 0)
	session.Statistics = stats

	return &SessionReport{
		GeneratedAt: created,
		Session:     session,
		Statistics:  stats,
		Matches:     matches,
		Exceptions:  exceptions,
		Run: &reconciler.RunResult{
			Considered: 4,
			Processed:  4,
			Matched:    2,
			Exceptions: 1,
			Errors: apperrors.NewErrorSummary([]*apperrors.ReconcilerError{
				apperrors.IntegrityError(apperrors.CodeLedgerEntryClaimed, "LE-7", nil),
			}),
		},
	}
}
