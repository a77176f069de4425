package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"
)

func TestValidateFileExists(t *testing.T) {
	tmpDir := t.TempDir()
	validFile := filepath.Join(tmpDir, "valid.csv")
	if err := os.WriteFile(validFile, []byte("test"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	tests := []struct {
		name        string
		filePath    string
		expectError bool
	}{
		{name: "valid file", filePath: validFile, expectError: false},
		{name: "empty path", filePath: "", expectError: true},
		{name: "non-existent file", filePath: "/non/existent/file.csv", expectError: true},
		{name: "directory instead of file", filePath: tmpDir, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFileExists(tt.filePath, "test file")

			if tt.expectError && err == nil {
				t.Errorf("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		name          string
		start, end    string
		errorContains string
	}{
		{name: "iso dates", start: "2024-01-01", end: "2024-01-31"},
		{name: "us dates", start: "01/01/2024", end: "01/31/2024"},
		{name: "single day", start: "2024-01-15", end: "2024-01-15"},
		{name: "invalid start", start: "yesterday", end: "2024-01-31", errorContains: "invalid start date"},
		{name: "invalid end", start: "2024-01-01", end: "", errorContains: "invalid end date"},
		{name: "reversed", start: "2024-01-31", end: "2024-01-01", errorContains: "start date cannot be after end date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parsePeriod(tt.start, tt.end)

			if tt.errorContains != "" {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("expected error to contain '%s', got: %v", tt.errorContains, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.start.After(p.end) {
				t.Errorf("start %v after end %v", p.start, p.end)
			}
		})
	}
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		expectedCode int
		contains     []string
	}{
		{
			name:         "nil",
			err:          nil,
			expectedCode: 0,
		},
		{
			name:         "configuration error",
			err:          errors.ConfigurationError(errors.CodeInvalidConfig, "matching.profile", "loose", nil).WithSuggestion("Use default, strict or relaxed"),
			expectedCode: 4,
			contains:     []string{"Suggestion: Use default, strict or relaxed", "Configuration error help"},
		},
		{
			name:         "state error",
			err:          errors.StateError(errors.CodeSessionNotInProgress, "S-1", "COMPLETED"),
			expectedCode: 5,
			contains:     []string{"Session state help"},
		},
		{
			name:         "integrity error",
			err:          errors.IntegrityError(errors.CodeLedgerEntryClaimed, "LE-1", nil),
			expectedCode: 7,
			contains:     []string{"Integrity error help"},
		},
		{
			name:         "wrapped reconciler error",
			err:          fmt.Errorf("run failed: %w", errors.ResourceError(errors.CodeStoreUnavailable, "open database", nil)),
			expectedCode: 6,
			contains:     []string{"Resource error help"},
		},
		{
			name: "error summary",
			err: errors.NewErrorSummary([]*errors.ReconcilerError{
				errors.ValidationError(errors.CodeMissingField, "amount", "", nil),
			}),
			expectedCode: 3,
		},
		{
			name:         "missing file",
			err:          fmt.Errorf("open bank.csv: %w", os.ErrNotExist),
			expectedCode: 2,
			contains:     []string{"File not found"},
		},
		{
			name:         "generic error",
			err:          fmt.Errorf("something broke"),
			expectedCode: 1,
			contains:     []string{"Error: something broke"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &CLIErrorHandler{logger: logger.NewNopLogger(), out: &buf}

			code := h.HandleError(tt.err)
			if code != tt.expectedCode {
				t.Errorf("expected exit code %d, got %d", tt.expectedCode, code)
			}
			for _, s := range tt.contains {
				if !strings.Contains(buf.String(), s) {
					t.Errorf("expected output to contain %q, got:\n%s", s, buf.String())
				}
			}
		})
	}
}

func TestFormatRowErrors(t *testing.T) {
	if got := FormatRowErrors(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}

	var errs []*errors.RowError
	for i := 0; i < 12; i++ {
		errs = append(errs, errors.NewRowError(errors.CodeInvalidData,
			errors.ParseContext{File: "bank.csv", Line: i + 2}, "invalid amount", nil))
	}

	got := FormatRowErrors(errs)
	if !strings.HasPrefix(got, "Found 12 row errors:") {
		t.Errorf("unexpected header: %q", got)
	}
	if !strings.Contains(got, "... and 2 more errors") {
		t.Errorf("expected truncation line, got:\n%s", got)
	}
}

func TestCommandsRegistered(t *testing.T) {
	expected := map[string][]string{
		"import":    nil,
		"reconcile": nil,
		"serve":     nil,
		"session":   {"start", "run", "complete", "cancel", "show", "list", "confirm", "reject", "exclude", "resolve"},
	}

	for name, subcommands := range expected {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %s not registered", name)
			continue
		}
		for _, sub := range subcommands {
			if c, _, err := cmd.Find([]string{sub}); err != nil || c.Name() != sub {
				t.Errorf("command %s %s not registered", name, sub)
			}
		}
	}

	for _, flag := range []string{"account", "start", "end", "profile", "date-tolerance", "output-format", "complete"} {
		if reconcileCmd.Flags().Lookup(flag) == nil {
			t.Errorf("reconcile flag %s not found", flag)
		}
	}
}

func TestImportAndReconcile(t *testing.T) {
	tmpDir := t.TempDir()
	db := filepath.Join(tmpDir, "reconciler.db")
	bankFile := filepath.Join(tmpDir, "bank.csv")
	ledgerFile := filepath.Join(tmpDir, "ledger.csv")

	bank := "id,date,amount,description,reference\n" +
		"T1,2024-01-10,100.00,Invoice 42,INV-42\n" +
		"T2,2024-01-12,55.00,Card payment,\n"
	ledger := "id,date,amount,description,reference\n" +
		"LE-1,2024-01-10,100.00,Invoice 42 received,INV-42\n" +
		"LE-2,2024-01-20,200.00,Consulting,\n"
	if err := os.WriteFile(bankFile, []byte(bank), 0644); err != nil {
		t.Fatalf("failed to write bank file: %v", err)
	}
	if err := os.WriteFile(ledgerFile, []byte(ledger), 0644); err != nil {
		t.Fatalf("failed to write ledger file: %v", err)
	}

	execute := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append(args, "--database", db))
		defer rootCmd.SetOut(nil)

		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("%s failed: %v", strings.Join(args, " "), err)
		}
		return out.String()
	}

	out := execute("import",
		"--transactions", bankFile, "--account", "BANK-1",
		"--ledger", ledgerFile, "--ledger-account", "LEDGER-1",
		"--link", "BANK-1=LEDGER-1")
	if !strings.Contains(out, "Linked bank account BANK-1 to ledger account LEDGER-1") {
		t.Errorf("unexpected import output:\n%s", out)
	}

	out = execute("reconcile", "--account", "BANK-1", "--start", "2024-01-01", "--end", "2024-01-31",
		"--output-format", "csv", "--complete")
	if !strings.HasPrefix(out, "record_type,id,transaction_id,ledger_entry_id") {
		t.Errorf("expected CSV header, got:\n%s", out)
	}
	if !strings.Contains(out, ",T1,LE-1,EXACT,CONFIRMED,1.0000,") {
		t.Errorf("expected confirmed exact match for T1, got:\n%s", out)
	}
	if !strings.Contains(out, "exception,") || !strings.Contains(out, ",T2,,") {
		t.Errorf("expected exception for T2, got:\n%s", out)
	}

	out = execute("session", "list")
	if !strings.Contains(out, "COMPLETED") || !strings.Contains(out, "BANK-1") {
		t.Errorf("expected completed session in list, got:\n%s", out)
	}
}
