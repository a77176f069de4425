package reporter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"
)

// SafeReportGenerator wraps ReportGenerator with input validation, logging
// and fallbacks
type SafeReportGenerator struct {
	*ReportGenerator
	logger logger.Logger
}

// NewSafeReportGenerator creates a new safe report generator
func NewSafeReportGenerator(config *ReportConfig, log logger.Logger) (*SafeReportGenerator, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	generator, err := NewReportGenerator(config)
	if err != nil {
		return nil, errors.ConfigurationError(
			errors.CodeInvalidConfig,
			"report_config",
			config,
			err,
		).WithSuggestion("Check the report configuration values")
	}

	return &SafeReportGenerator{
		ReportGenerator: generator,
		logger:          log.WithComponent("reporter"),
	}, nil
}

// GenerateReportSafely generates a report, falling back to the console
// format when a structured format fails
func (srg *SafeReportGenerator) GenerateReportSafely(report *SessionReport, writer io.Writer) error {
	srg.logger.WithFields(logger.Fields{
		"format": srg.config.Format,
		"output": getWriterDescription(writer),
	}).Info("Starting report generation")

	if err := srg.validateInputs(report, writer); err != nil {
		srg.logger.WithError(err).Error("Report generation failed: input validation")
		return err
	}

	if err := srg.generateWithFallback(report, writer); err != nil {
		srg.logger.WithError(err).Error("Report generation failed")
		return err
	}

	srg.logger.WithField("session_id", report.Session.ID).Info("Report generation completed successfully")
	return nil
}

// WriteReportFile writes the report to path, creating parent directories.
// When path cannot be created the report goes to a backup file in the
// temp directory; the returned path is the one actually written.
func (srg *SafeReportGenerator) WriteReportFile(report *SessionReport, path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.ResourceError(errors.CodeStoreUnavailable, "create_report_dir", err).
			WithContext("path", path)
	}

	file, err := os.Create(path)
	if err != nil {
		backupPath := generateBackupPath(path)
		srg.logger.WithFields(logger.Fields{
			"original_file": path,
			"backup_file":   backupPath,
		}).WithError(err).Warn("Cannot create report file, attempting backup location")

		file, err = os.Create(backupPath)
		if err != nil {
			return "", errors.ResourceError(errors.CodeStoreUnavailable, "create_report_file", err).
				WithContext("path", path).
				WithSuggestion("Check that the output directory is writable")
		}
		path = backupPath
	}
	defer file.Close()

	if err := srg.GenerateReportSafely(report, file); err != nil {
		return "", err
	}
	return path, nil
}

// validateInputs validates the inputs for report generation
func (srg *SafeReportGenerator) validateInputs(report *SessionReport, writer io.Writer) error {
	if report == nil || report.Session == nil {
		return errors.ValidationError(
			errors.CodeMissingField,
			"report",
			nil,
			nil,
		).WithSuggestion("Load the session before generating a report")
	}

	if writer == nil {
		return errors.ValidationError(
			errors.CodeMissingField,
			"writer",
			nil,
			nil,
		).WithSuggestion("Provide a valid output writer")
	}

	return nil
}

// generateWithFallback attempts the configured format first
func (srg *SafeReportGenerator) generateWithFallback(report *SessionReport, writer io.Writer) error {
	err := srg.GenerateReport(report, writer)
	if err == nil {
		return nil
	}

	if srg.config.Format == FormatConsole {
		return srg.wrapGenerationError(err)
	}

	srg.logger.WithError(err).Warn("Primary report generation failed, attempting fallback")

	fallbackConfig := *srg.config
	fallbackConfig.Format = FormatConsole
	fallbackGenerator, ferr := NewReportGenerator(&fallbackConfig)
	if ferr != nil {
		return srg.wrapGenerationError(err)
	}

	fmt.Fprintf(writer, "NOTE: Report generated in fallback format due to error with requested format\n")
	fmt.Fprintf(writer, "Original error: %v\n\n", err)

	if ferr := fallbackGenerator.GenerateReport(report, writer); ferr != nil {
		return errors.InternalError(
			errors.CodeUnexpectedError,
			"report_fallback",
			fmt.Errorf("both primary and fallback generation failed: primary=%v, fallback=%v", err, ferr),
		)
	}

	srg.logger.WithField("fallback_format", FormatConsole).Info("Report generated successfully using format fallback")
	return nil
}

// wrapGenerationError wraps generation errors with context
func (srg *SafeReportGenerator) wrapGenerationError(err error) error {
	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return reconcilerErr
	}

	return errors.InternalError(
		errors.CodeUnexpectedError,
		"report_generation",
		err,
	).WithSuggestion("Check the output destination and report format settings")
}

func generateBackupPath(originalPath string) string {
	base := filepath.Base(originalPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]

	return filepath.Join(os.TempDir(), fmt.Sprintf("%s_backup%s", name, ext))
}

func getWriterDescription(writer io.Writer) string {
	switch w := writer.(type) {
	case *os.File:
		if w.Name() != "" {
			return fmt.Sprintf("file:%s", w.Name())
		}
		return "file:unnamed"
	default:
		return fmt.Sprintf("writer:%T", writer)
	}
}
