// Package semantic provides collaborators for the semantic matching stage.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reconciliation-engine/internal/matcher"
	"reconciliation-engine/internal/models"
	apperrors "reconciliation-engine/pkg/errors"
	"reconciliation-engine/pkg/logger"

	"github.com/pkg/errors"
)

// ClientConfig holds the settings of the HTTP semantic matcher
type ClientConfig struct {
	Endpoint string
	APIKey   string
	// Timeout bounds a single request; the engine applies its own deadline on top
	Timeout time.Duration
}

// Client asks a remote model which candidate, if any, a transaction belongs to
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     logger.Logger
}

// Request is the body posted to the endpoint
type Request struct {
	Transaction *models.BankTransaction `json:"transaction"`
	Candidates  []*models.LedgerEntry   `json:"candidates"`
}

var _ matcher.SemanticMatcher = (*Client)(nil)

// NewClient creates a client for the given endpoint
func NewClient(config ClientConfig) (*Client, error) {
	if strings.TrimSpace(config.Endpoint) == "" {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "matching.semantic.endpoint", config.Endpoint,
			fmt.Errorf("endpoint is required when semantic matching is enabled"))
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.GetGlobalLogger().WithComponent("semantic_client"),
	}, nil
}

// WithHTTPClient replaces the underlying HTTP client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// SemanticMatch posts the transaction and its candidates and decodes the verdict.
// An empty candidate ID in the response means the model has no opinion.
func (c *Client) SemanticMatch(ctx context.Context, tx *models.BankTransaction, candidates []*models.LedgerEntry) (*matcher.SemanticVerdict, error) {
	body, err := json.Marshal(Request{Transaction: tx, Candidates: candidates})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal semantic request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create semantic request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "semantic request failed")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read semantic response")
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(payload, &errorResp); err == nil && errorResp.Error != "" {
			return nil, errors.Errorf("semantic endpoint error: %s (status %d)", errorResp.Error, resp.StatusCode)
		}
		return nil, errors.Errorf("semantic endpoint returned status %d", resp.StatusCode)
	}

	var verdict matcher.SemanticVerdict
	if err := json.Unmarshal(payload, &verdict); err != nil {
		return nil, errors.Wrap(err, "failed to parse semantic response")
	}

	c.logger.WithFields(logger.Fields{
		"transaction_id": tx.ID,
		"candidates":     len(candidates),
		"candidate_id":   verdict.CandidateID,
		"confidence":     verdict.Confidence,
		"duration":       time.Since(start),
	}).Debug("Semantic verdict received")

	if verdict.CandidateID == "" {
		return nil, nil
	}
	return &verdict, nil
}
