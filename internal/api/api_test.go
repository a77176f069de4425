package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reconciliation-engine/internal/models"
	"reconciliation-engine/internal/reconciler"
	"reconciliation-engine/internal/storage"
	"reconciliation-engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	t      *testing.T
	store  *storage.MemoryStore
	server *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.LinkAccount(ctx, "BANK-1", "LEDGER-1"))

	day := func(s string) time.Time {
		d, err := models.ParseDate(s)
		require.NoError(t, err)
		return d
	}
	require.NoError(t, store.SaveTransactions(ctx, []*models.BankTransaction{
		{ID: "T1", AccountID: "BANK-1", BookingDate: day("2024-01-10"), Amount: decimal.RequireFromString("100.00"),
			Description: "ACME invoice 42", Reference: "INV-42", Status: models.TransactionUnmatched},
		{ID: "T2", AccountID: "BANK-1", BookingDate: day("2024-01-12"), Amount: decimal.RequireFromString("55.00"),
			Description: "Card payment", Status: models.TransactionUnmatched},
	}))
	require.NoError(t, store.SaveLedgerEntries(ctx, []*models.LedgerEntry{
		{ID: "LE-1", AccountID: "LEDGER-1", Date: day("2024-01-10"), Amount: decimal.RequireFromString("100.00"),
			Description: "ACME invoice", Reference: "INV-42"},
		{ID: "LE-2", AccountID: "LEDGER-1", Date: day("2024-01-20"), Amount: decimal.RequireFromString("200.00"),
			Description: "Office rent"},
	}))

	clock := func() time.Time { return testNow }
	manager := reconciler.NewManager(store,
		reconciler.WithLogger(logger.NewNopLogger()),
		reconciler.WithClock(clock))

	config := DefaultConfig()
	config.Clock = clock
	return &testServer{
		t:      t,
		store:  store,
		server: NewServer(manager, store, config, logger.NewNopLogger()),
	}
}

func (ts *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (ts *testServer) startSession() string {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/sessions", gin.H{
		"accountId":   "BANK-1",
		"periodStart": "2024-01-01",
		"periodEnd":   "2024-01-31",
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())

	var session reconciler.Session
	decode(ts.t, rec, &session)
	return session.ID
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startSession()

	rec := ts.do(http.MethodPost, "/api/sessions/"+id+"/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run reconciler.RunResult
	decode(t, rec, &run)
	assert.Equal(t, 2, run.Processed)
	assert.Equal(t, 1, run.Matched)
	assert.Equal(t, 1, run.Exceptions)

	rec = ts.do(http.MethodGet, "/api/sessions/"+id+"/matches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var matches struct {
		Data []*models.Match `json:"data"`
	}
	decode(t, rec, &matches)
	require.Len(t, matches.Data, 1)
	assert.Equal(t, models.MatchTypeExact, matches.Data[0].Type)
	assert.Equal(t, models.MatchConfirmed, matches.Data[0].Status)
	assert.Equal(t, "LE-1", matches.Data[0].LedgerEntryID)

	rec = ts.do(http.MethodGet, "/api/sessions/"+id+"/exceptions?open=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var exceptions struct {
		Data []*models.Exception `json:"data"`
	}
	decode(t, rec, &exceptions)
	require.Len(t, exceptions.Data, 1)
	assert.Equal(t, "T2", exceptions.Data[0].TransactionID)

	rec = ts.do(http.MethodPost, "/api/exceptions/"+exceptions.Data[0].ID+"/resolve", gin.H{
		"resolution":    "matched",
		"ledgerEntryId": "LE-2",
		"actor":         "bob",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resolved models.Exception
	decode(t, rec, &resolved)
	assert.Equal(t, models.ResolutionMatched, resolved.Resolution)
	assert.Equal(t, "bob", resolved.ResolvedBy)

	rec = ts.do(http.MethodGet, "/api/sessions/"+id+"/matches?status=confirmed", nil)
	decode(t, rec, &matches)
	assert.Len(t, matches.Data, 2)

	rec = ts.do(http.MethodGet, "/api/sessions/"+id+"/report?format=console", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "RECONCILIATION REPORT")
	assert.Contains(t, rec.Body.String(), "Session:   "+id)

	rec = ts.do(http.MethodPost, "/api/sessions/"+id+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var completed reconciler.Session
	decode(t, rec, &completed)
	assert.Equal(t, reconciler.SessionCompleted, completed.Status)
	require.NotNil(t, completed.Statistics)
	assert.Equal(t, 2, completed.Statistics.Matched)

	rec = ts.do(http.MethodPost, "/api/matches/confirm", gin.H{
		"sessionId":     id,
		"transactionId": "T2",
		"ledgerEntryId": "LE-2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	var errBody errorResponse
	decode(t, rec, &errBody)
	assert.Equal(t, "session_not_in_progress", string(errBody.Code))

	rec = ts.do(http.MethodGet, "/api/sessions?account=BANK-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions struct {
		Data []*reconciler.Session `json:"data"`
	}
	decode(t, rec, &sessions)
	require.Len(t, sessions.Data, 1)
	assert.Equal(t, id, sessions.Data[0].ID)
}

func TestRejectAndExclude(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startSession()
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/sessions/"+id+"/run", nil).Code)

	matches, err := ts.store.ListMatches(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	req := httptest.NewRequest(http.MethodPost, "/api/matches/"+matches[0].ID+"/reject", nil)
	req.Header.Set("X-Actor", "carol")
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var rejected models.Match
	decode(t, rec, &rejected)
	assert.Equal(t, models.MatchRejected, rejected.Status)

	rec = ts.do(http.MethodPost, "/api/transactions/T1/exclude", gin.H{
		"sessionId": id,
		"reason":    "duplicate bank line",
		"actor":     "carol",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var excluded models.Match
	decode(t, rec, &excluded)
	assert.Equal(t, models.MatchExcluded, excluded.Status)
	assert.Empty(t, excluded.LedgerEntryID)

	rec = ts.do(http.MethodPost, "/api/transactions/T1/exclude", gin.H{"sessionId": id})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartSession_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{
			name:       "malformed payload",
			body:       `{"accountId":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_format",
		},
		{
			name:       "missing period",
			body:       gin.H{"accountId": "BANK-1"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_format",
		},
		{
			name:       "invalid date",
			body:       gin.H{"accountId": "BANK-1", "periodStart": "soon", "periodEnd": "2024-01-31"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_format",
		},
		{
			name:       "start after end",
			body:       gin.H{"accountId": "BANK-1", "periodStart": "2024-02-01", "periodEnd": "2024-01-01"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_period",
		},
		{
			name:       "account not linked",
			body:       gin.H{"accountId": "BANK-9", "periodStart": "2024-01-01", "periodEnd": "2024-01-31"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "account_not_linked",
		},
		{
			name:       "unknown profile",
			body:       gin.H{"accountId": "BANK-1", "periodStart": "2024-01-01", "periodEnd": "2024-01-31", "profile": "loose"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(http.MethodPost, "/api/sessions", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			var body errorResponse
			decode(t, rec, &body)
			assert.Equal(t, tt.wantCode, string(body.Code))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestStartSession_Profile(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/sessions", gin.H{
		"accountId":   "BANK-1",
		"periodStart": "01/01/2024",
		"periodEnd":   "2024-01-31",
		"profile":     "strict",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var session reconciler.Session
	decode(t, rec, &session)
	require.NotNil(t, session.Config)
	assert.Equal(t, 1, session.Config.DateToleranceDays)
	assert.Equal(t, reconciler.SessionInProgress, session.Status)
}

func TestNotFound(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		code   string
	}{
		{"session", http.MethodGet, "/api/sessions/missing", nil, "session_not_found"},
		{"session matches", http.MethodGet, "/api/sessions/missing/matches", nil, "session_not_found"},
		{"session report", http.MethodGet, "/api/sessions/missing/report", nil, "session_not_found"},
		{"run", http.MethodPost, "/api/sessions/missing/run", nil, "session_not_found"},
		{"reject", http.MethodPost, "/api/matches/missing/reject", nil, "not_found"},
		{"resolve", http.MethodPost, "/api/exceptions/missing/resolve", gin.H{"resolution": "IGNORED"}, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

			var body errorResponse
			decode(t, rec, &body)
			assert.Equal(t, tt.code, string(body.Code))
		})
	}
}

func TestSessionReport_Formats(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startSession()
	require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/sessions/"+id+"/run", nil).Code)

	rec := ts.do(http.MethodGet, "/api/sessions/"+id+"/report", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		Session    reconciler.Session    `json:"session"`
		Statistics reconciler.Statistics `json:"statistics"`
	}
	decode(t, rec, &report)
	assert.Equal(t, id, report.Session.ID)
	assert.Equal(t, 1, report.Statistics.Matched)
	assert.Equal(t, 1, report.Statistics.OpenExceptions)

	rec = ts.do(http.MethodGet, "/api/sessions/"+id+"/report?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "record_type,"))

	rec = ts.do(http.MethodGet, "/api/sessions/"+id+"/report?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelledSessionIsTerminal(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startSession()

	rec := ts.do(http.MethodPost, "/api/sessions/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled reconciler.Session
	decode(t, rec, &cancelled)
	assert.Equal(t, reconciler.SessionCancelled, cancelled.Status)

	rec = ts.do(http.MethodPost, "/api/sessions/"+id+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = ts.do(http.MethodPost, "/api/sessions/"+id+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunSession_DetachedFromRequest(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startSession()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/run", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var run reconciler.RunResult
	decode(t, rec, &run)
	assert.Equal(t, 2, run.Processed)
	assert.False(t, run.Cancelled)

	session, err := ts.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, reconciler.SessionInProgress, session.Status)
}
