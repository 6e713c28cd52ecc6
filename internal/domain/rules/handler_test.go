package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type handlerFixture struct {
	repo    *mockRuleRepo
	jobs    *mockJobRepo
	cache   *Cache
	handler *Handler
}

func newHandlerFixture() *handlerFixture {
	repo := newMockRuleRepo()
	jobs := newMockJobRepo()
	cache := NewCache(repo, time.Minute, zerolog.Nop())
	svc := NewService(repo, jobs, cache, zerolog.Nop(), nil)
	pipeline := NewPipeline(repo, jobs, &mockTxRunner{repo: repo}, cache, 10, zerolog.Nop(), nil)
	return &handlerFixture{
		repo:    repo,
		jobs:    jobs,
		cache:   cache,
		handler: NewHandler(svc, pipeline, cache, NewVerifier(repo)),
	}
}

func jsonRequest(method, target, body string) (*http.Request, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req, httptest.NewRecorder()
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func TestHandler_EvaluateRules(t *testing.T) {
	f := newHandlerFixture()
	ctx := context.Background()
	f.repo.UpsertByCode(ctx, testRule("R1", "ANC", SeverityYellow))
	f.repo.UpsertByCode(ctx, testRule("R2", "ANC", SeverityRed))

	e := echo.New()
	req, rec := jsonRequest(http.MethodPost, "/api/v1/rules/evaluate",
		`{"module_code":"ANC","observations":{"x":5}}`)
	c := e.NewContext(req, rec)

	if err := f.handler.EvaluateRules(c); err != nil {
		t.Fatalf("EvaluateRules() error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp evaluateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AlertCount != 2 || len(resp.Alerts) != 2 {
		t.Fatalf("AlertCount = %d, want 2", resp.AlertCount)
	}
	if resp.Alerts[0].AlertSeverity != SeverityRed {
		t.Errorf("alerts not ranked, first severity = %s", resp.Alerts[0].AlertSeverity)
	}
}

func TestHandler_EvaluateRules_NoMatchesReturnsEmptyList(t *testing.T) {
	f := newHandlerFixture()
	e := echo.New()
	req, rec := jsonRequest(http.MethodPost, "/api/v1/rules/evaluate",
		`{"module_code":"ANC","observations":{}}`)
	c := e.NewContext(req, rec)

	if err := f.handler.EvaluateRules(c); err != nil {
		t.Fatalf("EvaluateRules() error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"alerts":[]`) {
		t.Errorf("alerts should serialize as [], got %s", rec.Body.String())
	}
}

func TestHandler_EvaluateRules_BadRequests(t *testing.T) {
	f := newHandlerFixture()
	e := echo.New()

	tests := []struct {
		name string
		body string
	}{
		{"missing module code", `{"observations":{"x":1}}`},
		{"malformed module code", `{"module_code":"anc module!","observations":{}}`},
		{"invalid json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := jsonRequest(http.MethodPost, "/api/v1/rules/evaluate", tt.body)
			c := e.NewContext(req, rec)
			err := f.handler.EvaluateRules(c)
			if got := httpStatus(t, err); got != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", got)
			}
		})
	}
}

func TestHandler_ListRules_Filters(t *testing.T) {
	f := newHandlerFixture()
	ctx := context.Background()
	f.repo.UpsertByCode(ctx, testRule("R1", "ANC", SeverityRed))
	inactive := testRule("R2", "ANC", SeverityRed)
	inactive.IsActive = false
	f.repo.UpsertByCode(ctx, inactive)
	f.repo.UpsertByCode(ctx, testRule("R3", "PNC", SeverityRed))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules?module=anc&active_only=true", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := f.handler.ListRules(c); err != nil {
		t.Fatalf("ListRules() error: %v", err)
	}
	var resp struct {
		Data  []*RuleDefinition `json:"data"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 1 || len(resp.Data) != 1 || resp.Data[0].RuleCode != "R1" {
		t.Errorf("expected only active ANC rule R1, got %+v", resp.Data)
	}
}

func TestHandler_GetRule(t *testing.T) {
	f := newHandlerFixture()
	f.repo.UpsertByCode(context.Background(), testRule("R1", "ANC", SeverityRed))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules/R1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("code")
	c.SetParamValues("R1")

	if err := f.handler.GetRule(c); err != nil {
		t.Fatalf("GetRule() error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"rule_code":"R1"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/rules/NOPE", nil), httptest.NewRecorder())
	c.SetParamNames("code")
	c.SetParamValues("NOPE")
	if got := httpStatus(t, f.handler.GetRule(c)); got != http.StatusNotFound {
		t.Errorf("status = %d, want 404", got)
	}
}

func TestHandler_DeactivateRule(t *testing.T) {
	f := newHandlerFixture()
	f.repo.UpsertByCode(context.Background(), testRule("R1", "ANC", SeverityRed))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules/R1/deactivate", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("code")
	c.SetParamValues("R1")

	if err := f.handler.DeactivateRule(c); err != nil {
		t.Fatalf("DeactivateRule() error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	rule, _ := f.repo.GetByCode(context.Background(), "R1")
	if rule.IsActive {
		t.Error("rule still active after deactivation")
	}
}

func TestHandler_IngestRules_Multipart(t *testing.T) {
	f := newHandlerFixture()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "rules.csv")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte(feedHeader + "\nANC.B.1,High BP,ANC,red,,,,\n"))
	mw.Close()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules/ingest", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := f.handler.IngestRules(c); err != nil {
		t.Fatalf("IngestRules() error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var job IngestionJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != JobStatusCompleted || job.UpdatedCount != 1 {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.SourceDescriptor != "rules.csv" {
		t.Errorf("SourceDescriptor = %q, want filename", job.SourceDescriptor)
	}
	if _, err := f.repo.GetByCode(context.Background(), "ANC.B.1"); err != nil {
		t.Error("ingested rule not stored")
	}
}

func TestHandler_IngestRules_BadFeedReturnsFailedJob(t *testing.T) {
	f := newHandlerFixture()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "bad.csv")
	part.Write([]byte("rule_identifier\nR1\n"))
	mw.Close()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules/ingest", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := f.handler.IngestRules(c); err != nil {
		t.Fatalf("IngestRules() error: %v", err)
	}
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), JobStatusFailed) {
		t.Errorf("body should carry the failed job: %s", rec.Body.String())
	}
}

func TestHandler_IngestRules_MissingFile(t *testing.T) {
	f := newHandlerFixture()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rules/ingest", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	if got := httpStatus(t, f.handler.IngestRules(c)); got != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", got)
	}
}

func TestHandler_IngestionJobs(t *testing.T) {
	f := newHandlerFixture()
	job := &IngestionJob{Status: JobStatusCompleted, SourceDescriptor: "rules.csv"}
	f.jobs.Create(context.Background(), job)

	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ingestion-jobs", nil)
	rec := httptest.NewRecorder()
	if err := f.handler.ListIngestionJobs(e.NewContext(req, rec)); err != nil {
		t.Fatalf("ListIngestionJobs() error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("unexpected list body: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/ingestion-jobs/"+job.ID.String(), nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(job.ID.String())
	if err := f.handler.GetIngestionJob(c); err != nil {
		t.Fatalf("GetIngestionJob() error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), job.ID.String()) {
		t.Errorf("unexpected job body: %s", rec.Body.String())
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/ingestion-jobs/nope", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("nope")
	if got := httpStatus(t, f.handler.GetIngestionJob(c)); got != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for malformed id", got)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/ingestion-jobs/x", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	if got := httpStatus(t, f.handler.GetIngestionJob(c)); got != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown id", got)
	}
}

func TestHandler_IntegrityReport(t *testing.T) {
	f := newHandlerFixture()
	broken := testRule("R1", "ANC", SeverityRed)
	broken.Recommendations = nil
	f.repo.UpsertByCode(context.Background(), broken)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/integrity-report", nil)
	rec := httptest.NewRecorder()
	if err := f.handler.IntegrityReport(e.NewContext(req, rec)); err != nil {
		t.Fatalf("IntegrityReport() error: %v", err)
	}
	var report IntegrityReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Success || report.IncompleteRules != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestHandler_CacheEndpoints(t *testing.T) {
	f := newHandlerFixture()
	ctx := context.Background()
	f.repo.UpsertByCode(ctx, testRule("R1", "ANC", SeverityRed))
	f.cache.GetRules(ctx, "ANC", true)
	f.cache.GetRules(ctx, "ANC", true)

	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cache/stats", nil)
	rec := httptest.NewRecorder()
	if err := f.handler.CacheStats(e.NewContext(req, rec)); err != nil {
		t.Fatalf("CacheStats() error: %v", err)
	}
	var stats CacheStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 1 || stats.Keys != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss / 1 key", stats)
	}

	// Invalidation accepts a lowercase module code.
	req, rec = jsonRequest(http.MethodPost, "/api/v1/cache/invalidate", `{"module_code":"anc"}`)
	if err := f.handler.InvalidateCache(e.NewContext(req, rec)); err != nil {
		t.Fatalf("InvalidateCache() error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if f.cache.Stats().Keys != 0 {
		t.Error("cache entry survived invalidation")
	}

	// Warming with no module list defaults to every module with active rules.
	req, rec = jsonRequest(http.MethodPost, "/api/v1/cache/warm", `{}`)
	if err := f.handler.WarmCache(e.NewContext(req, rec)); err != nil {
		t.Fatalf("WarmCache() error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"warmed_modules":["ANC"]`) {
		t.Errorf("unexpected warm body: %s", rec.Body.String())
	}
	if f.cache.Stats().Keys != 2 {
		t.Errorf("expected both ANC variants warmed, got %d keys", f.cache.Stats().Keys)
	}
}
