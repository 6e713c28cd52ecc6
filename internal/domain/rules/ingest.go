package rules

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openclinic/cdss/internal/platform/telemetry"
)

// DefaultBatchSize is the number of accepted rows committed per transaction.
const DefaultBatchSize = 100

// ErrMissingColumns is returned when the feed's header row lacks a required
// column. It is the only failure that aborts a job before any row runs.
var ErrMissingColumns = errors.New("missing required columns")

// Feed column names. The first three are required in the header row.
const (
	colRuleCode        = "rule_identifier"
	colAlertMessage    = "display_to_health_worker"
	colModuleCode      = "applicable_module"
	colDAKReference    = "dak_source_id"
	colGuidelineVer    = "guideline_doc_version"
	colEvidenceRating  = "evidence_rating"
	colIsActive        = "is_rule_active"
	colName            = "rule_name"
	colDescription     = "rule_description"
	colSeverity        = "alert_severity"
	colAlertTitle      = "alert_title"
	colAlertBody       = "alert_message"
	colRecommendations = "recommendations"
	colConditions      = "trigger_conditions"
	colWHOReference    = "who_guideline_ref"
	colThresholds      = "clinical_thresholds"
	colVersion         = "version"
)

var requiredColumns = []string{colRuleCode, colAlertMessage, colModuleCode}

// Pipeline streams a bulk rule feed into the rule store: it validates and
// normalizes each row, buffers accepted rows into fixed-size batches, and
// commits each batch as one serializable transaction. A failed batch rolls
// back whole and the job continues with the next one.
type Pipeline struct {
	rules     RuleRepository
	jobs      IngestionJobRepository
	tx        TxRunner
	cache     *Cache
	batchSize int
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

func NewPipeline(rules RuleRepository, jobs IngestionJobRepository, tx TxRunner, cache *Cache,
	batchSize int, logger zerolog.Logger, metrics *telemetry.Metrics) *Pipeline {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Pipeline{
		rules:     rules,
		jobs:      jobs,
		tx:        tx,
		cache:     cache,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
	}
}

// Ingest runs one bulk feed to completion and returns its job record. The
// returned error is non-nil only for job-fatal failures (missing header
// columns, job bookkeeping failures, cancellation); row rejections and batch
// rollbacks are recorded on the job and never fail the call.
func (p *Pipeline) Ingest(ctx context.Context, src io.Reader, sourceDescriptor string, sizeBytes int64, uploadedBy string) (*IngestionJob, error) {
	job := &IngestionJob{
		ID:               uuid.New(),
		Status:           JobStatusPending,
		SourceDescriptor: sourceDescriptor,
		SizeBytes:        sizeBytes,
		StartedAt:        time.Now(),
	}
	if uploadedBy != "" {
		job.UploadedBy = &uploadedBy
	}
	if err := p.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create ingestion job: %w", err)
	}
	job.Status = JobStatusProcessing
	if err := p.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("mark job processing: %w", err)
	}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	columns, err := p.readHeader(reader)
	if err != nil {
		return p.failJob(ctx, job, err)
	}

	var (
		buffer  []*RuleDefinition
		rowNum  = 1 // header row
		batcher = batchState{job: job}
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			p.rejectRow(job, rowNum, fmt.Sprintf("unreadable row: %v", err))
			continue
		}

		job.ProcessedCount++
		p.metrics.AddRowsProcessed(1)

		rule, rowErr := p.parseRow(columns, record, rowNum, uploadedBy)
		if rowErr != "" {
			p.rejectRow(job, rowNum, rowErr)
			continue
		}

		buffer = append(buffer, rule)
		if len(buffer) == p.batchSize {
			p.commitBatch(ctx, &batcher, buffer)
			buffer = buffer[:0]
			// Cancellation is honored only on batch boundaries so a committed
			// batch is never half-undone.
			if ctx.Err() != nil {
				job.Errors = append(job.Errors, "ingestion cancelled")
				return p.failJob(ctx, job, ctx.Err())
			}
		}
	}
	if len(buffer) > 0 {
		p.commitBatch(ctx, &batcher, buffer)
	}

	now := time.Now()
	job.Status = JobStatusCompleted
	job.CompletedAt = &now
	if err := p.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("finalize ingestion job: %w", err)
	}

	p.logger.Info().
		Stringer("job_id", job.ID).
		Int("processed", job.ProcessedCount).
		Int("updated", job.UpdatedCount).
		Int("errors", job.ErrorCount).
		Msg("rule ingestion finished")
	return job, nil
}

// readHeader validates that every required column is present and returns the
// name-to-index map for the optional ones.
func (p *Pipeline) readHeader(reader *csv.Reader) (map[string]int, error) {
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable header row: %v", ErrMissingColumns, err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	var missing []string
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return columns, nil
}

// parseRow normalizes one data row into a RuleDefinition. It returns a
// non-empty rejection message when the row fails validation; lenient
// sub-field failures only log a warning and leave the field absent.
func (p *Pipeline) parseRow(columns map[string]int, record []string, rowNum int, uploadedBy string) (*RuleDefinition, string) {
	field := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	ruleCode := field(colRuleCode)
	alertMessage := field(colAlertMessage)
	moduleCode := strings.ToUpper(field(colModuleCode))

	if ruleCode == "" {
		return nil, fmt.Sprintf("row %d: missing rule_identifier", rowNum)
	}
	if alertMessage == "" {
		return nil, fmt.Sprintf("row %d: missing display_to_health_worker", rowNum)
	}
	if moduleCode == "" {
		return nil, fmt.Sprintf("row %d: missing applicable_module", rowNum)
	}
	if !ValidModuleCode(moduleCode) {
		return nil, fmt.Sprintf("row %d: invalid module code %q", rowNum, moduleCode)
	}

	rule := &RuleDefinition{
		RuleCode:      ruleCode,
		ModuleCode:    moduleCode,
		AlertMessage:  alertMessage,
		AlertSeverity: strings.ToLower(field(colSeverity)),
		IsActive:      true,
		Version:       "1.0",
	}
	if uploadedBy != "" {
		rule.CreatedBy = &uploadedBy
	}
	if v := field(colName); v != "" {
		rule.Name = &v
	}
	if v := field(colDescription); v != "" {
		rule.Description = &v
	}
	if v := field(colAlertTitle); v != "" {
		rule.AlertTitle = &v
	}
	// The dedicated alert_message column, when present, wins over the
	// display_to_health_worker shorthand.
	if v := field(colAlertBody); v != "" {
		rule.AlertMessage = v
	}
	if v := field(colDAKReference); v != "" {
		rule.DAKReference = &v
	}
	if v := field(colGuidelineVer); v != "" {
		rule.GuidelineVersion = &v
	}
	if v := field(colWHOReference); v != "" {
		rule.WHOGuidelineReference = &v
	}
	if v := field(colVersion); v != "" {
		rule.Version = v
	}
	if v := field(colIsActive); v != "" {
		rule.IsActive = parseBool(v)
	}
	if v := field(colEvidenceRating); v != "" {
		quality := strings.ToUpper(v)
		if !ValidEvidenceQuality(quality) {
			return nil, fmt.Sprintf("row %d: invalid evidence rating %q", rowNum, v)
		}
		rule.EvidenceQuality = &quality
	}

	if raw := field(colConditions); raw != "" {
		tree, err := ParseConditionTree(raw)
		if err != nil {
			p.logger.Warn().Err(err).Str("rule_code", ruleCode).Int("row", rowNum).
				Msg("malformed trigger condition, stored without one")
		} else {
			rule.TriggerCondition = tree
		}
	}
	if raw := field(colRecommendations); raw != "" {
		var recs []string
		if err := json.Unmarshal([]byte(raw), &recs); err != nil {
			p.logger.Warn().Err(err).Str("rule_code", ruleCode).Int("row", rowNum).
				Msg("malformed recommendations list, stored without one")
		} else {
			rule.Recommendations = recs
		}
	}
	if raw := field(colThresholds); raw != "" {
		var thresholds map[string]float64
		if err := json.Unmarshal([]byte(raw), &thresholds); err != nil {
			p.logger.Warn().Err(err).Str("rule_code", ruleCode).Int("row", rowNum).
				Msg("malformed clinical thresholds, stored without them")
		} else {
			rule.ClinicalThresholds = thresholds
		}
	}
	return rule, ""
}

type batchState struct {
	job     *IngestionJob
	batches int
}

// commitBatch writes one batch as a single serializable transaction. Success
// adds the batch to updatedCount and invalidates every module it touched;
// failure rolls the whole batch back and charges its full size to
// errorCount, so the two counters never overstate success.
func (p *Pipeline) commitBatch(ctx context.Context, state *batchState, batch []*RuleDefinition) {
	state.batches++
	err := p.tx.RunSerializable(ctx, func(txCtx context.Context) error {
		for _, rule := range batch {
			if err := p.rules.UpsertByCode(txCtx, rule); err != nil {
				return fmt.Errorf("upsert %s: %w", rule.RuleCode, err)
			}
		}
		return nil
	})
	if err != nil {
		state.job.ErrorCount += len(batch)
		state.job.Errors = append(state.job.Errors,
			fmt.Sprintf("batch %d rolled back (%d rows): %v", state.batches, len(batch), err))
		p.metrics.AddRowErrors(len(batch))
		p.metrics.IncBatchRollbacks()
		p.logger.Error().Err(err).Int("batch", state.batches).Int("rows", len(batch)).
			Msg("rule batch rolled back")
		return
	}

	state.job.UpdatedCount += len(batch)
	p.metrics.AddRowsUpdated(len(batch))

	touched := make(map[string]bool)
	for _, rule := range batch {
		touched[rule.ModuleCode] = true
	}
	for module := range touched {
		p.cache.Invalidate(module)
	}

	if err := p.jobs.Update(ctx, state.job); err != nil {
		p.logger.Warn().Err(err).Stringer("job_id", state.job.ID).
			Msg("failed to persist ingestion progress")
	}
}

func (p *Pipeline) rejectRow(job *IngestionJob, rowNum int, msg string) {
	job.ErrorCount++
	job.Errors = append(job.Errors, msg)
	p.metrics.AddRowErrors(1)
	p.logger.Debug().Int("row", rowNum).Str("reason", msg).Msg("rule row rejected")
}

func (p *Pipeline) failJob(ctx context.Context, job *IngestionJob, cause error) (*IngestionJob, error) {
	now := time.Now()
	job.Status = JobStatusFailed
	job.CompletedAt = &now
	job.Errors = append(job.Errors, cause.Error())
	// The job record must still be written when the caller's context is gone.
	if err := p.jobs.Update(context.WithoutCancel(ctx), job); err != nil {
		p.logger.Error().Err(err).Stringer("job_id", job.ID).Msg("failed to persist failed job")
	}
	return job, cause
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "t", "1", "yes", "y":
		return true
	}
	return false
}
