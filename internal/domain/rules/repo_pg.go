package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openclinic/cdss/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Rule Repository ===========

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

func (r *ruleRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const ruleCols = `id, rule_code, module_code, name, description, trigger_condition,
	alert_severity, alert_title, alert_message, recommendations, clinical_thresholds,
	dak_reference, guideline_version, evidence_quality, who_guideline_reference,
	is_active, version, created_at, updated_at, created_by`

func (r *ruleRepoPG) scanRule(row pgx.Row) (*RuleDefinition, error) {
	var (
		rule           RuleDefinition
		condJSON       []byte
		recsJSON       []byte
		thresholdsJSON []byte
	)
	err := row.Scan(&rule.ID, &rule.RuleCode, &rule.ModuleCode, &rule.Name, &rule.Description, &condJSON,
		&rule.AlertSeverity, &rule.AlertTitle, &rule.AlertMessage, &recsJSON, &thresholdsJSON,
		&rule.DAKReference, &rule.GuidelineVersion, &rule.EvidenceQuality, &rule.WHOGuidelineReference,
		&rule.IsActive, &rule.Version, &rule.CreatedAt, &rule.UpdatedAt, &rule.CreatedBy)
	if err != nil {
		return nil, err
	}
	if len(condJSON) > 0 {
		if err := json.Unmarshal(condJSON, &rule.TriggerCondition); err != nil {
			return nil, fmt.Errorf("decode trigger_condition for %s: %w", rule.RuleCode, err)
		}
	}
	if len(recsJSON) > 0 {
		if err := json.Unmarshal(recsJSON, &rule.Recommendations); err != nil {
			return nil, fmt.Errorf("decode recommendations for %s: %w", rule.RuleCode, err)
		}
	}
	if len(thresholdsJSON) > 0 {
		if err := json.Unmarshal(thresholdsJSON, &rule.ClinicalThresholds); err != nil {
			return nil, fmt.Errorf("decode clinical_thresholds for %s: %w", rule.RuleCode, err)
		}
	}
	return &rule, nil
}

func marshalNullable(v interface{}, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}

func (r *ruleRepoPG) UpsertByCode(ctx context.Context, rule *RuleDefinition) error {
	condJSON, err := marshalNullable(rule.TriggerCondition, rule.TriggerCondition == nil)
	if err != nil {
		return fmt.Errorf("encode trigger_condition: %w", err)
	}
	recsJSON, err := marshalNullable(rule.Recommendations, rule.Recommendations == nil)
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}
	thresholdsJSON, err := marshalNullable(rule.ClinicalThresholds, rule.ClinicalThresholds == nil)
	if err != nil {
		return fmt.Errorf("encode clinical_thresholds: %w", err)
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO rule_definition (id, rule_code, module_code, name, description, trigger_condition,
			alert_severity, alert_title, alert_message, recommendations, clinical_thresholds,
			dak_reference, guideline_version, evidence_quality, who_guideline_reference,
			is_active, version, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (rule_code) DO UPDATE SET
			module_code=EXCLUDED.module_code, name=EXCLUDED.name, description=EXCLUDED.description,
			trigger_condition=EXCLUDED.trigger_condition, alert_severity=EXCLUDED.alert_severity,
			alert_title=EXCLUDED.alert_title, alert_message=EXCLUDED.alert_message,
			recommendations=EXCLUDED.recommendations, clinical_thresholds=EXCLUDED.clinical_thresholds,
			dak_reference=EXCLUDED.dak_reference, guideline_version=EXCLUDED.guideline_version,
			evidence_quality=EXCLUDED.evidence_quality, who_guideline_reference=EXCLUDED.who_guideline_reference,
			is_active=EXCLUDED.is_active, version=EXCLUDED.version, updated_at=NOW()`,
		rule.ID, rule.RuleCode, rule.ModuleCode, rule.Name, rule.Description, condJSON,
		rule.AlertSeverity, rule.AlertTitle, rule.AlertMessage, recsJSON, thresholdsJSON,
		rule.DAKReference, rule.GuidelineVersion, rule.EvidenceQuality, rule.WHOGuidelineReference,
		rule.IsActive, rule.Version, rule.CreatedBy)
	return err
}

func (r *ruleRepoPG) GetByCode(ctx context.Context, ruleCode string) (*RuleDefinition, error) {
	return r.scanRule(r.conn(ctx).QueryRow(ctx, `SELECT `+ruleCols+` FROM rule_definition WHERE rule_code = $1`, ruleCode))
}

func (r *ruleRepoPG) GetByModule(ctx context.Context, moduleCode string, activeOnly bool) ([]*RuleDefinition, error) {
	query := `SELECT ` + ruleCols + ` FROM rule_definition WHERE module_code = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY rule_code`
	rows, err := r.conn(ctx).Query(ctx, query, moduleCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *ruleRepoPG) GetAllActive(ctx context.Context) ([]*RuleDefinition, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+ruleCols+` FROM rule_definition WHERE is_active ORDER BY module_code, rule_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collect(rows)
}

func (r *ruleRepoPG) List(ctx context.Context, moduleCode string, activeOnly bool, limit, offset int) ([]*RuleDefinition, int, error) {
	where := ` WHERE 1=1`
	args := []interface{}{}
	if moduleCode != "" {
		args = append(args, moduleCode)
		where += fmt.Sprintf(` AND module_code = $%d`, len(args))
	}
	if activeOnly {
		where += ` AND is_active`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM rule_definition`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT `+ruleCols+` FROM rule_definition`+where+` ORDER BY module_code, rule_code LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *ruleRepoPG) ListModuleCodes(ctx context.Context) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT DISTINCT module_code FROM rule_definition WHERE is_active ORDER BY module_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (r *ruleRepoPG) Deactivate(ctx context.Context, ruleCode string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE rule_definition SET is_active = false, updated_at = NOW() WHERE rule_code = $1`, ruleCode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *ruleRepoPG) collect(rows pgx.Rows) ([]*RuleDefinition, error) {
	var items []*RuleDefinition
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rule)
	}
	return items, rows.Err()
}

// =========== Ingestion Job Repository ===========

type ingestionJobRepoPG struct{ pool *pgxpool.Pool }

func NewIngestionJobRepoPG(pool *pgxpool.Pool) IngestionJobRepository {
	return &ingestionJobRepoPG{pool: pool}
}

func (r *ingestionJobRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const jobCols = `id, status, source_descriptor, size_bytes, processed_count, updated_count,
	error_count, errors, started_at, completed_at, uploaded_by`

func (r *ingestionJobRepoPG) scanJob(row pgx.Row) (*IngestionJob, error) {
	var (
		job        IngestionJob
		errorsJSON []byte
	)
	err := row.Scan(&job.ID, &job.Status, &job.SourceDescriptor, &job.SizeBytes, &job.ProcessedCount, &job.UpdatedCount,
		&job.ErrorCount, &errorsJSON, &job.StartedAt, &job.CompletedAt, &job.UploadedBy)
	if err != nil {
		return nil, err
	}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &job.Errors); err != nil {
			return nil, fmt.Errorf("decode job errors for %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

func (r *ingestionJobRepoPG) Create(ctx context.Context, job *IngestionJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	errorsJSON, err := marshalNullable(job.Errors, job.Errors == nil)
	if err != nil {
		return fmt.Errorf("encode job errors: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO rule_ingestion_job (id, status, source_descriptor, size_bytes, processed_count,
			updated_count, error_count, errors, started_at, uploaded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		job.ID, job.Status, job.SourceDescriptor, job.SizeBytes, job.ProcessedCount,
		job.UpdatedCount, job.ErrorCount, errorsJSON, job.StartedAt, job.UploadedBy)
	return err
}

func (r *ingestionJobRepoPG) Update(ctx context.Context, job *IngestionJob) error {
	errorsJSON, err := marshalNullable(job.Errors, job.Errors == nil)
	if err != nil {
		return fmt.Errorf("encode job errors: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE rule_ingestion_job SET status=$2, processed_count=$3, updated_count=$4,
			error_count=$5, errors=$6, completed_at=$7, updated_at=NOW()
		WHERE id = $1`,
		job.ID, job.Status, job.ProcessedCount, job.UpdatedCount,
		job.ErrorCount, errorsJSON, job.CompletedAt)
	return err
}

func (r *ingestionJobRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*IngestionJob, error) {
	return r.scanJob(r.conn(ctx).QueryRow(ctx, `SELECT `+jobCols+` FROM rule_ingestion_job WHERE id = $1`, id))
}

func (r *ingestionJobRepoPG) List(ctx context.Context, limit, offset int) ([]*IngestionJob, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM rule_ingestion_job`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+jobCols+` FROM rule_ingestion_job ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*IngestionJob
	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, job)
	}
	return items, total, rows.Err()
}
