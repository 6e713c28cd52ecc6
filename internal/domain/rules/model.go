package rules

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Alert severities on the fixed clinical urgency scale. Lower weight means
// more urgent; ranking sorts ascending by weight.
const (
	SeverityRed    = "red"
	SeverityPurple = "purple"
	SeverityOrange = "orange"
	SeverityYellow = "yellow"
	SeverityBlue   = "blue"
)

var severityWeight = map[string]int{
	SeverityRed:    1,
	SeverityPurple: 2,
	SeverityOrange: 3,
	SeverityYellow: 4,
	SeverityBlue:   5,
}

// SeverityWeight returns the ranking weight for a severity. Unknown
// severities rank after every known one.
func SeverityWeight(severity string) int {
	if w, ok := severityWeight[severity]; ok {
		return w
	}
	return len(severityWeight) + 1
}

var validEvidenceQuality = map[string]bool{
	"A": true, "B": true, "C": true, "D": true,
}

var moduleCodePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// RuleDefinition maps to the rule_definition table. RuleCode is the
// immutable upsert key; rows are never deleted, only deactivated.
type RuleDefinition struct {
	ID                    uuid.UUID          `db:"id" json:"id"`
	RuleCode              string             `db:"rule_code" json:"rule_code"`
	ModuleCode            string             `db:"module_code" json:"module_code"`
	Name                  *string            `db:"name" json:"name,omitempty"`
	Description           *string            `db:"description" json:"description,omitempty"`
	TriggerCondition      *ConditionNode     `db:"trigger_condition" json:"trigger_condition,omitempty"`
	AlertSeverity         string             `db:"alert_severity" json:"alert_severity"`
	AlertTitle            *string            `db:"alert_title" json:"alert_title,omitempty"`
	AlertMessage          string             `db:"alert_message" json:"alert_message"`
	Recommendations       []string           `db:"recommendations" json:"recommendations"`
	ClinicalThresholds    map[string]float64 `db:"clinical_thresholds" json:"clinical_thresholds,omitempty"`
	DAKReference          *string            `db:"dak_reference" json:"dak_reference,omitempty"`
	GuidelineVersion      *string            `db:"guideline_version" json:"guideline_version,omitempty"`
	EvidenceQuality       *string            `db:"evidence_quality" json:"evidence_quality,omitempty"`
	WHOGuidelineReference *string            `db:"who_guideline_reference" json:"who_guideline_reference,omitempty"`
	IsActive              bool               `db:"is_active" json:"is_active"`
	Version               string             `db:"version" json:"version"`
	CreatedAt             time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time          `db:"updated_at" json:"updated_at"`
	CreatedBy             *string            `db:"created_by" json:"created_by,omitempty"`
}

// Observations is the flat attribute map a caller supplies per evaluation.
// Values are scalars (string, bool, or any numeric type).
type Observations map[string]interface{}

// Alert is the transient evaluation output for one matched rule. It is not
// persisted by this subsystem; callers may persist it themselves.
type Alert struct {
	RuleCode        string                 `json:"rule_code"`
	AlertSeverity   string                 `json:"alert_severity"`
	AlertTitle      string                 `json:"alert_title"`
	AlertMessage    string                 `json:"alert_message"`
	Recommendations []string               `json:"recommendations"`
	TriggerSnapshot map[string]interface{} `json:"trigger_snapshot"`
}

// Ingestion job statuses. Transitions are one-way:
// pending -> processing -> completed | failed.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// IngestionJob maps to the rule_ingestion_job table. It is the write-once
// result record of one bulk rule feed run.
type IngestionJob struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Status           string     `db:"status" json:"status"`
	SourceDescriptor string     `db:"source_descriptor" json:"source_descriptor"`
	SizeBytes        int64      `db:"size_bytes" json:"size_bytes"`
	ProcessedCount   int        `db:"processed_count" json:"processed_count"`
	UpdatedCount     int        `db:"updated_count" json:"updated_count"`
	ErrorCount       int        `db:"error_count" json:"error_count"`
	Errors           []string   `db:"errors" json:"errors"`
	StartedAt        time.Time  `db:"started_at" json:"started_at"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UploadedBy       *string    `db:"uploaded_by" json:"uploaded_by,omitempty"`
}

// Integrity issue severities.
const (
	IssueError   = "error"
	IssueWarning = "warning"
)

// IntegrityIssue describes one structural or regulatory defect found on a
// stored rule.
type IntegrityIssue struct {
	RuleCode string `json:"rule_code"`
	Field    string `json:"field"`
	Issue    string `json:"issue"`
	Severity string `json:"severity"`
}

// ComplianceSummary expresses, per traceability dimension, the fraction of
// active rules satisfying it (0..1).
type ComplianceSummary struct {
	DAKTraceability     float64 `json:"dak_traceability"`
	GuidelineVersioning float64 `json:"guideline_versioning"`
	WHOReferencing      float64 `json:"who_referencing"`
}

// IntegrityReport aggregates the verifier's findings over all active rules.
// Success is true iff no rule carries an error-severity issue.
type IntegrityReport struct {
	GeneratedAt     time.Time         `json:"generated_at"`
	TotalRules      int               `json:"total_rules"`
	IncompleteRules int               `json:"incomplete_rules"`
	ErrorCount      int               `json:"error_count"`
	WarningCount    int               `json:"warning_count"`
	Issues          []IntegrityIssue  `json:"issues"`
	Compliance      ComplianceSummary `json:"compliance"`
	Success         bool              `json:"success"`
}

// ValidModuleCode reports whether code is a well-formed module code
// (uppercase letters, digits, underscore).
func ValidModuleCode(code string) bool {
	return moduleCodePattern.MatchString(code)
}

// ValidEvidenceQuality reports whether q is one of the allowed WHO evidence
// grades A-D. The empty string is not valid; absence is handled upstream.
func ValidEvidenceQuality(q string) bool {
	return validEvidenceQuality[q]
}
