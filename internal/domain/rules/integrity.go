package rules

import (
	"context"
	"fmt"
	"time"
)

// Verifier scans active rules for structural and regulatory defects. It is
// strictly read-only: defects are reported, never auto-corrected, and an
// incomplete rule stays evaluatable.
type Verifier struct {
	repo RuleRepository
}

func NewVerifier(repo RuleRepository) *Verifier {
	return &Verifier{repo: repo}
}

// Check audits every active rule and returns the aggregate report. A rule
// with at least one error-severity issue counts as incomplete; the report
// succeeds only when no rule is incomplete.
func (v *Verifier) Check(ctx context.Context) (*IntegrityReport, error) {
	active, err := v.repo.GetAllActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}

	report := &IntegrityReport{
		GeneratedAt: time.Now(),
		TotalRules:  len(active),
	}
	var missingDAK, missingGuideline, missingWHO int

	for _, rule := range active {
		issues := auditRule(rule)
		incomplete := false
		for _, issue := range issues {
			report.Issues = append(report.Issues, issue)
			switch issue.Severity {
			case IssueError:
				report.ErrorCount++
				incomplete = true
			case IssueWarning:
				report.WarningCount++
			}
			switch issue.Field {
			case "dak_reference":
				missingDAK++
			case "guideline_version":
				missingGuideline++
			case "who_guideline_reference":
				missingWHO++
			}
		}
		if incomplete {
			report.IncompleteRules++
		}
	}

	report.Success = report.IncompleteRules == 0
	if report.TotalRules > 0 {
		total := float64(report.TotalRules)
		report.Compliance = ComplianceSummary{
			DAKTraceability:     (total - float64(missingDAK)) / total,
			GuidelineVersioning: (total - float64(missingGuideline)) / total,
			WHOReferencing:      (total - float64(missingWHO)) / total,
		}
	} else {
		// Vacuously compliant. A passing report must not show 0%.
		report.Compliance = ComplianceSummary{
			DAKTraceability:     1,
			GuidelineVersioning: 1,
			WHOReferencing:      1,
		}
	}
	return report, nil
}

// auditRule accumulates the per-field issues of one rule. Traceability
// metadata is advisory (warnings); everything a rule needs to actually fire
// and explain itself is an error.
func auditRule(rule *RuleDefinition) []IntegrityIssue {
	var issues []IntegrityIssue
	add := func(field, msg, severity string) {
		issues = append(issues, IntegrityIssue{
			RuleCode: rule.RuleCode,
			Field:    field,
			Issue:    msg,
			Severity: severity,
		})
	}

	if rule.DAKReference == nil || *rule.DAKReference == "" {
		add("dak_reference", "missing DAK reference", IssueWarning)
	}
	if rule.GuidelineVersion == nil || *rule.GuidelineVersion == "" {
		add("guideline_version", "missing guideline version", IssueWarning)
	}
	if rule.WHOGuidelineReference == nil || *rule.WHOGuidelineReference == "" {
		add("who_guideline_reference", "missing WHO guideline reference", IssueWarning)
	}

	if rule.AlertMessage == "" {
		add("alert_message", "missing decision support message", IssueError)
	}
	if rule.ModuleCode == "" || !ValidModuleCode(rule.ModuleCode) {
		add("module_code", "missing or malformed module code", IssueError)
	}
	if rule.EvidenceQuality != nil && !ValidEvidenceQuality(*rule.EvidenceQuality) {
		add("evidence_quality", fmt.Sprintf("invalid evidence quality %q", *rule.EvidenceQuality), IssueError)
	}
	if rule.TriggerCondition.IsEmpty() {
		add("trigger_condition", "empty trigger condition, rule can never fire", IssueError)
	}
	if len(rule.Recommendations) == 0 {
		add("recommendations", "empty recommendations list", IssueError)
	}
	return issues
}
