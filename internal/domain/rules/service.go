package rules

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openclinic/cdss/internal/platform/telemetry"
)

// Service evaluates incoming observations against a module's active rules
// and serves the administrative read operations around the rule store.
type Service struct {
	repo    RuleRepository
	jobs    IngestionJobRepository
	cache   *Cache
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func NewService(repo RuleRepository, jobs IngestionJobRepository, cache *Cache,
	logger zerolog.Logger, metrics *telemetry.Metrics) *Service {
	return &Service{
		repo:    repo,
		jobs:    jobs,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
	}
}

// Evaluate runs every active rule of the module against the observation map
// and returns the matched alerts ranked most urgent first. Equal severities
// keep the order the cache returned them in. A rule with an empty condition
// tree never matches; no individual rule can fail the call.
func (s *Service) Evaluate(ctx context.Context, moduleCode string, obs Observations) ([]*Alert, error) {
	if !ValidModuleCode(moduleCode) {
		return nil, fmt.Errorf("invalid module code: %q", moduleCode)
	}
	candidates, err := s.cache.GetRules(ctx, moduleCode, true)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", moduleCode, err)
	}
	s.metrics.IncEvaluations()

	var alerts []*Alert
	for _, rule := range candidates {
		if !Evaluate(rule.TriggerCondition, obs) {
			continue
		}
		alert := &Alert{
			RuleCode:        rule.RuleCode,
			AlertSeverity:   rule.AlertSeverity,
			AlertMessage:    rule.AlertMessage,
			Recommendations: rule.Recommendations,
			TriggerSnapshot: ExtractTriggerSnapshot(rule.TriggerCondition, obs),
		}
		if rule.AlertTitle != nil {
			alert.AlertTitle = *rule.AlertTitle
		}
		alerts = append(alerts, alert)
		s.metrics.IncAlertsFired(rule.AlertSeverity)
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return SeverityWeight(alerts[i].AlertSeverity) < SeverityWeight(alerts[j].AlertSeverity)
	})
	return alerts, nil
}

func (s *Service) GetRule(ctx context.Context, ruleCode string) (*RuleDefinition, error) {
	return s.repo.GetByCode(ctx, ruleCode)
}

func (s *Service) ListRules(ctx context.Context, moduleCode string, activeOnly bool, limit, offset int) ([]*RuleDefinition, int, error) {
	return s.repo.List(ctx, moduleCode, activeOnly, limit, offset)
}

// DeactivateRule retires a rule. Rules are never deleted; deactivation
// removes them from evaluation and from most integrity checks.
// ListModuleCodes returns every module code that has at least one active
// rule, for cache warming and administrative listings.
func (s *Service) ListModuleCodes(ctx context.Context) ([]string, error) {
	return s.repo.ListModuleCodes(ctx)
}

func (s *Service) DeactivateRule(ctx context.Context, ruleCode string) error {
	rule, err := s.repo.GetByCode(ctx, ruleCode)
	if err != nil {
		return err
	}
	if err := s.repo.Deactivate(ctx, ruleCode); err != nil {
		return err
	}
	s.cache.Invalidate(rule.ModuleCode)
	return nil
}

func (s *Service) GetIngestionJob(ctx context.Context, id uuid.UUID) (*IngestionJob, error) {
	return s.jobs.GetByID(ctx, id)
}

func (s *Service) ListIngestionJobs(ctx context.Context, limit, offset int) ([]*IngestionJob, int, error) {
	return s.jobs.List(ctx, limit, offset)
}
