package rules

import (
	"context"

	"github.com/google/uuid"
)

type RuleRepository interface {
	// UpsertByCode inserts the rule, or overwrites all mutable fields of the
	// existing row with the same rule_code and refreshes updated_at.
	UpsertByCode(ctx context.Context, r *RuleDefinition) error
	GetByCode(ctx context.Context, ruleCode string) (*RuleDefinition, error)
	GetByModule(ctx context.Context, moduleCode string, activeOnly bool) ([]*RuleDefinition, error)
	GetAllActive(ctx context.Context) ([]*RuleDefinition, error)
	List(ctx context.Context, moduleCode string, activeOnly bool, limit, offset int) ([]*RuleDefinition, int, error)
	ListModuleCodes(ctx context.Context) ([]string, error)
	Deactivate(ctx context.Context, ruleCode string) error
}

type IngestionJobRepository interface {
	Create(ctx context.Context, job *IngestionJob) error
	Update(ctx context.Context, job *IngestionJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*IngestionJob, error)
	List(ctx context.Context, limit, offset int) ([]*IngestionJob, int, error)
}

// TxRunner commits fn as one serializable transaction. The pipeline wraps
// every batch in one; implementations carry the transaction on the context
// so repository calls inside fn participate in it.
type TxRunner interface {
	RunSerializable(ctx context.Context, fn func(ctx context.Context) error) error
}
