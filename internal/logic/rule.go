package logic

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/logic/internal/logic/result"
)

// ParameterInfo describes a parameter a rule accepts.
type ParameterInfo struct {
	Name        string          `json:"name" yaml:"name"`
	Datatype    result.Datatype `json:"datatype,omitempty" yaml:"datatype,omitempty"`
	Required    bool            `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any             `json:"default,omitempty" yaml:"default,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
}

// RuleKind names a Rule variant.
type RuleKind string

const (
	RuleKindReference  RuleKind = "reference"
	RuleKindDataSource RuleKind = "datasource"
	RuleKindComputed   RuleKind = "computed"
)

// Rule computes the value of a token for one patient. The variant set is
// closed: *ReferenceRule, *DataSourceRule and *ComputedRule.
//
// A rule that evaluates other tokens must do so through lc so the evaluating
// context can cache the results and detect dependency cycles.
type Rule interface {
	Eval(ctx context.Context, lc *Context, patientID uuid.UUID, params map[string]any) (result.Result, error)

	// TTL is how long, in seconds, a result may be served from cache. Zero
	// disables caching.
	TTL() int

	// Dependencies lists the tokens the rule may evaluate.
	Dependencies() []string

	Parameters() []ParameterInfo
	DefaultDatatype() result.Datatype
	Kind() RuleKind

	isRule()
}

// ReferenceRule answers its token by evaluating another criteria, typically a
// single token under a different name or a stored criteria expression.
type ReferenceRule struct {
	Criteria   *Criteria
	TTLSeconds int
	Datatype   result.Datatype
	Params     []ParameterInfo
}

// NewReferenceRule returns a rule that aliases token.
func NewReferenceRule(token string) *ReferenceRule {
	return &ReferenceRule{Criteria: NewCriteria(token)}
}

func (r *ReferenceRule) Eval(ctx context.Context, lc *Context, patientID uuid.UUID, params map[string]any) (result.Result, error) {
	return lc.Eval(ctx, patientID, r.Criteria, params)
}

func (r *ReferenceRule) TTL() int { return r.TTLSeconds }

func (r *ReferenceRule) Dependencies() []string {
	if r.Criteria == nil {
		return nil
	}
	return r.Criteria.Expression().Tokens()
}

func (r *ReferenceRule) Parameters() []ParameterInfo { return r.Params }

func (r *ReferenceRule) DefaultDatatype() result.Datatype { return r.Datatype }

func (r *ReferenceRule) Kind() RuleKind { return RuleKindReference }

func (*ReferenceRule) isRule() {}

// DataSourceRule answers its token with a primitive read from a data source.
type DataSourceRule struct {
	Source     string
	Key        string
	TTLSeconds int
	Datatype   result.Datatype
}

func (r *DataSourceRule) Eval(ctx context.Context, lc *Context, patientID uuid.UUID, _ map[string]any) (result.Result, error) {
	return lc.Read(ctx, patientID, r.Source, r.Key, NewCriteria(r.Key))
}

func (r *DataSourceRule) TTL() int { return r.TTLSeconds }

func (r *DataSourceRule) Dependencies() []string { return nil }

func (r *DataSourceRule) Parameters() []ParameterInfo { return nil }

func (r *DataSourceRule) DefaultDatatype() result.Datatype { return r.Datatype }

func (r *DataSourceRule) Kind() RuleKind { return RuleKindDataSource }

func (*DataSourceRule) isRule() {}

// ComputeFunc is the body of a ComputedRule.
type ComputeFunc func(ctx context.Context, lc *Context, patientID uuid.UUID, params map[string]any) (result.Result, error)

// ComputedRule answers its token with arbitrary Go code.
type ComputedRule struct {
	Fn         ComputeFunc
	TTLSeconds int
	Deps       []string
	Params     []ParameterInfo
	Datatype   result.Datatype
}

func (r *ComputedRule) Eval(ctx context.Context, lc *Context, patientID uuid.UUID, params map[string]any) (result.Result, error) {
	if r.Fn == nil {
		return result.Empty(), nil
	}
	return r.Fn(ctx, lc, patientID, params)
}

func (r *ComputedRule) TTL() int { return r.TTLSeconds }

func (r *ComputedRule) Dependencies() []string { return r.Deps }

func (r *ComputedRule) Parameters() []ParameterInfo { return r.Params }

func (r *ComputedRule) DefaultDatatype() result.Datatype { return r.Datatype }

func (r *ComputedRule) Kind() RuleKind { return RuleKindComputed }

func (*ComputedRule) isRule() {}
