package ruledef

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/logic/internal/logic"
	"github.com/ehr/logic/internal/logic/result"
)

var (
	ErrNotFound       = errors.New("rule definition not found")
	ErrDuplicateToken = errors.New("rule token already defined")
)

// Kind selects the logic.Rule a definition compiles to.
type Kind string

const (
	KindReference  Kind = "reference"
	KindDataSource Kind = "datasource"
)

// Definition is the durable form of a registered rule.
type Definition struct {
	ID          uuid.UUID             `json:"id" yaml:"-"`
	Token       string                `json:"token" yaml:"token"`
	Kind        Kind                  `json:"kind" yaml:"kind,omitempty"`
	Criteria    string                `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Source      string                `json:"source,omitempty" yaml:"source,omitempty"`
	Key         string                `json:"key,omitempty" yaml:"key,omitempty"`
	TTLSeconds  int                   `json:"ttl_seconds" yaml:"ttl,omitempty"`
	Datatype    result.Datatype       `json:"datatype,omitempty" yaml:"datatype,omitempty"`
	Parameters  []logic.ParameterInfo `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string              `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt   time.Time             `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time             `json:"updated_at" yaml:"-"`
}

// Normalize trims text fields, infers Kind when it is empty and sorts and
// deduplicates Tags.
func (d *Definition) Normalize() {
	d.Token = strings.TrimSpace(d.Token)
	d.Criteria = strings.TrimSpace(d.Criteria)
	d.Source = strings.TrimSpace(d.Source)
	d.Key = strings.TrimSpace(d.Key)
	if d.Kind == "" {
		if d.Source != "" {
			d.Kind = KindDataSource
		} else {
			d.Kind = KindReference
		}
	}
	d.Tags = normalizeTags(d.Tags)
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var validDatatypes = map[result.Datatype]bool{
	result.DatatypeNone: true, result.DatatypeBoolean: true, result.DatatypeNumeric: true,
	result.DatatypeText: true, result.DatatypeDatetime: true, result.DatatypeCoded: true,
}

func (d *Definition) Validate() error {
	if d.Token == "" {
		return fmt.Errorf("token is required")
	}
	if strings.HasPrefix(d.Token, "@") {
		return fmt.Errorf("token %q: tokens starting with @ address data sources directly", d.Token)
	}
	if d.TTLSeconds < 0 {
		return fmt.Errorf("ttl_seconds must be >= 0")
	}
	if !validDatatypes[d.Datatype] {
		return fmt.Errorf("unknown datatype %q", d.Datatype)
	}
	switch d.Kind {
	case KindReference:
		if d.Criteria == "" {
			return fmt.Errorf("criteria is required for a reference rule")
		}
	case KindDataSource:
		if d.Source == "" || d.Key == "" {
			return fmt.Errorf("source and key are required for a datasource rule")
		}
	default:
		return fmt.Errorf("unknown kind %q", d.Kind)
	}
	for _, p := range d.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("parameter name is required")
		}
	}
	return nil
}

// Compile validates d and builds the rule it describes.
func (d *Definition) Compile() (logic.Rule, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	switch d.Kind {
	case KindDataSource:
		return &logic.DataSourceRule{
			Source:     d.Source,
			Key:        d.Key,
			TTLSeconds: d.TTLSeconds,
			Datatype:   d.Datatype,
		}, nil
	default:
		crit, err := logic.Parse(d.Criteria)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", d.Token, err)
		}
		for _, dep := range crit.Expression().Tokens() {
			if dep == d.Token {
				return nil, &logic.CycleError{Chain: []string{d.Token, d.Token}}
			}
		}
		return &logic.ReferenceRule{
			Criteria:   crit,
			TTLSeconds: d.TTLSeconds,
			Datatype:   d.Datatype,
			Params:     d.Parameters,
		}, nil
	}
}

func (d *Definition) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
