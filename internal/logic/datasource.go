package logic

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/logic/internal/logic/result"
)

// DataSource serves primitive, keyed reads of patient data. Implementations
// return an error wrapping ErrKeyNotFound (a *DataSourceError) for keys they
// do not serve.
//
// Reads made by a Context carry its index date; see IndexDateFromContext.
// Values that depend on the current time, such as an age, are computed at it.
//
// criteria is the criteria the read is made for. Implementations may use it to
// narrow what they load but must not drop values the criteria would keep.
type DataSource interface {
	Keys(ctx context.Context) ([]string, error)
	Read(ctx context.Context, patientID uuid.UUID, key string, criteria *Criteria) (result.Result, error)
}

type indexDateKey struct{}

// ContextWithIndexDate returns a copy of ctx carrying the index date a data
// source should answer relative to.
func ContextWithIndexDate(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, indexDateKey{}, t)
}

// IndexDateFromContext returns the index date set by ContextWithIndexDate.
func IndexDateFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(indexDateKey{}).(time.Time)
	return t, ok && !t.IsZero()
}

// dataSourcePrefix marks a token that addresses a data source directly.
const dataSourcePrefix = "@"

// ParseDataSourceToken splits "@source.key" into its parts. ok is false for
// tokens that are not direct data-source references.
func ParseDataSourceToken(token string) (source, key string, ok bool) {
	if !strings.HasPrefix(token, dataSourcePrefix) {
		return "", "", false
	}
	source, key, found := strings.Cut(token[len(dataSourcePrefix):], ".")
	if !found || source == "" || key == "" {
		return "", "", false
	}
	return source, key, true
}

// DataSourceToken is the inverse of ParseDataSourceToken.
func DataSourceToken(source, key string) string {
	return dataSourcePrefix + source + "." + key
}

// StaticDataSource serves fixed per-patient results. It backs tests and the
// command line evaluator.
type StaticDataSource struct {
	data map[string]map[uuid.UUID]result.Result
}

func NewStaticDataSource() *StaticDataSource {
	return &StaticDataSource{data: make(map[string]map[uuid.UUID]result.Result)}
}

// Set stores r for (key, patientID). Call Set before sharing the data source.
func (s *StaticDataSource) Set(key string, patientID uuid.UUID, r result.Result) {
	m, ok := s.data[key]
	if !ok {
		m = make(map[uuid.UUID]result.Result)
		s.data[key] = m
	}
	m[patientID] = r
}

func (s *StaticDataSource) Keys(context.Context) ([]string, error) {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *StaticDataSource) Read(_ context.Context, patientID uuid.UUID, key string, _ *Criteria) (result.Result, error) {
	m, ok := s.data[key]
	if !ok {
		return result.Empty(), &DataSourceError{DataSource: "static", Key: key}
	}
	return m[patientID], nil
}
