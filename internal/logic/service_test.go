package logic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/logic/internal/logic/result"
)

func newTestService() *Service {
	return NewService(zerolog.Nop(), Options{BatchWorkers: 4})
}

func TestService_AddRuleReplaces(t *testing.T) {
	svc := newTestService()
	r1 := NewReferenceRule("A")
	r2 := NewReferenceRule("B")

	if err := svc.AddRule("T", r1); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	got, err := svc.GetRule("T")
	if err != nil || got != Rule(r1) {
		t.Fatalf("GetRule = %v, %v; want r1", got, err)
	}
	if err := svc.AddRule("T", r2); err != nil {
		t.Fatalf("AddRule replacing: %v", err)
	}
	got, _ = svc.GetRule("T")
	if got != Rule(r2) {
		t.Errorf("GetRule = %v, want r2", got)
	}
	if err := svc.RemoveRule("T"); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	if _, err := svc.GetRule("T"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("GetRule after remove = %v, want ErrTokenNotFound", err)
	}
}

func TestService_RuleValidation(t *testing.T) {
	svc := newTestService()
	if err := svc.AddRule("", NewReferenceRule("A")); err == nil {
		t.Error("expected error for empty token")
	}
	if err := svc.AddRule("T", nil); err == nil {
		t.Error("expected error for nil rule")
	}
	if err := svc.AddRule("SELF", NewReferenceRule("SELF")); !errors.Is(err, ErrCycleDetected) {
		t.Errorf("AddRule self reference = %v, want ErrCycleDetected", err)
	}
	if err := svc.UpdateRule("MISSING", NewReferenceRule("A")); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("UpdateRule = %v, want ErrTokenNotFound", err)
	}
	if err := svc.RemoveRule("MISSING"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("RemoveRule = %v, want ErrTokenNotFound", err)
	}
}

func TestService_UpdateRule(t *testing.T) {
	svc := newTestService()
	svc.AddRule("T", NewReferenceRule("A"))
	r := &ComputedRule{Datatype: result.DatatypeNumeric, Params: []ParameterInfo{{Name: "unit"}}}
	if err := svc.UpdateRule("T", r); err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	dt, err := svc.DefaultDatatype("T")
	if err != nil || dt != result.DatatypeNumeric {
		t.Errorf("DefaultDatatype = %q, %v", dt, err)
	}
	params, err := svc.ParameterList("T")
	if err != nil || len(params) != 1 || params[0].Name != "unit" {
		t.Errorf("ParameterList = %v, %v", params, err)
	}
	if _, err := svc.DefaultDatatype("MISSING"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("DefaultDatatype(MISSING) = %v", err)
	}
}

func TestService_TokenSearch(t *testing.T) {
	svc := newTestService()
	for _, tok := range []string{"CD4 COUNT", "CD4 PERCENT", "WEIGHT (KG)"} {
		svc.AddRule(tok, NewReferenceRule("X"))
	}
	if got := svc.AllTokens(); len(got) != 3 || got[0] != "CD4 COUNT" {
		t.Errorf("AllTokens = %v", got)
	}
	if got := svc.Tokens("cd4"); len(got) != 2 {
		t.Errorf("Tokens(cd4) = %v, want 2 matches", got)
	}
	if got := svc.Tokens("glucose"); got == nil || len(got) != 0 {
		t.Errorf("Tokens(glucose) = %#v, want empty non-nil", got)
	}
	if got := svc.Tokens(""); len(got) != 3 {
		t.Errorf("Tokens(\"\") = %v, want all", got)
	}
}

func TestService_Tags(t *testing.T) {
	svc := newTestService()
	svc.AddRuleWithTags("CD4 COUNT", []string{"hiv", "lab"}, NewReferenceRule("X"))
	svc.AddRule("WEIGHT", NewReferenceRule("X"))
	if err := svc.AddTokenTag("WEIGHT", "vitals"); err != nil {
		t.Fatalf("AddTokenTag: %v", err)
	}
	if err := svc.AddTokenTag("MISSING", "vitals"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("AddTokenTag(MISSING) = %v", err)
	}
	if err := svc.AddTokenTag("WEIGHT", " "); err == nil {
		t.Error("expected error for blank tag")
	}

	if got := svc.TokenTags("CD4 COUNT"); len(got) != 2 || got[0] != "hiv" || got[1] != "lab" {
		t.Errorf("TokenTags = %v", got)
	}
	if got := svc.TokensWithTag("vitals"); len(got) != 1 || got[0] != "WEIGHT" {
		t.Errorf("TokensWithTag = %v", got)
	}
	if got := svc.Tags("A"); len(got) != 2 {
		t.Errorf("Tags(A) = %v, want lab and vitals", got)
	}

	if err := svc.RemoveTokenTag("CD4 COUNT", "lab"); err != nil {
		t.Fatalf("RemoveTokenTag: %v", err)
	}
	if got := svc.TokensWithTag("lab"); len(got) != 0 {
		t.Errorf("TokensWithTag(lab) after remove = %v", got)
	}
	svc.RemoveRule("CD4 COUNT")
	if got := svc.TokensWithTag("hiv"); len(got) != 0 {
		t.Errorf("expected tags dropped with rule, got %v", got)
	}
}

func TestService_DataSources(t *testing.T) {
	svc := newTestService()
	if err := svc.RegisterDataSource("", NewStaticDataSource()); err == nil {
		t.Error("expected error for empty name")
	}
	svc.RegisterDataSource("obs", NewStaticDataSource())
	svc.RegisterDataSource("person", NewStaticDataSource())
	if got := svc.DataSources(); len(got) != 2 || got[0] != "obs" {
		t.Errorf("DataSources = %v", got)
	}
	if err := svc.RemoveDataSource("obs"); err != nil {
		t.Fatalf("RemoveDataSource: %v", err)
	}
	if _, err := svc.GetDataSource("obs"); !errors.Is(err, ErrDataSourceNotFound) {
		t.Errorf("GetDataSource = %v, want ErrDataSourceNotFound", err)
	}
}

func TestService_EvalString(t *testing.T) {
	svc, patient := newObsFixture(t)
	ctx := context.Background()

	r, err := svc.EvalString(ctx, patient, "CD4 COUNT", nil)
	if err != nil {
		t.Fatalf("EvalString(token): %v", err)
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
	r, err = svc.EvalString(ctx, patient, "COUNT 'CD4 COUNT'", nil)
	if err != nil {
		t.Fatalf("EvalString(criteria): %v", err)
	}
	if r.Number != 3 {
		t.Errorf("COUNT = %v, want 3", r.Number)
	}
	var pe *ParseError
	if _, err := svc.EvalString(ctx, patient, "'CD4 COUNT' <", nil); !errors.As(err, &pe) {
		t.Errorf("EvalString(malformed) = %v, want *ParseError", err)
	}
}

func TestService_EvalManySharesSession(t *testing.T) {
	svc := newTestService()
	calls := 0
	svc.AddRule("TOKEN", countingRule(60, &calls, result.Number(5)))
	a := NewCriteria("TOKEN").GT(1)
	b := NewCriteria("TOKEN").LT(1)

	out, err := svc.EvalMany(context.Background(), uuid.New(), []*Criteria{a, b}, nil)
	if err != nil {
		t.Fatalf("EvalMany: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[a].Number != 5 || !out[b].IsEmpty() {
		t.Errorf("results = %v, %v", out[a], out[b])
	}
	if calls != 1 {
		t.Errorf("expected cached rule result to be shared, got %d calls", calls)
	}
}

func TestService_EvalTimeout(t *testing.T) {
	svc := NewService(zerolog.Nop(), Options{EvalTimeout: 20 * time.Millisecond})
	svc.AddRule("SLOW", &ComputedRule{
		Fn: func(ctx context.Context, _ *Context, _ uuid.UUID, _ map[string]any) (result.Result, error) {
			<-ctx.Done()
			return result.Empty(), ctx.Err()
		},
	})
	_, err := svc.EvalToken(context.Background(), uuid.New(), "SLOW", nil)
	if !errors.Is(err, ErrEvaluationTimeout) {
		t.Errorf("error = %v, want ErrEvaluationTimeout", err)
	}
}

func TestService_EvalCohort(t *testing.T) {
	svc := newTestService()
	var mu sync.Mutex
	calls := map[uuid.UUID]int{}
	svc.AddRule("TOKEN", &ComputedRule{
		TTLSeconds: 60,
		Fn: func(_ context.Context, _ *Context, patientID uuid.UUID, _ map[string]any) (result.Result, error) {
			mu.Lock()
			calls[patientID]++
			mu.Unlock()
			return result.Text(patientID.String()), nil
		},
	})
	p1, p2 := uuid.New(), uuid.New()
	cohort := NewCohort(p1, p2, p1)
	if len(cohort) != 2 {
		t.Fatalf("NewCohort did not dedupe: %v", cohort)
	}

	out, err := svc.EvalCohort(context.Background(), cohort, NewCriteria("TOKEN"), nil)
	if err != nil {
		t.Fatalf("EvalCohort: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected one entry per patient, got %d", len(out))
	}
	for _, id := range []uuid.UUID{p1, p2} {
		if out[id].Text != id.String() {
			t.Errorf("patient %s got %q", id, out[id].Text)
		}
		if calls[id] != 1 {
			t.Errorf("patient %s evaluated %d times, want 1", id, calls[id])
		}
	}
}

func TestService_EvalCohortMany(t *testing.T) {
	svc, patient := newObsFixture(t)
	other := uuid.New()
	count := NewCriteria("CD4 COUNT").Count()
	low := NewCriteria("CD4 COUNT").Last().LT(200)

	out, err := svc.EvalCohortMany(context.Background(), NewCohort(patient, other), []*Criteria{count, low}, nil)
	if err != nil {
		t.Fatalf("EvalCohortMany: %v", err)
	}
	if out[count][patient].Number != 3 || out[count][other].Number != 0 {
		t.Errorf("COUNT results = %v / %v", out[count][patient], out[count][other])
	}
	if !out[low][patient].Exists() || out[low][other].Exists() {
		t.Errorf("LAST < 200 results = %v / %v", out[low][patient], out[low][other])
	}
}

func TestService_EvalCohortFailsFast(t *testing.T) {
	svc := newTestService()
	var evaluated atomic.Int32
	bad := uuid.New()
	svc.AddRule("TOKEN", &ComputedRule{
		Fn: func(_ context.Context, _ *Context, patientID uuid.UUID, _ map[string]any) (result.Result, error) {
			evaluated.Add(1)
			if patientID == bad {
				return result.Empty(), fmt.Errorf("source offline")
			}
			return result.Bool(true), nil
		},
	})
	ids := []uuid.UUID{bad}
	for i := 0; i < 20; i++ {
		ids = append(ids, uuid.New())
	}
	out, err := svc.EvalCohort(context.Background(), NewCohort(ids...), NewCriteria("TOKEN"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if out != nil {
		t.Errorf("expected no partial results, got %d", len(out))
	}
}

func TestService_EvalCohortCancelled(t *testing.T) {
	svc := newTestService()
	svc.AddRule("TOKEN", &ComputedRule{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.EvalCohort(ctx, NewCohort(uuid.New(), uuid.New()), NewCriteria("TOKEN"), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestService_ConcurrentRegistryAccess(t *testing.T) {
	svc := newTestService()
	svc.AddRule("TOKEN", &ComputedRule{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				svc.AddRule(fmt.Sprintf("T%d-%d", i, j), &ComputedRule{})
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				svc.EvalToken(context.Background(), uuid.New(), "TOKEN", nil)
				svc.Tokens("T")
			}
		}()
	}
	wg.Wait()
	if got := len(svc.AllTokens()); got != 801 {
		t.Errorf("AllTokens = %d, want 801", got)
	}
}
