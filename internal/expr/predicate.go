package expr

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/l0p7/guardpost/internal/domain"
)

var (
	sharedEnvOnce sync.Once
	sharedEnv     *Environment
	sharedEnvErr  error
)

// Predicate filters remote documents. A nil *Predicate matches everything.
type Predicate struct {
	source  string
	program cel.Program
}

// CompilePredicate compiles a filter such as
// `doc.inspectorId == "u-7" && doc.status != "done"` in a shared environment.
func CompilePredicate(expression string) (*Predicate, error) {
	sharedEnvOnce.Do(func() {
		sharedEnv, sharedEnvErr = NewEnvironment()
	})
	if sharedEnvErr != nil {
		return nil, sharedEnvErr
	}
	return sharedEnv.Compile(expression)
}

// Source returns the filter expression.
func (p *Predicate) Source() string {
	if p == nil {
		return ""
	}
	return p.source
}

// Match evaluates the predicate for one record. Missing fields surface as
// evaluation errors; use lookup(doc, "field") for optional fields.
func (p *Predicate) Match(rec domain.Record) (bool, error) {
	if p == nil {
		return true, nil
	}
	data := rec.Data
	if data == nil {
		data = map[string]any{}
	}
	val, _, err := p.program.Eval(map[string]any{"id": rec.ID, "doc": data})
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	matched, ok := val.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expr: %q yielded %s, not bool", p.source, val.Type().TypeName())
	}
	return bool(matched), nil
}

// Filter keeps the records matching the predicate, preserving order.
func (p *Predicate) Filter(records []domain.Record) ([]domain.Record, error) {
	if p == nil {
		return records, nil
	}
	out := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		ok, err := p.Match(rec)
		if err != nil {
			return nil, fmt.Errorf("expr: filter record %q: %w", rec.ID, err)
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
