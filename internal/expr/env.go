// Package expr compiles the CEL filters applied to live feed snapshots.
package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment compiles document filters. Each document is bound as `id` and
// `doc`, its field map.
type Environment struct {
	env *cel.Env
}

func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		// lookup(doc, "field") yields null instead of an error for absent fields.
		cel.Function("lookup",
			cel.Overload("lookup_doc_field",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupField),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Compile checks that expression is a boolean filter and prepares it.
func (e *Environment) Compile(expression string) (*Predicate, error) {
	source := strings.TrimSpace(expression)
	if source == "" {
		return nil, fmt.Errorf("expr: filter expression required")
	}
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expr: compile %q: %w", source, issues.Err())
	}
	if out := ast.OutputType(); out != cel.BoolType && out != cel.DynType {
		return nil, fmt.Errorf("expr: filter %q must return bool, got %s", source, cel.FormatCELType(out))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("expr: program %q: %w", source, err)
	}
	return &Predicate{source: source, program: program}, nil
}

func lookupField(doc ref.Val, field ref.Val) ref.Val {
	mapper, ok := doc.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup expects a document map")
	}
	value, found := mapper.Find(field)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
