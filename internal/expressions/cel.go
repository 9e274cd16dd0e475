package expressions

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/taskflow/pkg/schema"
)

var celIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var celReserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true, "as": true,
	"break": true, "const": true, "continue": true, "else": true, "for": true,
	"function": true, "if": true, "import": true, "let": true, "loop": true,
	"package": true, "namespace": true, "return": true, "var": true, "void": true,
	"while": true, "context": true,
}

// CELEngine evaluates Common Expression Language predicates.
//
// Every top-level context key that is a valid identifier is declared as a
// dyn variable, and the full snapshot is declared as `context`, so both
// `input.value > 50` and `context["step_a_result"].ok` compile. Environments
// are cached per variable set and programs per (variable set, expression).
type CELEngine struct {
	mu    sync.RWMutex
	envs  map[string]*cel.Env
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine.
func NewCELEngine() (*CELEngine, error) {
	e := &CELEngine{
		envs:  make(map[string]*cel.Env),
		cache: make(map[string]cel.Program),
	}
	// Fail fast if the base environment cannot be built.
	if _, err := e.environment(nil); err != nil {
		return nil, err
	}
	return e, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against data.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	vars := declaredVars(data)
	prg, err := e.getOrCompile(expression, vars)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data, vars))
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) getOrCompile(expression string, vars []string) (cel.Program, error) {
	key := strings.Join(vars, ",") + "\x00" + expression

	e.mu.RLock()
	if prg, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	env, err := e.environment(vars)
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", expression, issues.Err())
	}

	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}

	e.cache[key] = prg
	return prg, nil
}

// environment returns the cached env for vars. Callers hold e.mu, except the
// constructor.
func (e *CELEngine) environment(vars []string) (*cel.Env, error) {
	sig := strings.Join(vars, ",")
	if env, ok := e.envs[sig]; ok {
		return env, nil
	}

	opts := []cel.EnvOption{
		cel.CrossTypeNumericComparisons(true),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	}
	for _, v := range vars {
		opts = append(opts, cel.Variable(v, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e.envs[sig] = env
	return env, nil
}

// declaredVars returns the sorted context keys usable as CEL identifiers.
func declaredVars(data map[string]any) []string {
	vars := make([]string, 0, len(data))
	for k := range data {
		if celReserved[k] || !celIdent.MatchString(k) {
			continue
		}
		vars = append(vars, k)
	}
	slices.Sort(vars)
	return vars
}

func buildActivation(data map[string]any, vars []string) map[string]any {
	activation := make(map[string]any, len(vars)+1)
	for _, v := range vars {
		activation[v] = data[v]
	}
	if data == nil {
		data = map[string]any{}
	}
	activation["context"] = data
	return activation
}

var _ Engine = (*CELEngine)(nil)
