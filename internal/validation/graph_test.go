package validation

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

func step(id string, order int, deps ...string) schema.Step {
	return schema.Step{ID: id, Type: schema.StepTypeDataTransform, Order: order, Dependencies: deps}
}

// --- Cycle detection ---

func TestAnalyzeGraph_Linear(t *testing.T) {
	g, result := AnalyzeGraph([]schema.Step{
		step("a", 1),
		step("b", 2, "a"),
		step("c", 3, "b"),
	})
	require.True(t, result.Valid())
	assert.Equal(t, []string{"a", "b", "c"}, g.Order)
	assert.Equal(t, []string{"a", "b", "c"}, result.Order)
	assert.Equal(t, []string{"a"}, g.Roots)
	assert.Equal(t, 3, g.MaxDepth)
	assert.Equal(t, schema.ComplexitySimple, result.Complexity)
}

func TestAnalyzeGraph_Diamond(t *testing.T) {
	g, result := AnalyzeGraph([]schema.Step{
		step("d", 4, "b", "c"),
		step("c", 3, "a"),
		step("b", 2, "a"),
		step("a", 1),
	})
	require.True(t, result.Valid())
	assert.Equal(t, []string{"a", "b", "c", "d"}, g.Order)
	assert.Equal(t, 2, g.MaxFanIn)
	assert.Equal(t, 2, g.MaxFanOut)
}

func TestAnalyzeGraph_SimpleCycle(t *testing.T) {
	_, result := AnalyzeGraph([]schema.Step{
		step("a", 1, "c"),
		step("b", 2, "a"),
		step("c", 3, "b"),
	})
	require.Len(t, result.Errors, 1)
	issue := result.Errors[0]
	assert.Equal(t, schema.ErrCodeCycleDetected, issue.Code)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, issue.StepIDs)
	assert.Contains(t, issue.Message, "a -> b -> c -> a")
	assert.Empty(t, result.Order)
	assert.Empty(t, result.Complexity)
}

func TestAnalyzeGraph_SelfCycle(t *testing.T) {
	_, result := AnalyzeGraph([]schema.Step{step("a", 1, "a")})
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	assert.Equal(t, []string{"a"}, result.Errors[0].StepIDs)
}

func TestAnalyzeGraph_CycleBehindValidPrefix(t *testing.T) {
	_, result := AnalyzeGraph([]schema.Step{
		step("root", 0),
		step("x", 1, "root", "z"),
		step("y", 2, "x"),
		step("z", 3, "y"),
	})
	require.True(t, result.HasCode(schema.ErrCodeCycleDetected))
	assert.ElementsMatch(t, []string{"x", "y", "z"}, result.Errors[0].StepIDs)
}

func TestAnalyzeGraph_DanglingDependency(t *testing.T) {
	_, result := AnalyzeGraph([]schema.Step{
		step("a", 1),
		step("b", 2, "ghost"),
	})
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeDanglingDep, result.Errors[0].Code)
	assert.Equal(t, "steps[1].dependencies[0]", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, `"ghost"`)
}

func TestAnalyzeGraph_DuplicateIDs(t *testing.T) {
	_, result := AnalyzeGraph([]schema.Step{step("a", 1), step("a", 2)})
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate step ID")
}

func TestAnalyzeGraph_Empty(t *testing.T) {
	_, result := AnalyzeGraph(nil)
	assert.False(t, result.Valid())
}

func TestAnalyzeGraph_DuplicateDependencyWarns(t *testing.T) {
	g, result := AnalyzeGraph([]schema.Step{step("a", 1), step("b", 2, "a", "a")})
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 1)
	assert.Equal(t, []string{"a"}, g.Deps["b"])
}

// --- Ordering ---

func TestAnalyzeGraph_TieBreakByOrderThenID(t *testing.T) {
	g, result := AnalyzeGraph([]schema.Step{
		step("root", 0),
		step("zeta", 1, "root"),
		step("alpha", 2, "root"),
		step("beta", 2, "root"),
	})
	require.True(t, result.Valid())
	assert.Equal(t, []string{"root", "zeta", "alpha", "beta"}, g.Order)
}

func TestAnalyzeGraph_OrderHintNeverOverridesDependencies(t *testing.T) {
	g, result := AnalyzeGraph([]schema.Step{
		step("late", 99),
		step("early", 0, "late"),
	})
	require.True(t, result.Valid())
	assert.Equal(t, []string{"late", "early"}, g.Order)
}

func TestAnalyzeGraph_OrderRespectsDependenciesAndIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		n := 3 + rng.Intn(12)
		steps := make([]schema.Step, n)
		for i := 0; i < n; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, steps[j].ID)
				}
			}
			steps[i] = step(string(rune('a'+i)), rng.Intn(4), deps...)
		}

		g, result := AnalyzeGraph(steps)
		require.True(t, result.Valid())

		pos := make(map[string]int, n)
		for i, id := range g.Order {
			pos[id] = i
		}
		for _, s := range steps {
			for _, d := range s.Dependencies {
				assert.Less(t, pos[d], pos[s.ID], "dependency %s must precede %s", d, s.ID)
			}
		}

		shuffled := slices.Clone(steps)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		again, _ := AnalyzeGraph(shuffled)
		assert.Equal(t, g.Order, again.Order)
	}
}

func TestGraph_Descendants(t *testing.T) {
	g, _ := AnalyzeGraph([]schema.Step{
		step("a", 1),
		step("b", 2, "a"),
		step("c", 3, "b"),
		step("d", 4),
	})
	assert.Equal(t, map[string]bool{"b": true, "c": true}, g.Descendants("a"))
	assert.Empty(t, g.Descendants("d"))
}

// --- Complexity ---

func TestClassifyComplexity(t *testing.T) {
	tests := []struct {
		name                 string
		steps, depth, in, out int
		want                 schema.Complexity
	}{
		{"tiny", 3, 3, 1, 1, schema.ComplexitySimple},
		{"five steps flat", 5, 1, 0, 2, schema.ComplexitySimple},
		{"six steps", 6, 3, 1, 1, schema.ComplexityModerate},
		{"deep", 5, 4, 1, 1, schema.ComplexityModerate},
		{"wide fan-out", 5, 2, 1, 4, schema.ComplexityModerate},
		{"many steps", 16, 3, 1, 1, schema.ComplexityComplex},
		{"very deep", 10, 7, 1, 1, schema.ComplexityComplex},
		{"huge fan-in", 10, 2, 9, 1, schema.ComplexityComplex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyComplexity(tt.steps, tt.depth, tt.in, tt.out))
		})
	}
}
