package validation

import "github.com/rendis/taskflow/pkg/schema"

// Complexity thresholds. Advisory only.
const (
	simpleMaxSteps  = 5
	simpleMaxDepth  = 3
	simpleMaxFan    = 2
	complexMinSteps = 16
	complexMinDepth = 7
	complexMinFan   = 8
)

// ClassifyComplexity buckets a step graph by size, depth and the widest
// fan-in or fan-out of any single step.
func ClassifyComplexity(steps, depth, maxFanIn, maxFanOut int) schema.Complexity {
	fan := max(maxFanIn, maxFanOut)
	switch {
	case steps >= complexMinSteps || depth >= complexMinDepth || fan >= complexMinFan:
		return schema.ComplexityComplex
	case steps <= simpleMaxSteps && depth <= simpleMaxDepth && fan <= simpleMaxFan:
		return schema.ComplexitySimple
	default:
		return schema.ComplexityModerate
	}
}
