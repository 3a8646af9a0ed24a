// Package decompose scores task complexity and splits complex tasks into
// phase-based subtasks.
package decompose

import (
	"math"

	"github.com/aristath/autopilot/internal/scheduler"
)

const (
	promptWeight = 0.30
	filesWeight  = 0.30
	typeWeight   = 0.25
	depsWeight   = 0.15

	promptSaturation = 2000 // characters
	filesSaturation  = 10
)

// typeComplexity is the inherent difficulty of each task type.
var typeComplexity = map[scheduler.TaskType]float64{
	scheduler.TypeCode:          0.8,
	scheduler.TypeDebug:         0.7,
	scheduler.TypeTesting:       0.6,
	scheduler.TypeResearch:      0.6,
	scheduler.TypeAnalytics:     0.4,
	scheduler.TypeDocumentation: 0.3,
	scheduler.TypeGeneral:       0.5,
}

// Complexity scores t in [0,1] from prompt length, file count, task type
// and whether it has dependencies.
func Complexity(t scheduler.Task) float64 {
	tc, ok := typeComplexity[t.Type]
	if !ok {
		tc = typeComplexity[scheduler.TypeGeneral]
	}

	score := promptWeight*math.Min(float64(len(t.Prompt))/promptSaturation, 1) +
		filesWeight*math.Min(float64(len(t.Files))/filesSaturation, 1) +
		typeWeight*tc
	if len(t.DependsOn) > 0 {
		score += depsWeight
	}
	return math.Min(math.Max(score, 0), 1)
}
