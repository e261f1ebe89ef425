// Package report отвечает за содержимое персонального отчёта: промпт для генерации,
// HTML-вёрстку, резервный текст и описание стадий генерации.
package report

import "github.com/mmeshcher/macro-funnel/internal/model"

// Stage содержит человекочитаемое описание стадии генерации.
type Stage struct {
	Name             string
	EstimatedSeconds int
}

var queuedStage = Stage{Name: "Queued", EstimatedSeconds: 30}

var generatingStages = map[int]Stage{
	1: {Name: "Analyzing your profile", EstimatedSeconds: 25},
	2: {Name: "Calculating nutrition targets", EstimatedSeconds: 20},
	3: {Name: "Writing recommendations", EstimatedSeconds: 15},
	4: {Name: "Formatting your report", EstimatedSeconds: 8},
	5: {Name: "Finalizing", EstimatedSeconds: 3},
}

var completedStage = Stage{Name: "Completed", EstimatedSeconds: 0}

// Describe возвращает название стадии и оценку оставшегося времени.
func Describe(state model.ReportState) Stage {
	switch state.Status {
	case model.ReportStatusQueued:
		return queuedStage
	case model.ReportStatusGenerating:
		if st, ok := generatingStages[state.Stage]; ok {
			return st
		}
		return generatingStages[1]
	case model.ReportStatusCompleted:
		return completedStage
	default:
		return queuedStage
	}
}
