package queue

import "centralmed/flow-service/internal/models"

var transitionMap = map[string][]string{
	"complete_triage": {models.StageAwaitingTriage},
	"start":           {models.StageAwaitingConsultation},
	"finalize":        {models.StageInConsultation},
}

// ValidTransition reports whether an action may fire from a stage. Every
// patient walks awaiting_triage -> awaiting_consultation -> in_consultation
// -> finalized; no stage may be skipped and finalized is terminal.
func ValidTransition(action, fromStage string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, stage := range allowed {
		if stage == fromStage {
			return true
		}
	}
	return false
}
