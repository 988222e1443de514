package orchestrator

import (
	"github.com/martinemde/av/observation"
	"github.com/martinemde/av/plan"
	"github.com/martinemde/av/reasoning"
)

const salvageNote = "looked up during exploration"

// Salvage recovers candidates from a session that ended without a final
// answer: every package whose metadata was fetched successfully, in the
// order it was looked up.
func Salvage(history []observation.Observation) []plan.Candidate {
	var out []plan.Candidate
	for _, o := range history {
		if o.Failed() || o.Outcome.Metadata == nil {
			continue
		}
		out = append(out, plan.NewCandidate(o.Outcome.Metadata.Name, salvageNote))
	}
	return out
}

func candidatesFromAnswer(final *reasoning.FinalAnswer) []plan.Candidate {
	if final == nil {
		return nil
	}
	out := make([]plan.Candidate, 0, len(final.Packages))
	for _, p := range final.Packages {
		out = append(out, plan.NewCandidate(p.Name, p.Note))
	}
	return out
}
