package orchestrator

import (
	"crypto/sha256"
	"fmt"

	"github.com/martinemde/av/observation"
)

// DefaultLoopWindow is how many recent capability calls are inspected.
const DefaultLoopWindow = 6

func callSignature(o observation.Observation) string {
	h := sha256.Sum256(o.Arguments)
	return fmt.Sprintf("%s:%x", o.Capability, h[:8])
}

// recentSignatures returns signatures of the last count capability calls in
// chronological order. Malformed replies are not calls and are skipped.
func recentSignatures(history []observation.Observation, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		if history[i].Capability == "" {
			continue
		}
		sigs = append(sigs, callSignature(history[i]))
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last window capability calls repeat a
// pattern of length 1, 2 or 3.
func DetectLoop(history []observation.Observation, window int) bool {
	if window <= 0 {
		return false
	}
	sigs := recentSignatures(history, window)
	if len(sigs) < window {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if window%patternLen != 0 {
			continue
		}
		match := true
		for i := patternLen; i < window && match; i++ {
			if sigs[i] != sigs[i%patternLen] {
				match = false
			}
		}
		if match {
			return true
		}
	}
	return false
}
