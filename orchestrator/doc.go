// Package orchestrator runs the dependency-inference loop.
//
// A Session repeatedly asks a reasoning.Backend what to do next, dispatches
// the chosen capability through a Registry, records the outcome in its
// observation store and stops when the backend gives a final answer, the
// turn budget runs out or the backend fails. The final candidates are passed
// through a plan.Validator before being returned.
//
// The state machine is
//
//	init -> running -> done | budget_exceeded | failed
//
// Capability failures never end a session on their own; they are recorded
// and shown to the backend on the next turn. Unusable backend replies are
// recorded the same way until MaxMalformedResponses is reached in a row.
//
// Quick start:
//
//	o := orchestrator.New(backend, registry, orchestrator.WithValidator(v))
//	s := o.NewSession("/path/to/project")
//	go func() {
//	    for ev := range s.Events() {
//	        log.Printf("[%s] %v", ev.Kind, ev.Data)
//	    }
//	}()
//	res, err := s.Run(ctx)
package orchestrator
