// Package speech produces narration audio for a finished script.
package speech

import "context"

// Result is synthesized narration plus its measured length. Duration
// comes from the provider's alignment data, so no local probing is
// needed to know how long the narration runs.
type Result struct {
	Audio    []byte
	Duration float64
}

// Provider is one text-to-speech backend.
type Provider interface {
	Synthesize(ctx context.Context, text string) (*Result, error)
}
