// Package core defines the interfaces shared by the speech job service.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// GenerateRequest holds the parameters for a single generation call.
type GenerateRequest struct {
	Text             string
	Speaker          int
	Context          []Segment
	MaxAudioLengthMS int
	Temperature      float64
}

// Segment is a prior conversational turn used to condition generation.
type Segment struct {
	Text    string `json:"text"`
	Speaker int    `json:"speaker"`
}

// Generator is a loaded speech model handle.
// Generate returns mono samples in [-1, 1] at SampleRate.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]float32, error)
	SampleRate() int
	Name() string
	Close() error
}

// LoadFunc creates a Generator. It is called at most once per successful load.
type LoadFunc func(ctx context.Context) (Generator, error)
