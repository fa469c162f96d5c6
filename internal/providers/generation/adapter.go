// Package generation exposes the provider-neutral contract the dispatcher
// drives: build a model's input, invoke it in sync or queue mode, and
// normalize whatever the provider answered into a single Result.
package generation

import (
	"context"

	"genstudio/internal/domain"
)

// VideoPlaceholderWidth and VideoPlaceholderHeight are reported for videos
// whose provider response carries no dimensions.
const (
	VideoPlaceholderWidth  = 1920
	VideoPlaceholderHeight = 1080
)

// Request is the normalized generation request.
type Request struct {
	ModelID string
	Kind    domain.JobKind
	Prompt  string
	Params  domain.Params
}

// Result is the normalized provider output.
type Result struct {
	URL           string
	ContentType   string
	Width         *int
	Height        *int
	Seed          *int64
	CorrelationID string
}

// SubmitHook is invoked with the provider request id as soon as a queued
// request is accepted, before polling starts.
type SubmitHook func(ctx context.Context, correlationID string) error

// Adapter invokes a generative model.
type Adapter interface {
	Generate(ctx context.Context, req Request, onSubmitted SubmitHook) (*Result, error)
	// Resume re-attaches to a request submitted earlier.
	Resume(ctx context.Context, modelID, correlationID string) (*Result, error)
}

// Uploader stores inline inputs where the provider can fetch them.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType, fileName string) (string, error)
}
