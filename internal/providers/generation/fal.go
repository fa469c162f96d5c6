package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"genstudio/internal/catalog"
	"genstudio/internal/domain"
	"genstudio/internal/infra"
	"genstudio/internal/providers/fal"
)

const timeoutMessage = "generation timed out waiting for the provider"

// FalClient is the subset of the fal client the adapter drives.
type FalClient interface {
	Submit(ctx context.Context, modelID string, input any) (string, error)
	Wait(ctx context.Context, modelID, requestID string) (json.RawMessage, error)
	Run(ctx context.Context, modelID string, input any) (json.RawMessage, error)
}

// FalOptions configures FalAdapter.
type FalOptions struct {
	ImageTimeout time.Duration
	VideoTimeout time.Duration
	Logger       zerolog.Logger
}

// FalAdapter runs catalog models on fal.ai.
type FalAdapter struct {
	client       FalClient
	catalog      *catalog.Catalog
	imageTimeout time.Duration
	videoTimeout time.Duration
	logger       zerolog.Logger
}

// NewFalAdapter wires a fal client to the model catalog.
func NewFalAdapter(client FalClient, models *catalog.Catalog, opts FalOptions) *FalAdapter {
	imageTimeout := opts.ImageTimeout
	if imageTimeout <= 0 {
		imageTimeout = 3 * time.Minute
	}
	videoTimeout := opts.VideoTimeout
	if videoTimeout <= 0 {
		videoTimeout = 15 * time.Minute
	}
	return &FalAdapter{
		client:       client,
		catalog:      models,
		imageTimeout: imageTimeout,
		videoTimeout: videoTimeout,
		logger:       opts.Logger,
	}
}

// Generate runs req. Queue-mode models call onSubmitted with the request id
// before polling starts.
func (a *FalAdapter) Generate(ctx context.Context, req Request, onSubmitted SubmitHook) (res *Result, err error) {
	model, ok := a.catalog.Lookup(req.ModelID)
	if !ok {
		return nil, &domain.ProviderError{Kind: domain.ProviderRejected, Message: fmt.Sprintf("unknown model %q", req.ModelID)}
	}
	kind := req.Kind
	if kind == "" {
		kind = model.Kind()
	}

	ctx, span := infra.StartSpan(ctx, "provider.generate",
		attribute.String("model_id", model.ID),
		attribute.String("mode", string(model.Mode)),
	)
	defer func() { infra.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, a.timeout(kind))
	defer cancel()

	input := BuildInput(model, req, a.catalog)
	started := time.Now()

	var raw json.RawMessage
	var requestID string
	if model.Mode == catalog.ModeSync {
		raw, err = a.client.Run(ctx, model.ID, input)
	} else {
		requestID, err = a.client.Submit(ctx, model.ID, input)
		if err == nil {
			if onSubmitted != nil {
				if hookErr := onSubmitted(ctx, requestID); hookErr != nil {
					a.logger.Warn().Err(hookErr).Str("request_id", requestID).Msg("generation: failed to record request id")
				}
			}
			raw, err = a.client.Wait(ctx, model.ID, requestID)
		}
	}
	if err != nil {
		return nil, classify(ctx, err)
	}

	res, err = ExtractResult(raw, kind)
	if err != nil {
		a.logger.Error().Str("model_id", model.ID).Str("request_id", requestID).RawJSON("response", truncateJSON(raw)).Msg("generation: unexpected response shape")
		return nil, err
	}
	res.CorrelationID = requestID
	a.logger.Info().
		Str("model_id", model.ID).
		Str("request_id", requestID).
		Dur("elapsed", time.Since(started)).
		Msg("generation: provider completed")
	return res, nil
}

// Resume polls a request submitted earlier until it finishes.
func (a *FalAdapter) Resume(ctx context.Context, modelID, correlationID string) (res *Result, err error) {
	kind := domain.JobKindImage
	if model, ok := a.catalog.Lookup(modelID); ok {
		kind = model.Kind()
	}
	ctx, span := infra.StartSpan(ctx, "provider.resume",
		attribute.String("model_id", modelID),
		attribute.String("request_id", correlationID),
	)
	defer func() { infra.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, a.timeout(kind))
	defer cancel()

	raw, err := a.client.Wait(ctx, modelID, correlationID)
	if err != nil {
		return nil, classify(ctx, err)
	}
	res, err = ExtractResult(raw, kind)
	if err != nil {
		return nil, err
	}
	res.CorrelationID = correlationID
	return res, nil
}

func (a *FalAdapter) timeout(kind domain.JobKind) time.Duration {
	if kind == domain.JobKindVideo {
		return a.videoTimeout
	}
	return a.imageTimeout
}

// classify maps transport and provider failures onto ProviderError kinds.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return &domain.ProviderError{Kind: domain.ProviderTimeout, Message: timeoutMessage, Err: err}
	}
	var apiErr *fal.APIError
	if errors.As(err, &apiErr) {
		kind := domain.ProviderUnavailable
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			kind = domain.ProviderRejected
		}
		return &domain.ProviderError{
			Kind:       kind,
			StatusCode: apiErr.StatusCode,
			Message:    domain.TruncateErrorMessage(apiErr.Message),
			Err:        err,
		}
	}
	var failed *fal.RequestFailedError
	if errors.As(err, &failed) {
		msg := failed.Message
		if msg == "" {
			msg = "generation failed at the provider"
		}
		return &domain.ProviderError{Kind: domain.ProviderRejected, Message: domain.TruncateErrorMessage(msg), Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.ProviderError{Kind: domain.ProviderTimeout, Message: timeoutMessage, Err: err}
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &domain.ProviderError{Kind: domain.ProviderMalformed, Message: "provider returned invalid JSON", Err: err}
	}
	return &domain.ProviderError{Kind: domain.ProviderUnavailable, Message: domain.TruncateErrorMessage(err.Error()), Err: err}
}

func truncateJSON(raw json.RawMessage) []byte {
	const max = 2048
	if !json.Valid(raw) {
		return []byte(`null`)
	}
	if len(raw) <= max {
		return raw
	}
	b, _ := json.Marshal(string(raw[:max]))
	return b
}

var _ Adapter = (*FalAdapter)(nil)
