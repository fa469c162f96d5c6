package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genstudio/internal/catalog"
	"genstudio/internal/domain"
)

const syntheticMaxSide = 256

// SyntheticAdapter produces deterministic placeholder media without calling
// a provider. It backs local development when no API key is configured.
type SyntheticAdapter struct {
	catalog *catalog.Catalog
	logger  zerolog.Logger
}

// NewSyntheticAdapter constructs the placeholder adapter.
func NewSyntheticAdapter(models *catalog.Catalog, logger zerolog.Logger) *SyntheticAdapter {
	return &SyntheticAdapter{catalog: models, logger: logger}
}

func (a *SyntheticAdapter) Generate(ctx context.Context, req Request, onSubmitted SubmitHook) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.ProviderError{Kind: domain.ProviderTimeout, Message: timeoutMessage, Err: err}
	}
	correlationID := "synthetic-" + uuid.NewString()
	if onSubmitted != nil {
		if err := onSubmitted(ctx, correlationID); err != nil {
			a.logger.Warn().Err(err).Msg("generation: failed to record synthetic request id")
		}
	}
	kind := req.Kind
	if kind == "" {
		if model, ok := a.catalog.Lookup(req.ModelID); ok {
			kind = model.Kind()
		}
	}
	seed := syntheticSeed(req)
	res, err := a.render(req, kind, seed)
	if err != nil {
		return nil, err
	}
	res.CorrelationID = correlationID
	a.logger.Debug().Str("model_id", req.ModelID).Str("request_id", correlationID).Msg("generation: synthetic result")
	return res, nil
}

// Resume renders a fresh placeholder; there is no remote request to poll.
func (a *SyntheticAdapter) Resume(ctx context.Context, modelID, correlationID string) (*Result, error) {
	kind := domain.JobKindImage
	if model, ok := a.catalog.Lookup(modelID); ok {
		kind = model.Kind()
	}
	res, err := a.render(Request{ModelID: modelID, Prompt: correlationID}, kind, syntheticSeed(Request{Prompt: correlationID}))
	if err != nil {
		return nil, err
	}
	res.CorrelationID = correlationID
	return res, nil
}

func (a *SyntheticAdapter) render(req Request, kind domain.JobKind, seed int64) (*Result, error) {
	if kind == domain.JobKindVideo {
		// Not a playable clip; enough for the storage pipeline to move bytes.
		payload := append([]byte{0, 0, 0, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2'}, []byte(req.Prompt)...)
		w, h := VideoPlaceholderWidth, VideoPlaceholderHeight
		return &Result{
			URL:         "data:video/mp4;base64," + base64.StdEncoding.EncodeToString(payload),
			ContentType: "video/mp4",
			Width:       &w,
			Height:      &h,
			Seed:        &seed,
		}, nil
	}

	width, height := syntheticSize(req, a.catalog)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := uint32(seed)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((base >> 16) + uint32(x*255/width)),
				G: uint8((base >> 8) + uint32(y*255/height)),
				B: uint8(base),
				A: 0xff,
			})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &domain.ProviderError{Kind: domain.ProviderMalformed, Message: "failed to render placeholder", Err: err}
	}
	return &Result{
		URL:         "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		ContentType: "image/png",
		Width:       &width,
		Height:      &height,
		Seed:        &seed,
	}, nil
}

// syntheticSize keeps the requested aspect while capping the longest side.
func syntheticSize(req Request, ratios AspectRatios) (int, int) {
	width, height := defaultImageSize, defaultImageSize
	if ip := req.Params.Image; ip != nil {
		switch {
		case ip.Width > 0 && ip.Height > 0:
			width, height = ip.Width, ip.Height
		case ip.AspectRatio != "" && ratios != nil:
			r := ratios.AspectRatio(ip.AspectRatio)
			width, height = r.Width, r.Height
		}
	}
	longest := width
	if height > longest {
		longest = height
	}
	if longest > syntheticMaxSide {
		width = max(1, width*syntheticMaxSide/longest)
		height = max(1, height*syntheticMaxSide/longest)
	}
	return width, height
}

func syntheticSeed(req Request) int64 {
	if seed := paramSeed(req.Params); seed != nil {
		return *seed
	}
	h := fnv.New32a()
	h.Write([]byte(strings.TrimSpace(req.Prompt)))
	return int64(h.Sum32())
}

// InlineUploader keeps inline inputs as data URLs. It stands in for provider
// storage when generation runs synthetically.
type InlineUploader struct{}

func (InlineUploader) Upload(_ context.Context, data []byte, contentType, _ string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

var _ Adapter = (*SyntheticAdapter)(nil)
