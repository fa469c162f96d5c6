package generation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/catalog"
	"genstudio/internal/domain"
	"genstudio/internal/providers/fal"
)

func mustCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

func mustModel(t *testing.T, c *catalog.Catalog, id string) catalog.Model {
	t.Helper()
	m, ok := c.Lookup(id)
	if !ok {
		t.Fatalf("model %s missing from catalog", id)
	}
	return m
}

func TestBuildImageInputDefaults(t *testing.T) {
	c := mustCatalog(t)
	seed := int64(42)
	in := BuildInput(mustModel(t, c, "fal-ai/flux-pro/v1.1"), Request{
		Prompt: "  a red fox  ",
		Params: domain.Params{
			Image: &domain.ImageParams{AspectRatio: "16:9", Seed: &seed},
			Extra: map[string]any{"output_format": "png", "prompt": "ignored"},
		},
	}, c)

	if in["prompt"] != "a red fox" {
		t.Fatalf("prompt = %v", in["prompt"])
	}
	size, _ := in["image_size"].(map[string]int)
	if size["width"] != 1344 || size["height"] != 768 {
		t.Fatalf("image_size = %v", in["image_size"])
	}
	if in["num_inference_steps"] != 28 || in["guidance_scale"] != 3.5 {
		t.Fatalf("defaults = %v %v", in["num_inference_steps"], in["guidance_scale"])
	}
	if in["seed"] != int64(42) || in["output_format"] != "png" {
		t.Fatalf("seed/extra = %v %v", in["seed"], in["output_format"])
	}
}

func TestBuildImageInputWithoutParams(t *testing.T) {
	c := mustCatalog(t)
	in := BuildInput(mustModel(t, c, "fal-ai/flux-pro/v1.1"), Request{Prompt: "x"}, c)
	size, _ := in["image_size"].(map[string]int)
	if size["width"] != 1024 || size["height"] != 1024 {
		t.Fatalf("image_size = %v", in["image_size"])
	}
	if _, ok := in["seed"]; ok {
		t.Fatalf("seed should be omitted")
	}
}

func TestBuildVideoInputs(t *testing.T) {
	c := mustCatalog(t)
	no := false
	tests := []struct {
		name  string
		model string
		req   Request
		want  map[string]any
		omit  []string
	}{
		{
			name:  "wan effects",
			model: "fal-ai/wan-effects",
			req: Request{Prompt: "my cat", Params: domain.Params{
				Effect: &domain.EffectParams{ImageURL: "https://in.test/cat.png", NumFrames: 81},
			}},
			want: map[string]any{
				"subject":      "my cat",
				"image_url":    "https://in.test/cat.png",
				"effect_type":  "cakeify",
				"aspect_ratio": "16:9",
				"num_frames":   81,
			},
			omit: []string{"prompt"},
		},
		{
			name:  "veo first last",
			model: "fal-ai/veo3.1/first-last-frame-to-video",
			req: Request{Prompt: "morph", Params: domain.Params{
				Frames: &domain.FrameParams{FirstFrameURL: "https://in.test/a.png", LastFrameURL: "https://in.test/b.png"},
			}},
			want: map[string]any{
				"first_frame_url": "https://in.test/a.png",
				"last_frame_url":  "https://in.test/b.png",
				"duration":        "8s",
				"aspect_ratio":    "auto",
				"resolution":      "720p",
				"generate_audio":  true,
			},
		},
		{
			name:  "kling image to video",
			model: "fal-ai/kling-video/v2.6/pro/image-to-video",
			req: Request{Prompt: "pan left", Params: domain.Params{
				Video: &domain.VideoParams{ImageURL: "https://in.test/a.png", Duration: "10s", AspectRatio: "16:9", GenerateAudio: &no},
			}},
			want: map[string]any{
				"duration":       "10",
				"generate_audio": false,
				"image_url":      "https://in.test/a.png",
			},
			omit: []string{"aspect_ratio"},
		},
		{
			name:  "default video",
			model: "fal-ai/veo3",
			req: Request{Prompt: "waves", Params: domain.Params{
				Video: &domain.VideoParams{AspectRatio: "9:16", Duration: "8s", EnablePromptExpansion: &no},
			}},
			want: map[string]any{
				"prompt":         "waves",
				"aspect_ratio":   "9:16",
				"duration":       "8s",
				"enhance_prompt": false,
			},
			omit: []string{"image_url", "image_size"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := BuildInput(mustModel(t, c, tc.model), tc.req, c)
			for k, v := range tc.want {
				if in[k] != v {
					t.Fatalf("%s = %#v, want %#v", k, in[k], v)
				}
			}
			for _, k := range tc.omit {
				if _, ok := in[k]; ok {
					t.Fatalf("%s should be omitted, input = %v", k, in)
				}
			}
		})
	}
}

func TestExtractResultOrder(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		kind       domain.JobKind
		wantURL    string
		wantWidth  int
		wantHeight int
	}{
		{"video object", `{"video":{"url":"https://r/v.mp4"},"images":[{"url":"https://r/i.png"}]}`, domain.JobKindVideo, "https://r/v.mp4", 1920, 1080},
		{"videos list", `{"videos":[{"url":"https://r/l.mp4","width":720,"height":1280}]}`, domain.JobKindVideo, "https://r/l.mp4", 720, 1280},
		{"video string", `{"video":"https://r/s.mp4"}`, domain.JobKindVideo, "https://r/s.mp4", 1920, 1080},
		{"images", `{"images":[{"url":"https://r/i.png","width":1024,"height":768,"content_type":"image/jpeg"}],"seed":12345}`, domain.JobKindImage, "https://r/i.png", 1024, 768},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := ExtractResult(json.RawMessage(tc.body), tc.kind)
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if res.URL != tc.wantURL {
				t.Fatalf("url = %q, want %q", res.URL, tc.wantURL)
			}
			if res.Width == nil || res.Height == nil || *res.Width != tc.wantWidth || *res.Height != tc.wantHeight {
				t.Fatalf("dims = %v x %v, want %d x %d", res.Width, res.Height, tc.wantWidth, tc.wantHeight)
			}
		})
	}
}

func TestExtractResultSeedAndContentType(t *testing.T) {
	res, err := ExtractResult(json.RawMessage(`{"images":[{"url":"https://r/i.png","content_type":"image/jpeg"}],"seed":"987"}`), domain.JobKindImage)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Seed == nil || *res.Seed != 987 {
		t.Fatalf("seed = %v", res.Seed)
	}
	if res.ContentType != "image/jpeg" {
		t.Fatalf("content type = %q", res.ContentType)
	}
	if res.Width != nil {
		t.Fatalf("image width should stay unknown, got %d", *res.Width)
	}
}

func TestExtractResultMalformedListsKeys(t *testing.T) {
	_, err := ExtractResult(json.RawMessage(`{"timings":{},"has_nsfw_concepts":[true]}`), domain.JobKindImage)
	var perr *domain.ProviderError
	if !errors.As(err, &perr) || perr.Kind != domain.ProviderMalformed {
		t.Fatalf("err = %v, want malformed provider error", err)
	}
	if !strings.Contains(perr.Message, "has_nsfw_concepts, timings") {
		t.Fatalf("message = %q", perr.Message)
	}
}

type recordingUploader struct {
	calls []string
	err   error
}

func (u *recordingUploader) Upload(_ context.Context, data []byte, contentType, fileName string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.calls = append(u.calls, contentType+"|"+fileName+"|"+string(data))
	return "https://fal.media/" + fileName, nil
}

func TestPreflightReplacesInlineFiles(t *testing.T) {
	up := &recordingUploader{}
	first := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("first"))
	last := base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nlast"))
	params := domain.Params{Frames: &domain.FrameParams{FirstFrameFile: first, LastFrameFile: last}}

	out, err := Preflight(context.Background(), up, params)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if out.Frames.FirstFrameFile != "" || out.Frames.LastFrameFile != "" {
		t.Fatalf("inline payloads should be cleared: %+v", out.Frames)
	}
	if out.Frames.FirstFrameURL != "https://fal.media/first_frame.png" || out.Frames.LastFrameURL != "https://fal.media/last_frame.png" {
		t.Fatalf("urls = %+v", out.Frames)
	}
	if len(up.calls) != 2 || up.calls[0] != "image/png|first_frame.png|first" {
		t.Fatalf("uploads = %v", up.calls)
	}
	if params.Frames.FirstFrameFile == "" {
		t.Fatalf("input params were mutated")
	}
}

func TestPreflightFailuresAreValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		up     Uploader
		params domain.Params
	}{
		{"bad base64", &recordingUploader{}, domain.Params{Image: &domain.ImageParams{ImageFile: "data:image/png;base64,@@@"}}},
		{"not base64 data url", &recordingUploader{}, domain.Params{Image: &domain.ImageParams{ImageFile: "data:image/png,raw"}}},
		{"upload failure", &recordingUploader{err: errors.New("boom")}, domain.Params{Video: &domain.VideoParams{ImageFile: "aGVsbG8="}}},
		{"no uploader", nil, domain.Params{Effect: &domain.EffectParams{ImageFile: "aGVsbG8="}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Preflight(context.Background(), tc.up, tc.params)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestPreflightWithoutInlineIsNoop(t *testing.T) {
	up := &recordingUploader{}
	out, err := Preflight(context.Background(), up, domain.Params{Image: &domain.ImageParams{ImageURL: "https://x/y.png"}})
	if err != nil || len(up.calls) != 0 || out.Image.ImageURL != "https://x/y.png" {
		t.Fatalf("out = %+v err = %v calls = %v", out.Image, err, up.calls)
	}
}

type stubFal struct {
	submitted []map[string]any
	ran       []string
	waitBody  string
	waitErr   error
	runBody   string
	runErr    error
	submitErr error
}

func (s *stubFal) Submit(_ context.Context, modelID string, input any) (string, error) {
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.submitted = append(s.submitted, input.(map[string]any))
	return "req-" + modelID, nil
}

func (s *stubFal) Wait(ctx context.Context, _, _ string) (json.RawMessage, error) {
	if s.waitErr != nil {
		return nil, s.waitErr
	}
	if s.waitBody == "" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return json.RawMessage(s.waitBody), nil
}

func (s *stubFal) Run(_ context.Context, modelID string, _ any) (json.RawMessage, error) {
	s.ran = append(s.ran, modelID)
	return json.RawMessage(s.runBody), s.runErr
}

func TestFalAdapterQueueModeReportsRequestID(t *testing.T) {
	c := mustCatalog(t)
	client := &stubFal{waitBody: `{"images":[{"url":"https://r/i.png","width":10,"height":20}],"seed":5}`}
	a := NewFalAdapter(client, c, FalOptions{Logger: zerolog.Nop()})

	var hooked string
	res, err := a.Generate(context.Background(), Request{ModelID: "fal-ai/flux-pro/v1.1", Kind: domain.JobKindImage, Prompt: "p"},
		func(_ context.Context, id string) error { hooked = id; return nil })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if hooked != "req-fal-ai/flux-pro/v1.1" || res.CorrelationID != hooked {
		t.Fatalf("hook = %q correlation = %q", hooked, res.CorrelationID)
	}
	if res.URL != "https://r/i.png" || *res.Seed != 5 {
		t.Fatalf("result = %+v", res)
	}
	if len(client.submitted) != 1 || len(client.ran) != 0 {
		t.Fatalf("submitted = %d ran = %d", len(client.submitted), len(client.ran))
	}
}

func TestFalAdapterSyncMode(t *testing.T) {
	c := mustCatalog(t)
	client := &stubFal{runBody: `{"video":{"url":"https://r/v.mp4"}}`}
	a := NewFalAdapter(client, c, FalOptions{Logger: zerolog.Nop()})

	hookCalled := false
	res, err := a.Generate(context.Background(), Request{ModelID: "fal-ai/wan-effects", Prompt: "cat"},
		func(context.Context, string) error { hookCalled = true; return nil })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if hookCalled || len(client.ran) != 1 {
		t.Fatalf("sync mode should not submit: hook=%v ran=%v", hookCalled, client.ran)
	}
	if *res.Width != VideoPlaceholderWidth || *res.Height != VideoPlaceholderHeight {
		t.Fatalf("dims = %d x %d", *res.Width, *res.Height)
	}
}

func TestFalAdapterErrorKinds(t *testing.T) {
	c := mustCatalog(t)
	long := strings.Repeat("x", 900)
	tests := []struct {
		name   string
		client *stubFal
		opts   FalOptions
		want   domain.ProviderErrorKind
	}{
		{"rejected", &stubFal{submitErr: &fal.APIError{StatusCode: 422, Message: long}}, FalOptions{}, domain.ProviderRejected},
		{"unavailable", &stubFal{submitErr: &fal.APIError{StatusCode: 503, Message: "down"}}, FalOptions{}, domain.ProviderUnavailable},
		{"failed request", &stubFal{waitErr: &fal.RequestFailedError{RequestID: "r", Message: "nsfw"}}, FalOptions{}, domain.ProviderRejected},
		{"timeout", &stubFal{}, FalOptions{ImageTimeout: 10 * time.Millisecond}, domain.ProviderTimeout},
		{"malformed", &stubFal{waitBody: `{"foo":1}`}, FalOptions{}, domain.ProviderMalformed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.Logger = zerolog.Nop()
			a := NewFalAdapter(tc.client, c, tc.opts)
			_, err := a.Generate(context.Background(), Request{ModelID: "fal-ai/flux-pro/v1.1", Prompt: "p"}, nil)
			var perr *domain.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v, want ProviderError", err)
			}
			if perr.Kind != tc.want {
				t.Fatalf("kind = %s, want %s", perr.Kind, tc.want)
			}
			if len(perr.Message) > domain.MaxErrorMessageLength {
				t.Fatalf("message length = %d", len(perr.Message))
			}
		})
	}
}

func TestFalAdapterResume(t *testing.T) {
	c := mustCatalog(t)
	a := NewFalAdapter(&stubFal{waitBody: `{"video":"https://r/v.mp4","seed":3}`}, c, FalOptions{Logger: zerolog.Nop()})
	res, err := a.Resume(context.Background(), "fal-ai/veo3", "req-77")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.URL != "https://r/v.mp4" || res.CorrelationID != "req-77" || *res.Width != 1920 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSyntheticAdapterImage(t *testing.T) {
	c := mustCatalog(t)
	a := NewSyntheticAdapter(c, zerolog.Nop())
	var hooked string
	res, err := a.Generate(context.Background(), Request{
		ModelID: "fal-ai/flux-pro/v1.1",
		Kind:    domain.JobKindImage,
		Prompt:  "sunset",
		Params:  domain.Params{Image: &domain.ImageParams{AspectRatio: "16:9"}},
	}, func(_ context.Context, id string) error { hooked = id; return nil })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(res.URL, "data:image/png;base64,") || res.ContentType != "image/png" {
		t.Fatalf("url = %.40s", res.URL)
	}
	if *res.Width != 256 || *res.Height != 146 {
		t.Fatalf("dims = %d x %d", *res.Width, *res.Height)
	}
	if hooked == "" || hooked != res.CorrelationID {
		t.Fatalf("hook = %q correlation = %q", hooked, res.CorrelationID)
	}
	data, ctype, err := DecodeInline(res.URL)
	if err != nil || ctype != "image/png" || len(data) == 0 {
		t.Fatalf("decode synthetic: %v %q", err, ctype)
	}
}

func TestSyntheticAdapterVideo(t *testing.T) {
	c := mustCatalog(t)
	res, err := NewSyntheticAdapter(c, zerolog.Nop()).Generate(context.Background(), Request{ModelID: "fal-ai/veo3", Prompt: "waves"}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(res.URL, "data:video/mp4;base64,") || *res.Width != 1920 {
		t.Fatalf("result = %.40s %d", res.URL, *res.Width)
	}
}

func TestInlineUploaderRoundTrip(t *testing.T) {
	u, err := InlineUploader{}.Upload(context.Background(), []byte("abc"), "image/gif", "x.gif")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, ctype, err := DecodeInline(u)
	if err != nil || string(data) != "abc" || ctype != "image/gif" {
		t.Fatalf("decoded = %q %q %v", data, ctype, err)
	}
}

func TestFalAdapterSyncVideoUsesVideoBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
		_, _ = io.WriteString(w, `{"video":{"url":"https://cdn.test/effect.mp4"}}`)
	}))
	defer srv.Close()

	client, err := fal.NewClient(fal.Options{
		APIKey:      "secret",
		SyncURL:     srv.URL,
		CallTimeout: 100 * time.Millisecond,
		HTTPClient:  &http.Client{},
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	a := NewFalAdapter(client, mustCatalog(t), FalOptions{
		ImageTimeout: 100 * time.Millisecond,
		VideoTimeout: 5 * time.Second,
		Logger:       zerolog.Nop(),
	})

	res, err := a.Generate(context.Background(), Request{ModelID: "fal-ai/wan-effects", Prompt: "cat"}, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.URL != "https://cdn.test/effect.mp4" {
		t.Fatalf("url = %q", res.URL)
	}
}
