package catalog

import (
	"strings"
	"testing"

	"genstudio/internal/domain"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	if got := c.DefaultModel(); got != "fal-ai/flux-pro/v1.1" {
		t.Fatalf("DefaultModel() = %q", got)
	}

	tests := []struct {
		id       string
		cost     int
		kind     domain.JobKind
		mode     Mode
		builder  Builder
		reqImage bool
	}{
		{"fal-ai/flux-pro/v1.1", 1, domain.JobKindImage, ModeQueue, BuilderImage, false},
		{"fal-ai/flux-pro/v1.1-ultra", 2, domain.JobKindImage, ModeSync, BuilderImage, false},
		{"fal-ai/flux/schnell", DefaultCost, domain.JobKindImage, ModeQueue, BuilderImage, false},
		{"fal-ai/wan-effects", 5, domain.JobKindVideo, ModeSync, BuilderWanEffects, true},
		{"fal-ai/wan-25-preview/image-to-video", 8, domain.JobKindVideo, ModeQueue, BuilderVideo, true},
		{"fal-ai/veo3.1/first-last-frame-to-video", 30, domain.JobKindVideo, ModeQueue, BuilderVeoFirstLast, false},
	}
	for _, tc := range tests {
		m, ok := c.Lookup(tc.id)
		if !ok {
			t.Fatalf("model %q missing", tc.id)
		}
		if c.Cost(tc.id) != tc.cost {
			t.Fatalf("Cost(%q) = %d, want %d", tc.id, c.Cost(tc.id), tc.cost)
		}
		if m.Kind() != tc.kind || m.Mode != tc.mode || m.Builder != tc.builder || m.RequiresImage() != tc.reqImage {
			t.Fatalf("model %q = %+v", tc.id, m)
		}
	}
}

func TestCostUnknownModelDefaults(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	if got := c.Cost("vendor/not-in-catalog"); got != DefaultCost {
		t.Fatalf("Cost(unknown) = %d, want %d", got, DefaultCost)
	}
}

func TestAspectRatioFallback(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	if r := c.AspectRatio("16:9"); r.Width != 1344 || r.Height != 768 {
		t.Fatalf("16:9 = %+v", r)
	}
	if r := c.AspectRatio("7:3"); r.Ratio != "1:1" {
		t.Fatalf("unknown ratio should fall back to first entry, got %+v", r)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"empty":            ``,
		"unknown key":      "[[models]]\nid = \"a\"\ncategory = \"text-to-image\"\ncolour = \"red\"\n",
		"duplicate":        "[[models]]\nid = \"a\"\ncategory = \"text-to-image\"\n[[models]]\nid = \"a\"\ncategory = \"text-to-image\"\n",
		"bad category":     "[[models]]\nid = \"a\"\ncategory = \"audio\"\n",
		"bad mode":         "[[models]]\nid = \"a\"\ncategory = \"text-to-image\"\nmode = \"stream\"\n",
		"negative credits": "[[models]]\nid = \"a\"\ncategory = \"text-to-image\"\ncredits = -1\n",
		"missing default":  "defaultModel = \"b\"\n[[models]]\nid = \"a\"\ncategory = \"text-to-image\"\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(strings.NewReader(doc)); err == nil {
				t.Fatalf("Load should fail")
			}
		})
	}
}

func TestModelsByKindRecommendedFirst(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	videos := c.ModelsByKind(domain.JobKindVideo)
	if len(videos) == 0 || !videos[0].Recommended {
		t.Fatalf("expected a recommended video model first, got %+v", videos)
	}
	for _, m := range videos {
		if m.Kind() != domain.JobKindVideo {
			t.Fatalf("%q is not a video model", m.ID)
		}
	}
}
