package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"genstudio/internal/domain"
)

//go:embed models.toml
var embeddedCatalog []byte

// DefaultCost applies to models without a configured credit price.
const DefaultCost = 1

// Mode selects how a model is invoked at the provider.
type Mode string

const (
	ModeQueue Mode = "queue"
	ModeSync  Mode = "sync"
)

// Category groups models by the inputs they accept.
type Category string

const (
	CategoryTextToImage    Category = "text-to-image"
	CategoryImageToImage   Category = "image-to-image"
	CategoryTextToVideo    Category = "text-to-video"
	CategoryImageToVideo   Category = "image-to-video"
	CategoryEffect         Category = "effect"
	CategoryFirstLastFrame Category = "first-last-frame"
)

// Builder names the provider input shape used for a model.
type Builder string

const (
	BuilderImage        Builder = "image"
	BuilderVideo        Builder = "video"
	BuilderWanEffects   Builder = "wan-effects"
	BuilderVeoFirstLast Builder = "veo-first-last"
	BuilderKlingI2V     Builder = "kling-i2v"
)

// Model is one catalog entry.
type Model struct {
	ID          string   `toml:"id" json:"id"`
	Name        string   `toml:"name" json:"name"`
	Category    Category `toml:"category" json:"category"`
	Credits     int      `toml:"credits" json:"credits"`
	Mode        Mode     `toml:"mode" json:"mode"`
	Builder     Builder  `toml:"builder" json:"-"`
	Recommended bool     `toml:"recommended" json:"recommended"`
	PromptGuide string   `toml:"promptGuide" json:"prompt_guide,omitempty"`
}

// Kind maps the model category onto the job kind.
func (m Model) Kind() domain.JobKind {
	switch m.Category {
	case CategoryTextToVideo, CategoryImageToVideo, CategoryEffect, CategoryFirstLastFrame:
		return domain.JobKindVideo
	}
	return domain.JobKindImage
}

// RequiresImage reports whether submissions must carry an input image.
func (m Model) RequiresImage() bool {
	switch m.Category {
	case CategoryImageToImage, CategoryImageToVideo, CategoryEffect:
		return true
	}
	return false
}

// RequiresFrames reports whether submissions must carry first and last frames.
func (m Model) RequiresFrames() bool {
	return m.Category == CategoryFirstLastFrame
}

// Cost returns the configured credit price or DefaultCost.
func (m Model) Cost() int {
	if m.Credits > 0 {
		return m.Credits
	}
	return DefaultCost
}

// AspectRatio maps a ratio label to pixel dimensions.
type AspectRatio struct {
	Ratio  string `toml:"ratio" json:"ratio"`
	Width  int    `toml:"width" json:"width"`
	Height int    `toml:"height" json:"height"`
}

type file struct {
	DefaultModel string        `toml:"defaultModel"`
	AspectRatios []AspectRatio `toml:"aspectRatios"`
	Models       []Model       `toml:"models"`
}

// Catalog is an immutable model table loaded once at startup.
type Catalog struct {
	models       map[string]Model
	order        []string
	ratios       []AspectRatio
	defaultModel string
}

// Default loads the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Load(bytes.NewReader(embeddedCatalog))
}

// LoadFile loads the catalog from path, or the embedded one when path is empty.
func LoadFile(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a TOML catalog.
func Load(r io.Reader) (*Catalog, error) {
	var raw file
	meta, err := toml.NewDecoder(r).Decode(&raw)
	if err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("catalog: unknown keys %v", undecoded)
	}
	if len(raw.Models) == 0 {
		return nil, fmt.Errorf("catalog: no models defined")
	}

	c := &Catalog{
		models: make(map[string]Model, len(raw.Models)),
		ratios: raw.AspectRatios,
	}
	for _, m := range raw.Models {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, fmt.Errorf("catalog: model without id")
		}
		if _, dup := c.models[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model %q", m.ID)
		}
		if m.Credits < 0 {
			return nil, fmt.Errorf("catalog: model %q has negative credits", m.ID)
		}
		switch m.Category {
		case CategoryTextToImage, CategoryImageToImage, CategoryTextToVideo,
			CategoryImageToVideo, CategoryEffect, CategoryFirstLastFrame:
		default:
			return nil, fmt.Errorf("catalog: model %q has unknown category %q", m.ID, m.Category)
		}
		switch m.Mode {
		case "":
			m.Mode = ModeQueue
		case ModeQueue, ModeSync:
		default:
			return nil, fmt.Errorf("catalog: model %q has unknown mode %q", m.ID, m.Mode)
		}
		if m.Builder == "" {
			if m.Kind() == domain.JobKindVideo {
				m.Builder = BuilderVideo
			} else {
				m.Builder = BuilderImage
			}
		}
		c.models[m.ID] = m
		c.order = append(c.order, m.ID)
	}

	c.defaultModel = strings.TrimSpace(raw.DefaultModel)
	if c.defaultModel == "" {
		c.defaultModel = c.order[0]
	}
	if _, ok := c.models[c.defaultModel]; !ok {
		return nil, fmt.Errorf("catalog: default model %q is not defined", c.defaultModel)
	}
	if len(c.ratios) == 0 {
		c.ratios = []AspectRatio{{Ratio: "1:1", Width: 1024, Height: 1024}}
	}
	return c, nil
}

// Lookup returns the model with id.
func (c *Catalog) Lookup(id string) (Model, bool) {
	m, ok := c.models[strings.TrimSpace(id)]
	return m, ok
}

// Cost returns the credit price for id. Unknown models cost DefaultCost.
func (c *Catalog) Cost(id string) int {
	if m, ok := c.Lookup(id); ok {
		return m.Cost()
	}
	return DefaultCost
}

// DefaultModel is used when a submission names no model.
func (c *Catalog) DefaultModel() string {
	return c.defaultModel
}

// Models lists entries in catalog order.
func (c *Catalog) Models() []Model {
	out := make([]Model, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.models[id])
	}
	return out
}

// ModelsByKind lists entries of kind, recommended first.
func (c *Catalog) ModelsByKind(kind domain.JobKind) []Model {
	var out []Model
	for _, m := range c.Models() {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Recommended && !out[j].Recommended
	})
	return out
}

// AspectRatio resolves a ratio label. Unknown labels fall back to the first entry.
func (c *Catalog) AspectRatio(ratio string) AspectRatio {
	ratio = strings.TrimSpace(ratio)
	for _, r := range c.ratios {
		if r.Ratio == ratio {
			return r
		}
	}
	return c.ratios[0]
}

// AspectRatios lists the configured ratios.
func (c *Catalog) AspectRatios() []AspectRatio {
	return append([]AspectRatio(nil), c.ratios...)
}
