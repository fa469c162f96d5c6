package domain

import "strings"

// Params is the per-model parameter bag. Exactly the variants relevant to the
// model's category are populated; Extra carries provider pass-through fields
// the service does not interpret.
type Params struct {
	Image  *ImageParams   `json:"image,omitempty"`
	Video  *VideoParams   `json:"video,omitempty"`
	Effect *EffectParams  `json:"effect,omitempty"`
	Frames *FrameParams   `json:"frames,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// ImageParams covers text-to-image and image-to-image models.
type ImageParams struct {
	Width               int      `json:"width,omitempty"`
	Height              int      `json:"height,omitempty"`
	AspectRatio         string   `json:"aspect_ratio,omitempty"`
	NumInferenceSteps   int      `json:"num_inference_steps,omitempty"`
	GuidanceScale       float64  `json:"guidance_scale,omitempty"`
	Seed                *int64   `json:"seed,omitempty"`
	NegativePrompt      string   `json:"negative_prompt,omitempty"`
	EnableSafetyChecker *bool    `json:"enable_safety_checker,omitempty"`
	Strength            *float64 `json:"strength,omitempty"`
	ImageURL            string   `json:"image_url,omitempty"`
	ImageFile           string   `json:"image_file,omitempty"`
}

// VideoParams covers text-to-video and image-to-video models.
type VideoParams struct {
	AspectRatio           string `json:"aspect_ratio,omitempty"`
	Duration              string `json:"duration,omitempty"`
	Resolution            string `json:"resolution,omitempty"`
	NegativePrompt        string `json:"negative_prompt,omitempty"`
	EnablePromptExpansion *bool  `json:"enable_prompt_expansion,omitempty"`
	EnableSafetyChecker   *bool  `json:"enable_safety_checker,omitempty"`
	GenerateAudio         *bool  `json:"generate_audio,omitempty"`
	Seed                  *int64 `json:"seed,omitempty"`
	ImageURL              string `json:"image_url,omitempty"`
	ImageFile             string `json:"image_file,omitempty"`
	AudioURL              string `json:"audio_url,omitempty"`
}

// EffectParams covers effect models that animate a subject image.
type EffectParams struct {
	EffectType        string  `json:"effect_type,omitempty"`
	AspectRatio       string  `json:"aspect_ratio,omitempty"`
	NumFrames         int     `json:"num_frames,omitempty"`
	FramesPerSecond   int     `json:"frames_per_second,omitempty"`
	NumInferenceSteps int     `json:"num_inference_steps,omitempty"`
	LoraScale         float64 `json:"lora_scale,omitempty"`
	TurboMode         *bool   `json:"turbo_mode,omitempty"`
	Seed              *int64  `json:"seed,omitempty"`
	ImageURL          string  `json:"image_url,omitempty"`
	ImageFile         string  `json:"image_file,omitempty"`
}

// FrameParams covers first/last frame interpolation models.
type FrameParams struct {
	FirstFrameURL  string `json:"first_frame_url,omitempty"`
	FirstFrameFile string `json:"first_frame_file,omitempty"`
	LastFrameURL   string `json:"last_frame_url,omitempty"`
	LastFrameFile  string `json:"last_frame_file,omitempty"`
}

// InputImage returns the input image reference of whichever variant is set,
// preferring an uploaded URL over an inline file.
func (p Params) InputImage() (url string, inline string) {
	switch {
	case p.Image != nil:
		return p.Image.ImageURL, p.Image.ImageFile
	case p.Video != nil:
		return p.Video.ImageURL, p.Video.ImageFile
	case p.Effect != nil:
		return p.Effect.ImageURL, p.Effect.ImageFile
	}
	return "", ""
}

// HasInputImage reports whether an input image was supplied in any form.
func (p Params) HasInputImage() bool {
	u, f := p.InputImage()
	return strings.TrimSpace(u) != "" || strings.TrimSpace(f) != ""
}

// HasFrames reports whether both interpolation frames were supplied.
func (p Params) HasFrames() bool {
	if p.Frames == nil {
		return false
	}
	first := strings.TrimSpace(p.Frames.FirstFrameURL) != "" || strings.TrimSpace(p.Frames.FirstFrameFile) != ""
	last := strings.TrimSpace(p.Frames.LastFrameURL) != "" || strings.TrimSpace(p.Frames.LastFrameFile) != ""
	return first && last
}

// HasInlineUploads reports whether any inline payload still needs uploading.
func (p Params) HasInlineUploads() bool {
	_, inline := p.InputImage()
	if strings.TrimSpace(inline) != "" {
		return true
	}
	if p.Frames != nil {
		return strings.TrimSpace(p.Frames.FirstFrameFile) != "" || strings.TrimSpace(p.Frames.LastFrameFile) != ""
	}
	return false
}

// Clone deep-copies the bag.
func (p Params) Clone() Params {
	out := Params{}
	if p.Image != nil {
		v := *p.Image
		out.Image = &v
	}
	if p.Video != nil {
		v := *p.Video
		out.Video = &v
	}
	if p.Effect != nil {
		v := *p.Effect
		out.Effect = &v
	}
	if p.Frames != nil {
		v := *p.Frames
		out.Frames = &v
	}
	if p.Extra != nil {
		out.Extra = make(map[string]any, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
