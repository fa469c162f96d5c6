package generation

import (
	"strings"

	"genstudio/internal/catalog"
	"genstudio/internal/domain"
)

const (
	defaultImageSize      = 1024
	defaultInferenceSteps = 28
	defaultGuidanceScale  = 3.5
	defaultEffectType     = "cakeify"
	defaultEffectAspect   = "16:9"
	defaultVeoDuration    = "8s"
	defaultVeoAspect      = "auto"
	defaultVeoResolution  = "720p"
	defaultKlingDuration  = "5"
)

// AspectRatios resolves ratio labels to pixel sizes.
type AspectRatios interface {
	AspectRatio(ratio string) catalog.AspectRatio
}

// BuildInput renders the provider input for model. Extra parameters are
// passed through but never override a built field.
func BuildInput(model catalog.Model, req Request, ratios AspectRatios) map[string]any {
	prompt := strings.TrimSpace(req.Prompt)
	p := req.Params

	var input map[string]any
	switch model.Builder {
	case catalog.BuilderWanEffects:
		input = wanEffectsInput(prompt, p)
	case catalog.BuilderVeoFirstLast:
		input = veoFirstLastInput(prompt, p)
	case catalog.BuilderKlingI2V:
		input = klingInput(prompt, p)
	case catalog.BuilderVideo:
		input = videoInput(prompt, p)
	default:
		input = imageInput(prompt, p, ratios)
	}

	if seed := paramSeed(p); seed != nil {
		input["seed"] = *seed
	}
	for k, v := range p.Extra {
		if _, exists := input[k]; !exists {
			input[k] = v
		}
	}
	return input
}

func imageInput(prompt string, p domain.Params, ratios AspectRatios) map[string]any {
	ip := domain.ImageParams{}
	if p.Image != nil {
		ip = *p.Image
	}
	width, height := ip.Width, ip.Height
	if (width <= 0 || height <= 0) && ip.AspectRatio != "" && ratios != nil {
		r := ratios.AspectRatio(ip.AspectRatio)
		width, height = r.Width, r.Height
	}
	if width <= 0 {
		width = defaultImageSize
	}
	if height <= 0 {
		height = defaultImageSize
	}
	steps := ip.NumInferenceSteps
	if steps <= 0 {
		steps = defaultInferenceSteps
	}
	guidance := ip.GuidanceScale
	if guidance <= 0 {
		guidance = defaultGuidanceScale
	}

	input := map[string]any{
		"prompt":              prompt,
		"image_size":          map[string]int{"width": width, "height": height},
		"num_inference_steps": steps,
		"guidance_scale":      guidance,
	}
	if ip.NegativePrompt != "" {
		input["negative_prompt"] = ip.NegativePrompt
	}
	if ip.EnableSafetyChecker != nil {
		input["enable_safety_checker"] = *ip.EnableSafetyChecker
	}
	if ip.Strength != nil {
		input["strength"] = *ip.Strength
	}
	if u := strings.TrimSpace(ip.ImageURL); u != "" {
		input["image_url"] = u
	}
	return input
}

func videoInput(prompt string, p domain.Params) map[string]any {
	input := map[string]any{"prompt": prompt}
	if u, _ := p.InputImage(); strings.TrimSpace(u) != "" {
		input["image_url"] = strings.TrimSpace(u)
	}
	vp := p.Video
	if vp == nil {
		return input
	}
	if vp.AspectRatio != "" {
		input["aspect_ratio"] = vp.AspectRatio
	}
	if vp.Duration != "" {
		input["duration"] = vp.Duration
	}
	if vp.Resolution != "" {
		input["resolution"] = vp.Resolution
	}
	if vp.NegativePrompt != "" {
		input["negative_prompt"] = vp.NegativePrompt
	}
	if vp.EnablePromptExpansion != nil {
		input["enhance_prompt"] = *vp.EnablePromptExpansion
	}
	if vp.EnableSafetyChecker != nil {
		input["enable_safety_checker"] = *vp.EnableSafetyChecker
	}
	if vp.GenerateAudio != nil {
		input["generate_audio"] = *vp.GenerateAudio
	}
	if vp.AudioURL != "" {
		input["audio_url"] = vp.AudioURL
	}
	return input
}

// wanEffectsInput names the prompt "subject"; the effect does the rest.
func wanEffectsInput(prompt string, p domain.Params) map[string]any {
	imageURL, _ := p.InputImage()
	input := map[string]any{
		"subject":      prompt,
		"image_url":    strings.TrimSpace(imageURL),
		"effect_type":  defaultEffectType,
		"aspect_ratio": defaultEffectAspect,
	}
	ep := p.Effect
	if ep == nil {
		return input
	}
	if ep.EffectType != "" {
		input["effect_type"] = ep.EffectType
	}
	if ep.AspectRatio != "" {
		input["aspect_ratio"] = ep.AspectRatio
	}
	if ep.NumFrames > 0 {
		input["num_frames"] = ep.NumFrames
	}
	if ep.FramesPerSecond > 0 {
		input["frames_per_second"] = ep.FramesPerSecond
	}
	if ep.NumInferenceSteps > 0 {
		input["num_inference_steps"] = ep.NumInferenceSteps
	}
	if ep.LoraScale > 0 {
		input["lora_scale"] = ep.LoraScale
	}
	if ep.TurboMode != nil {
		input["turbo_mode"] = *ep.TurboMode
	}
	return input
}

func veoFirstLastInput(prompt string, p domain.Params) map[string]any {
	input := map[string]any{
		"prompt":         prompt,
		"duration":       defaultVeoDuration,
		"aspect_ratio":   defaultVeoAspect,
		"resolution":     defaultVeoResolution,
		"generate_audio": true,
	}
	if p.Frames != nil {
		input["first_frame_url"] = strings.TrimSpace(p.Frames.FirstFrameURL)
		input["last_frame_url"] = strings.TrimSpace(p.Frames.LastFrameURL)
	}
	if vp := p.Video; vp != nil {
		if vp.Duration != "" {
			input["duration"] = vp.Duration
		}
		if vp.AspectRatio != "" {
			input["aspect_ratio"] = vp.AspectRatio
		}
		if vp.Resolution != "" {
			input["resolution"] = vp.Resolution
		}
	}
	return input
}

// klingInput omits aspect_ratio, which the model rejects.
func klingInput(prompt string, p domain.Params) map[string]any {
	imageURL, _ := p.InputImage()
	input := map[string]any{
		"prompt":         prompt,
		"image_url":      strings.TrimSpace(imageURL),
		"duration":       defaultKlingDuration,
		"generate_audio": true,
	}
	if vp := p.Video; vp != nil {
		if d := strings.TrimSuffix(strings.TrimSpace(vp.Duration), "s"); d != "" {
			input["duration"] = d
		}
		if vp.GenerateAudio != nil {
			input["generate_audio"] = *vp.GenerateAudio
		}
		if vp.NegativePrompt != "" {
			input["negative_prompt"] = vp.NegativePrompt
		}
	}
	return input
}

func paramSeed(p domain.Params) *int64 {
	switch {
	case p.Image != nil && p.Image.Seed != nil:
		return p.Image.Seed
	case p.Video != nil && p.Video.Seed != nil:
		return p.Video.Seed
	case p.Effect != nil && p.Effect.Seed != nil:
		return p.Effect.Seed
	}
	return nil
}
