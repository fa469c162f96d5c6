package generation

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"genstudio/internal/domain"
)

type mediaFile struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Width       *int   `json:"width"`
	Height      *int   `json:"height"`
}

// ExtractResult normalizes a provider response. The result URL is looked up
// in order: video.url, videos[0].url, video as a plain string, images[0].url.
func ExtractResult(raw json.RawMessage, kind domain.JobKind) (*Result, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return nil, &domain.ProviderError{
			Kind:    domain.ProviderMalformed,
			Message: "provider returned a non-object response",
			Err:     err,
		}
	}

	file, isVideo := findMedia(body)
	if file == nil || strings.TrimSpace(file.URL) == "" {
		return nil, &domain.ProviderError{
			Kind:    domain.ProviderMalformed,
			Message: domain.TruncateErrorMessage(fmt.Sprintf("no result URL returned by provider; response keys: %s", strings.Join(sortedKeys(body), ", "))),
		}
	}

	res := &Result{
		URL:         strings.TrimSpace(file.URL),
		ContentType: file.ContentType,
		Width:       positive(file.Width),
		Height:      positive(file.Height),
		Seed:        readSeed(body["seed"]),
	}
	if (isVideo || kind == domain.JobKindVideo) && (res.Width == nil || res.Height == nil) {
		w, h := VideoPlaceholderWidth, VideoPlaceholderHeight
		res.Width, res.Height = &w, &h
	}
	return res, nil
}

func findMedia(body map[string]json.RawMessage) (*mediaFile, bool) {
	if raw, ok := body["video"]; ok {
		var f mediaFile
		if json.Unmarshal(raw, &f) == nil && f.URL != "" {
			return &f, true
		}
	}
	if raw, ok := body["videos"]; ok {
		var list []mediaFile
		if json.Unmarshal(raw, &list) == nil && len(list) > 0 && list[0].URL != "" {
			return &list[0], true
		}
	}
	if raw, ok := body["video"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return &mediaFile{URL: s}, true
		}
	}
	if raw, ok := body["images"]; ok {
		var list []mediaFile
		if json.Unmarshal(raw, &list) == nil && len(list) > 0 && list[0].URL != "" {
			return &list[0], false
		}
	}
	return nil, false
}

// readSeed accepts the seed as a JSON number or numeric string.
func readSeed(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return nil
		}
		n = json.Number(s)
	}
	if v, err := n.Int64(); err == nil {
		return &v
	}
	if f, err := n.Float64(); err == nil && f >= math.MinInt64 && f <= math.MaxInt64 {
		v := int64(f)
		return &v
	}
	return nil
}

func positive(v *int) *int {
	if v == nil || *v <= 0 {
		return nil
	}
	c := *v
	return &c
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
