package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"genstudio/internal/domain"
)

// MaxInlineUploadBytes bounds a single decoded inline input.
const MaxInlineUploadBytes = 20 << 20

// Preflight uploads inline inputs through up and returns params that
// reference the uploaded URLs instead. It runs before any credit is reserved,
// so every failure is a validation error.
func Preflight(ctx context.Context, up Uploader, params domain.Params) (domain.Params, error) {
	out := params.Clone()
	if !out.HasInlineUploads() {
		return out, nil
	}
	if up == nil {
		return params, domain.NewValidationError("image_file", "inline uploads are not supported")
	}

	replace := func(field string, urlField, fileField *string) error {
		inline := strings.TrimSpace(*fileField)
		if inline == "" {
			return nil
		}
		data, contentType, err := DecodeInline(inline)
		if err != nil {
			return &domain.ValidationError{Field: field, Message: err.Error(), Err: err}
		}
		uploaded, err := up.Upload(ctx, data, contentType, uploadName(field, contentType))
		if err != nil {
			return &domain.ValidationError{Field: field, Message: "failed to upload input file", Err: err}
		}
		*urlField = uploaded
		*fileField = ""
		return nil
	}

	switch {
	case out.Image != nil:
		if err := replace("image_file", &out.Image.ImageURL, &out.Image.ImageFile); err != nil {
			return params, err
		}
	case out.Video != nil:
		if err := replace("image_file", &out.Video.ImageURL, &out.Video.ImageFile); err != nil {
			return params, err
		}
	case out.Effect != nil:
		if err := replace("image_file", &out.Effect.ImageURL, &out.Effect.ImageFile); err != nil {
			return params, err
		}
	}
	if out.Frames != nil {
		if err := replace("first_frame_file", &out.Frames.FirstFrameURL, &out.Frames.FirstFrameFile); err != nil {
			return params, err
		}
		if err := replace("last_frame_file", &out.Frames.LastFrameURL, &out.Frames.LastFrameFile); err != nil {
			return params, err
		}
	}
	return out, nil
}

// DecodeInline decodes a data URL or a bare base64 payload.
func DecodeInline(inline string) ([]byte, string, error) {
	contentType := ""
	payload := inline
	if strings.HasPrefix(inline, "data:") {
		header, body, ok := strings.Cut(inline[len("data:"):], ",")
		if !ok {
			return nil, "", errors.New("malformed data URL")
		}
		if !strings.HasSuffix(header, ";base64") {
			return nil, "", errors.New("data URL must be base64 encoded")
		}
		contentType = strings.TrimSuffix(header, ";base64")
		payload = body
	}
	payload = strings.TrimSpace(payload)
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxInlineUploadBytes {
		return nil, "", fmt.Errorf("inline file exceeds %d bytes", MaxInlineUploadBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", errors.New("invalid base64 payload")
		}
	}
	if len(data) == 0 {
		return nil, "", errors.New("inline file is empty")
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func uploadName(field, contentType string) string {
	base := strings.TrimSuffix(field, "_file")
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return base + exts[0]
	}
	return base + ".bin"
}
