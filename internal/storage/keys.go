package storage

import (
	"fmt"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	"genstudio/internal/domain"
)

// MaxPromptMetadataLength bounds the prompt stored as object metadata.
const MaxPromptMetadataLength = 1000

const (
	prefixImages     = "images"
	prefixVideos     = "videos"
	prefixThumbnails = "thumbnails"
)

// PrimaryKey is the durable key of a job's result. It is derived from the
// completion time and the job id so a retried promotion overwrites the same
// object while two jobs finishing in the same millisecond never share one.
func PrimaryKey(kind domain.JobKind, accountID, jobID string, completedAt time.Time, ext string) string {
	prefix := prefixImages
	if kind == domain.JobKindVideo {
		prefix = prefixVideos
	}
	return objectKey(prefix, accountID, jobID, completedAt, ext)
}

// ThumbnailKey is the durable key of an image job's thumbnail.
func ThumbnailKey(accountID, jobID string, completedAt time.Time) string {
	return objectKey(prefixThumbnails, accountID, jobID, completedAt, "jpg")
}

func objectKey(prefix, accountID, jobID string, completedAt time.Time, ext string) string {
	return fmt.Sprintf("%s/%s/%d-%s.%s", prefix, safeSegment(accountID), completedAt.UTC().UnixMilli(), safeSegment(jobID), strings.TrimPrefix(ext, "."))
}

// ExtensionFor picks a file extension for contentType, falling back to the
// job kind's default.
func ExtensionFor(contentType string, kind domain.JobKind) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	case "video/quicktime":
		return "mov"
	}
	if kind == domain.JobKindVideo {
		return "mp4"
	}
	return "png"
}

// DefaultContentType is used when a download carries no usable type.
func DefaultContentType(kind domain.JobKind) string {
	if kind == domain.JobKindVideo {
		return "video/mp4"
	}
	return "image/png"
}

// Metadata is the object metadata attached to promoted results.
func Metadata(job *domain.GenerationJob) map[string]string {
	return map[string]string{
		"prompt":    truncateRunes(job.Prompt, MaxPromptMetadataLength),
		"accountId": job.AccountID,
		"jobId":     job.ID,
	}
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// safeSegment keeps a caller-supplied id from introducing path separators.
func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	if strings.Trim(s, ".") == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.' || r == '@' || r == '|':
			return r
		}
		return '_'
	}, s)
}
