package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"genstudio/internal/domain"
)

func TestPrimaryKeyIsDeterministic(t *testing.T) {
	completed := time.UnixMilli(1735689600123)
	tests := []struct {
		kind domain.JobKind
		ext  string
		want string
	}{
		{domain.JobKindImage, "png", "images/acct-1/1735689600123-job-1.png"},
		{domain.JobKindVideo, ".mp4", "videos/acct-1/1735689600123-job-1.mp4"},
	}
	for _, tc := range tests {
		if got := PrimaryKey(tc.kind, "acct-1", "job-1", completed, tc.ext); got != tc.want {
			t.Fatalf("PrimaryKey = %q, want %q", got, tc.want)
		}
	}
	if got := ThumbnailKey("acct-1", "job-1", completed); got != "thumbnails/acct-1/1735689600123-job-1.jpg" {
		t.Fatalf("ThumbnailKey = %q", got)
	}
	if got := PrimaryKey(domain.JobKindImage, "../evil/x", "../job", completed, "png"); strings.Count(got, "/") != 2 {
		t.Fatalf("account or job id escaped its segment: %q", got)
	}
}

func TestKeysDifferForJobsCompletedTogether(t *testing.T) {
	completed := time.UnixMilli(1735689600123)
	a := PrimaryKey(domain.JobKindImage, "acct-1", "job-a", completed, "png")
	b := PrimaryKey(domain.JobKindImage, "acct-1", "job-b", completed, "png")
	if a == b {
		t.Fatalf("same-millisecond jobs share key %q", a)
	}
	if ThumbnailKey("acct-1", "job-a", completed) == ThumbnailKey("acct-1", "job-b", completed) {
		t.Fatal("same-millisecond jobs share a thumbnail key")
	}
	if again := PrimaryKey(domain.JobKindImage, "acct-1", "job-a", completed, "png"); again != a {
		t.Fatalf("retry key = %q, want %q", again, a)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		contentType string
		kind        domain.JobKind
		want        string
	}{
		{"image/jpeg", domain.JobKindImage, "jpg"},
		{"image/webp; charset=binary", domain.JobKindImage, "webp"},
		{"video/webm", domain.JobKindVideo, "webm"},
		{"application/octet-stream", domain.JobKindVideo, "mp4"},
		{"", domain.JobKindImage, "png"},
	}
	for _, tc := range tests {
		if got := ExtensionFor(tc.contentType, tc.kind); got != tc.want {
			t.Fatalf("ExtensionFor(%q) = %q, want %q", tc.contentType, got, tc.want)
		}
	}
}

func TestMetadataTruncatesPrompt(t *testing.T) {
	job := &domain.GenerationJob{ID: "job-1", AccountID: "acct", Prompt: strings.Repeat("ü", 1200)}
	meta := Metadata(job)
	if n := len([]rune(meta["prompt"])); n != MaxPromptMetadataLength {
		t.Fatalf("prompt runes = %d, want %d", n, MaxPromptMetadataLength)
	}
	if meta["accountId"] != "acct" || meta["jobId"] != "job-1" {
		t.Fatalf("metadata = %#v", meta)
	}
}

func TestSanitizeKey(t *testing.T) {
	for _, bad := range []string{"", "..", "../x", "/../../etc/passwd", "."} {
		if _, err := sanitizeKey(bad); err == nil {
			t.Fatalf("sanitizeKey(%q) should fail", bad)
		}
	}
	got, err := sanitizeKey("/images//a/./b.png")
	if err != nil || got != "images/a/b.png" {
		t.Fatalf("sanitizeKey = %q, %v", got, err)
	}
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), "http://files.test/files", "secret")
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	key := "images/acct/1.png"
	if err := s.Put(ctx, key, []byte("png-bytes"), "image/png", map[string]string{"jobId": "j1"}); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	body, contentType, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "png-bytes" || contentType != "image/png" {
		t.Fatalf("Get = %q %q", data, contentType)
	}
	if got := s.URL(key); got != "http://files.test/files/images/acct/1.png" {
		t.Fatalf("URL = %q", got)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, _, err := s.Get(ctx, key); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
}

func TestFileStoreSignedURLHandler(t *testing.T) {
	s := newFileStore(t)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()
	if err := s.Put(ctx, "videos/acct/2.mp4", []byte("mp4"), "video/mp4", nil); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	signed, err := s.SignedURL(ctx, "videos/acct/2.mp4", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL error: %v", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse signed url: %v", err)
	}
	handler := s.Handler("/files")

	serve := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	rec := serve(u.RequestURI())
	if rec.Code != http.StatusOK || rec.Body.String() != "mp4" || rec.Header().Get("Content-Type") != "video/mp4" {
		t.Fatalf("signed fetch = %d %q %q", rec.Code, rec.Body.String(), rec.Header().Get("Content-Type"))
	}

	tampered := strings.Replace(u.RequestURI(), "2.mp4", "3.mp4", 1)
	if rec := serve(tampered); rec.Code != http.StatusForbidden {
		t.Fatalf("tampered key status = %d, want 403", rec.Code)
	}
	if rec := serve("/files/videos/acct/2.mp4"); rec.Code != http.StatusForbidden {
		t.Fatalf("unsigned status = %d, want 403", rec.Code)
	}

	now = now.Add(2 * time.Hour)
	if rec := serve(u.RequestURI()); rec.Code != http.StatusForbidden {
		t.Fatalf("expired status = %d, want 403", rec.Code)
	}
}

func TestHeaderSafeMetadata(t *testing.T) {
	out := headerSafeMetadata(map[string]string{"prompt": "café au lait", "jobId": "j1"})
	if out["jobId"] != "j1" {
		t.Fatalf("ascii value changed: %q", out["jobId"])
	}
	if out["prompt"] != "caf%C3%A9+au+lait" {
		t.Fatalf("prompt = %q", out["prompt"])
	}
}
