package zip

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Entry is one archive member. Open is called only when the entry is written,
// so large archives stream without holding every file in memory.
type Entry struct {
	Filename string
	Modified time.Time
	Open     func(ctx context.Context) (io.ReadCloser, error)
}

// Write streams entries into a zip archive on w. Duplicate names get a
// numeric suffix. Entries whose Open fails are skipped and reported in the
// returned slice; a write error aborts the archive.
func Write(ctx context.Context, w io.Writer, entries []Entry) (skipped []string, err error) {
	zw := zip.NewWriter(w)
	seen := make(map[string]int, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return skipped, err
		}
		rc, err := entry.Open(ctx)
		if err != nil {
			skipped = append(skipped, entry.Filename)
			continue
		}
		header := &zip.FileHeader{
			Name:     uniqueName(seen, entry.Filename),
			Method:   zip.Deflate,
			Modified: entry.Modified,
		}
		fw, err := zw.CreateHeader(header)
		if err != nil {
			rc.Close()
			return skipped, fmt.Errorf("zip header %s: %w", header.Name, err)
		}
		_, err = io.Copy(fw, rc)
		rc.Close()
		if err != nil {
			return skipped, fmt.Errorf("zip write %s: %w", header.Name, err)
		}
	}
	return skipped, zw.Close()
}

func uniqueName(seen map[string]int, name string) string {
	name = strings.TrimLeft(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
	if name == "" {
		name = "file"
	}
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}
