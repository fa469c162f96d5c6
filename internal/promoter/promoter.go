// Package promoter materializes generation results in two phases: the job
// completes against the provider's ephemeral URL, then the bytes are copied
// into durable storage and the job is upgraded in place.
package promoter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"genstudio/internal/domain"
	"genstudio/internal/imaging"
	"genstudio/internal/infra"
	"genstudio/internal/providers/generation"
	"genstudio/internal/storage"
)

const (
	DefaultSignedURLTTL     = 24 * time.Hour
	DefaultMaxDownloadBytes = 512 << 20
	backgroundTimeout       = 10 * time.Minute
)

// Options configures a Promoter. SignedURLCache, how long a signed URL is
// reused, defaults to 23/24 of SignedURLTTL.
type Options struct {
	SignedURLTTL     time.Duration
	SignedURLCache   time.Duration
	MaxDownloadBytes int64
	HTTPClient       *http.Client
	Logger           zerolog.Logger
	Now              func() time.Time

	// Allowlist restricts result downloads to these hosts and their
	// subdomains. Empty allows any host.
	Allowlist []string
}

// Promoter owns the result fields of a job: the reference, storage keys and
// the signed URL cache. It never changes job state after Phase 1.
type Promoter struct {
	jobs       domain.JobRepository
	store      storage.Store
	signTTL    time.Duration
	cacheFor   time.Duration
	maxBytes   int64
	allowlist  []string
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

// URLs are the client-facing addresses of a job's result.
type URLs struct {
	Primary   string
	Thumbnail string
}

// New constructs a Promoter.
func New(jobs domain.JobRepository, store storage.Store, opts Options) *Promoter {
	p := &Promoter{
		jobs:       jobs,
		store:      store,
		signTTL:    opts.SignedURLTTL,
		cacheFor:   opts.SignedURLCache,
		maxBytes:   opts.MaxDownloadBytes,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if p.signTTL <= 0 {
		p.signTTL = DefaultSignedURLTTL
	}
	if p.cacheFor <= 0 || p.cacheFor >= p.signTTL {
		p.cacheFor = p.signTTL - p.signTTL/24
	}
	if p.maxBytes <= 0 {
		p.maxBytes = DefaultMaxDownloadBytes
	}
	if p.httpClient == nil {
		p.httpClient = NewDownloadClient(time.Minute)
	}
	if p.now == nil {
		p.now = time.Now
	}
	for _, h := range opts.Allowlist {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			p.allowlist = append(p.allowlist, h)
		}
	}
	return p
}

// CompleteWithEphemeral moves a PROCESSING job to COMPLETED carrying the
// provider's URL. The reference is set in the same write as the state.
func (p *Promoter) CompleteWithEphemeral(ctx context.Context, jobID string, res *generation.Result) (*domain.GenerationJob, error) {
	if res == nil || strings.TrimSpace(res.URL) == "" {
		return nil, &domain.ProviderError{Kind: domain.ProviderMalformed, Message: "provider result has no URL"}
	}
	completed := domain.JobStateCompleted
	now := p.now().UTC()
	ref := strings.TrimSpace(res.URL)
	patch := domain.JobPatch{
		State:           &completed,
		ExpectedStates:  []domain.JobState{domain.JobStateProcessing},
		ResultReference: &ref,
		Width:           res.Width,
		Height:          res.Height,
		Seed:            res.Seed,
		CompletedAt:     &now,
	}
	if res.CorrelationID != "" {
		id := res.CorrelationID
		patch.CorrelationID = &id
	}
	job, err := p.jobs.Patch(ctx, jobID, patch)
	if err != nil {
		return nil, fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return job, nil
}

// Promote copies the result into durable storage and records the keys.
// Failures leave the job untouched and are returned as *domain.StorageError.
func (p *Promoter) Promote(ctx context.Context, job *domain.GenerationJob) (out *domain.GenerationJob, err error) {
	if job.Promoted() {
		return job, nil
	}
	if job.State != domain.JobStateCompleted || job.ResultReference == nil || *job.ResultReference == "" {
		return nil, &domain.StorageError{Op: "promote", Err: fmt.Errorf("job %s has no result to promote", job.ID)}
	}

	ctx, span := infra.StartSpan(ctx, "promoter.promote",
		attribute.String("job_id", job.ID),
		attribute.String("kind", string(job.Kind)),
	)
	defer func() { infra.EndSpan(span, err) }()

	data, contentType, err := p.fetch(ctx, *job.ResultReference)
	if err != nil {
		return nil, &domain.StorageError{Op: "download", Err: err}
	}
	if contentType == "" {
		contentType = storage.DefaultContentType(job.Kind)
	}

	completedAt := p.now()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}
	key := storage.PrimaryKey(job.Kind, job.AccountID, job.ID, completedAt, storage.ExtensionFor(contentType, job.Kind))
	meta := storage.Metadata(job)

	var thumbKey string
	var thumb []byte
	if job.Kind == domain.JobKindImage {
		thumb, err = imaging.Thumbnail(data)
		if err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("promoter: thumbnail skipped")
		} else {
			thumbKey = storage.ThumbnailKey(job.AccountID, job.ID, completedAt)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.store.Put(gctx, key, data, contentType, meta); err != nil {
			return &domain.StorageError{Op: "put", Key: key, Err: err}
		}
		return nil
	})
	if thumbKey != "" {
		g.Go(func() error {
			if err := p.store.Put(gctx, thumbKey, thumb, imaging.ThumbnailType, meta); err != nil {
				return &domain.StorageError{Op: "put", Key: thumbKey, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	durable := p.store.URL(key)
	patch := domain.JobPatch{StorageKey: &key, ResultReference: &durable}
	if thumbKey != "" {
		patch.ThumbnailKey = &thumbKey
	}
	updated, err := p.jobs.Patch(ctx, job.ID, patch)
	if err != nil {
		return nil, &domain.StorageError{Op: "record", Key: key, Err: err}
	}
	p.logger.Info().
		Str("job_id", job.ID).
		Str("storage_key", key).
		Str("thumbnail_key", thumbKey).
		Int("bytes", len(data)).
		Msg("promoter: result promoted")
	return updated, nil
}

// Schedule promotes job in the background. Wait blocks until scheduled work
// has drained.
func (p *Promoter) Schedule(ctx context.Context, job *domain.GenerationJob) {
	bg := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(bg, backgroundTimeout)
		defer cancel()
		if _, err := p.Promote(ctx, job); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("promoter: background promotion failed")
		}
	}()
}

// Wait blocks until background work finishes or ctx ends.
func (p *Promoter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PromotePending runs Promote over completed jobs that have no durable copy.
// It returns how many were promoted; individual failures are logged.
func (p *Promoter) PromotePending(ctx context.Context, limit int) (int, error) {
	jobs, err := p.jobs.ListUnpromoted(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unpromoted: %w", err)
	}
	promoted := 0
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		if _, err := p.Promote(ctx, job); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("promoter: backfill failed")
			continue
		}
		promoted++
	}
	return promoted, nil
}

// ResolveURLs returns signed URLs for a promoted job, reusing cached ones
// until they expire. Unpromoted jobs resolve to their ephemeral reference;
// a missing thumbnail resolves to the primary URL. Refreshed URLs are
// persisted in the background.
func (p *Promoter) ResolveURLs(ctx context.Context, job *domain.GenerationJob) URLs {
	var urls URLs
	if job.ResultReference != nil {
		urls.Primary = *job.ResultReference
	}
	now := p.now()
	var patch domain.JobPatch

	if job.Promoted() {
		if signed, exp, fresh := p.sign(ctx, *job.StorageKey, job.SignedURL, job.SignedURLExpiresAt, now); signed != "" {
			urls.Primary = signed
			if fresh {
				patch.SignedURL, patch.SignedURLExpiresAt = &signed, &exp
			}
		}
	}
	urls.Thumbnail = urls.Primary
	if job.ThumbnailKey != nil && *job.ThumbnailKey != "" {
		if signed, exp, fresh := p.sign(ctx, *job.ThumbnailKey, job.ThumbnailSignedURL, job.ThumbnailSignedURLExpiresAt, now); signed != "" {
			urls.Thumbnail = signed
			if fresh {
				patch.ThumbnailSignedURL, patch.ThumbnailSignedURLExpiresAt = &signed, &exp
			}
		}
	}

	if !patch.Empty() {
		p.persistCache(ctx, job.ID, patch)
	}
	return urls
}

// sign returns the cached URL while it is valid, otherwise a new one with
// fresh set. Signing failures fall back to the unsigned object URL.
func (p *Promoter) sign(ctx context.Context, key string, cached *string, expires *time.Time, now time.Time) (string, time.Time, bool) {
	if cached != nil && *cached != "" && expires != nil && now.Before(*expires) {
		return *cached, *expires, false
	}
	signed, err := p.store.SignedURL(ctx, key, p.signTTL)
	if err != nil {
		p.logger.Warn().Err(err).Str("storage_key", key).Msg("promoter: signing failed")
		return p.store.URL(key), time.Time{}, false
	}
	return signed, now.Add(p.cacheFor).UTC(), true
}

func (p *Promoter) persistCache(ctx context.Context, jobID string, patch domain.JobPatch) {
	bg := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(bg, 30*time.Second)
		defer cancel()
		if _, err := p.jobs.Patch(ctx, jobID, patch); err != nil {
			p.logger.Warn().Err(err).Str("job_id", jobID).Msg("promoter: failed to cache signed url")
		}
	}()
}

// NewDownloadClient returns a client that only limits the wait for response
// headers. Body transfer is bounded by the caller's context, so large videos
// are not cut off mid-stream.
func NewDownloadClient(headerTimeout time.Duration) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: t}
}

func (p *Promoter) fetch(ctx context.Context, ref string) ([]byte, string, error) {
	if strings.HasPrefix(ref, "data:") {
		data, contentType, err := generation.DecodeInline(ref)
		if err != nil {
			return nil, "", fmt.Errorf("decode data url: %w", err)
		}
		return data, contentType, nil
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, "", fmt.Errorf("unsupported result reference %q", ref)
	}
	if !p.hostAllowed(u.Hostname()) {
		return nil, "", fmt.Errorf("result host %q is not allowed", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch result: status %d", resp.StatusCode)
	}
	if resp.ContentLength > p.maxBytes {
		return nil, "", fmt.Errorf("result is %d bytes, limit %d", resp.ContentLength, p.maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read result: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, "", fmt.Errorf("result exceeds %d bytes", p.maxBytes)
	}
	if len(data) == 0 {
		return nil, "", errors.New("result is empty")
	}
	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || mediaType == "application/octet-stream" || mediaType == "binary/octet-stream" {
		contentType = http.DetectContentType(data)
		if strings.HasPrefix(contentType, "application/octet-stream") || strings.HasPrefix(contentType, "text/plain") {
			contentType = ""
		}
	}
	return data, contentType, nil
}

func (p *Promoter) hostAllowed(host string) bool {
	if len(p.allowlist) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range p.allowlist {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
