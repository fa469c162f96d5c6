// Package bootstrap assembles the service graph shared by the api, worker
// and genctl binaries from an infra.Config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"genstudio/internal/adapter/memory"
	"genstudio/internal/adapter/repo"
	"genstudio/internal/catalog"
	"genstudio/internal/dispatcher"
	"genstudio/internal/domain"
	"genstudio/internal/infra"
	"genstudio/internal/infra/credentials"
	"genstudio/internal/ledger"
	"genstudio/internal/payments"
	"genstudio/internal/promoter"
	"genstudio/internal/providers/fal"
	"genstudio/internal/providers/generation"
	"genstudio/internal/queue"
	"genstudio/internal/status"
	"genstudio/internal/storage"
)

// Services is the wired application. Fields that do not apply to the
// configured backends are nil.
type Services struct {
	Config *infra.Config
	Logger zerolog.Logger

	Pool        *pgxpool.Pool
	Runner      *infra.SQLRunner
	Memory      *memory.Store
	Jobs        domain.JobRepository
	Credentials *credentials.Store

	Catalog    *catalog.Catalog
	Ledger     *ledger.Ledger
	Store      storage.Store
	Files      *storage.FileStore
	Adapter    generation.Adapter
	Promoter   *promoter.Promoter
	Queue      queue.Queue
	Dispatcher *dispatcher.Dispatcher
	Status     *status.Service

	closers []func(context.Context)
}

// Build connects every backend named by cfg. On error, whatever was opened
// is closed again.
func Build(ctx context.Context, cfg *infra.Config, logger zerolog.Logger, component string) (svc *Services, err error) {
	s := &Services{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	shutdownTracing, err := infra.InitTracing(ctx, cfg, component, logger)
	if err != nil {
		return nil, err
	}
	s.onClose(func(ctx context.Context) { _ = shutdownTracing(ctx) })

	if s.Catalog, err = loadCatalog(cfg); err != nil {
		return nil, err
	}

	var ledgerRepo domain.LedgerRepository
	switch cfg.StoreBackend {
	case "memory":
		s.Memory = memory.NewStore()
		s.Jobs, ledgerRepo = s.Memory, s.Memory
		logger.Warn().Msg("bootstrap: using in-memory store, data is lost on restart")
	default:
		if s.Pool, err = infra.NewDBPool(ctx, cfg); err != nil {
			return nil, err
		}
		s.onClose(func(context.Context) { s.Pool.Close() })
		if cfg.AutoMigrate {
			if err = infra.Migrate(ctx, s.Pool, logger); err != nil {
				return nil, err
			}
		}
		s.Runner = infra.NewSQLRunner(s.Pool, logger)
		s.Jobs = repo.NewJobRepository(s.Runner)
		ledgerRepo = repo.NewLedgerRepository(s.Runner, s.Pool)
		s.Credentials = credentials.NewStore(s.Runner)
	}
	s.Ledger = ledger.New(ledgerRepo, s.Catalog, payments.Pricing{}, logger)

	if err = s.buildStorage(ctx); err != nil {
		return nil, err
	}
	s.Promoter = promoter.New(s.Jobs, s.Store, promoter.Options{
		SignedURLTTL:     cfg.Storage.SignedURLTTL,
		MaxDownloadBytes: cfg.Provider.MaxDownloadBytes,
		HTTPClient:       promoter.NewDownloadClient(cfg.Provider.HTTPTimeout),
		Allowlist:        cfg.ResultSourceAllowlist,
		Logger:           logger,
	})

	adapter, uploader, err := s.buildAdapter(ctx)
	if err != nil {
		return nil, err
	}
	s.Adapter = adapter

	if s.Queue, err = s.buildQueue(ctx); err != nil {
		return nil, err
	}
	s.onClose(func(context.Context) { _ = s.Queue.Close() })

	s.Dispatcher = dispatcher.New(s.Jobs, s.Ledger, s.Catalog, adapter, uploader, s.Promoter, s.Queue, dispatcher.Options{
		RefundOnFailure: cfg.RefundOnProviderFailure,
		DeferPromotion:  cfg.Queue.Backend == "temporal",
		Logger:          logger,
	})
	s.Status = status.New(s.Jobs, s.Promoter, s.Store, logger)
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (s *Services) Close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i](ctx)
	}
	s.closers = nil
}

func (s *Services) onClose(fn func(context.Context)) {
	s.closers = append(s.closers, fn)
}

func loadCatalog(cfg *infra.Config) (*catalog.Catalog, error) {
	if cfg.ModelCatalogPath != "" {
		return catalog.LoadFile(cfg.ModelCatalogPath)
	}
	return catalog.Default()
}

func (s *Services) buildStorage(ctx context.Context) error {
	sc := s.Config.Storage
	switch sc.Backend {
	case "s3":
		st, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:       sc.Bucket,
			Region:       sc.Region,
			Endpoint:     sc.Endpoint,
			UsePathStyle: sc.UsePathStyle,
			BaseURL:      sc.BaseURL,
		})
		if err != nil {
			return err
		}
		s.Store = st
	case "gcs":
		st, err := storage.NewGCSStore(ctx, storage.GCSConfig{
			Bucket:          sc.Bucket,
			BaseURL:         sc.BaseURL,
			CredentialsFile: sc.GCSCredentialsFile,
		})
		if err != nil {
			return err
		}
		s.onClose(func(context.Context) { _ = st.Close() })
		s.Store = st
	default:
		fs, err := storage.NewFileStore(sc.BaseDir, sc.BaseURL, sc.SigningSecret)
		if err != nil {
			return err
		}
		s.Files = fs
		s.Store = fs
	}
	s.Logger.Info().Str("backend", sc.Backend).Msg("bootstrap: storage ready")
	return nil
}

func (s *Services) buildAdapter(ctx context.Context) (generation.Adapter, generation.Uploader, error) {
	pc := s.Config.Provider
	key, err := credentials.ResolveFalAPIKey(ctx, pc.FalAPIKey, s.Credentials)
	if err != nil {
		s.Logger.Warn().Err(err).Msg("bootstrap: failed to load fal api key from store")
	}
	if key == "" {
		if !pc.AllowSynthetic {
			return nil, nil, errors.New("FAL_API_KEY is required when ALLOW_SYNTHETIC_PROVIDER=false")
		}
		s.Logger.Warn().Msg("bootstrap: fal api key missing, using synthetic generation")
		return generation.NewSyntheticAdapter(s.Catalog, s.Logger), generation.InlineUploader{}, nil
	}
	client, err := fal.NewClient(fal.Options{
		APIKey:       key,
		QueueURL:     pc.FalQueueURL,
		SyncURL:      pc.FalSyncURL,
		RESTURL:      pc.FalRESTURL,
		PollInterval: pc.PollInterval,
		CallTimeout:  pc.HTTPTimeout,
		HTTPClient:   &http.Client{},
		Logger:       s.Logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("configure fal client: %w", err)
	}
	adapter := generation.NewFalAdapter(client, s.Catalog, generation.FalOptions{
		ImageTimeout: pc.ImageTimeout,
		VideoTimeout: pc.VideoTimeout,
		Logger:       s.Logger,
	})
	return adapter, client, nil
}

func (s *Services) buildQueue(ctx context.Context) (queue.Queue, error) {
	qc := s.Config.Queue
	switch qc.Backend {
	case "redis":
		rdb, err := queue.NewRedisClient(ctx, qc.RedisAddr, qc.RedisPassword, qc.RedisDB)
		if err != nil {
			return nil, err
		}
		return queue.NewRedisQueue(rdb, queue.RedisOptions{
			Key:         qc.RedisKey,
			Concurrency: qc.WorkerConcurrency,
			Logger:      s.Logger,
		}), nil
	case "temporal":
		c, err := queue.NewTemporalClient(ctx, qc.TemporalHostPort, qc.TemporalNamespace, s.Logger)
		if err != nil {
			return nil, err
		}
		return queue.NewTemporalQueue(c, queue.TemporalOptions{
			TaskQueue:   qc.TemporalTaskQueue,
			Concurrency: qc.WorkerConcurrency,
			Promote:     s.PromoteJob,
			Logger:      s.Logger,
		}), nil
	case "memory":
		return queue.NewMemoryQueue(queue.MemoryOptions{
			Concurrency: qc.WorkerConcurrency,
			Logger:      s.Logger,
		}), nil
	default:
		if s.Runner == nil {
			return nil, errors.New("postgres queue requires the postgres store")
		}
		return queue.NewPostgresQueue(s.Runner, queue.PostgresOptions{
			ListenDSN:     s.Config.DatabaseURL,
			Concurrency:   qc.WorkerConcurrency,
			PollInterval:  qc.PollInterval,
			LeaseDuration: qc.LeaseDuration,
			Logger:        s.Logger,
		}), nil
	}
}

// PromoteJob runs Phase 2 for one job. Jobs that are gone, not completed or
// already durable are skipped.
func (s *Services) PromoteJob(ctx context.Context, jobID string) error {
	job, err := s.Jobs.Get(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if job.State != domain.JobStateCompleted || job.Promoted() {
		return nil
	}
	_, err = s.Promoter.Promote(ctx, job)
	return err
}

// Maintain requeues stale jobs and backfills missing durable copies every
// interval until ctx is done.
func (s *Services) Maintain(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := s.Dispatcher.RequeueStale(ctx, s.Config.Queue.StaleAfter, 100); err != nil {
			s.Logger.Warn().Err(err).Msg("maintenance: requeue stale failed")
		} else if n > 0 {
			s.Logger.Info().Int("jobs", n).Msg("maintenance: requeued stale jobs")
		}
		if n, err := s.Promoter.PromotePending(ctx, 50); err != nil {
			s.Logger.Warn().Err(err).Msg("maintenance: promote pending failed")
		} else if n > 0 {
			s.Logger.Info().Int("jobs", n).Msg("maintenance: promoted pending jobs")
		}
	}
}
