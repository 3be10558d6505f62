package admin

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/forensix/internal/analyzer/chunkstat"
	"github.com/cloo-solutions/forensix/internal/analyzer/financial"
	"github.com/cloo-solutions/forensix/internal/analyzer/imaging"
	"github.com/cloo-solutions/forensix/internal/analyzer/metadata"
	"github.com/cloo-solutions/forensix/internal/analyzer/structure"
	"github.com/cloo-solutions/forensix/internal/config"
	"github.com/cloo-solutions/forensix/internal/database"
	"github.com/cloo-solutions/forensix/internal/directive"
	"github.com/cloo-solutions/forensix/internal/domain"
	"github.com/cloo-solutions/forensix/internal/jobs"
	"github.com/cloo-solutions/forensix/internal/ledger"
	"github.com/cloo-solutions/forensix/internal/repository"
	"github.com/cloo-solutions/forensix/internal/service"
	"github.com/cloo-solutions/forensix/internal/storage"
	"github.com/cloo-solutions/forensix/internal/telemetry"
)

// migrationsSource is where the index schema lives, relative to the working directory.
var migrationsSource = "file://migrations"

// stack is the wired analysis core shared by serve and ingest.
type stack struct {
	store    *storage.FSStore
	ledger   *ledger.FileLedger
	canon    *service.Canonicalizer
	pipeline *service.Pipeline
	worker   *jobs.PipelineWorker
	inline   *chunkstat.InlineChunkSource
	registry *telemetry.Registry

	pool  *pgxpool.Pool
	index *repository.EvidenceIndex
	s3    *storage.S3Client

	closers []func()
}

type stackOptions struct {
	// noMigrate skips schema migrations when a database is configured.
	noMigrate bool
	// offline ignores the database and the S3 mirror.
	offline bool
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildStack(ctx context.Context, cfg *config.Config, opts stackOptions) (_ *stack, err error) {
	s := &stack{}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.store, err = storage.NewFSStore(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	var ledgerOpts []ledger.Option
	if cfg.HasSigningKey() {
		ledgerOpts = append(ledgerOpts, ledger.WithSigningKey([]byte(cfg.LedgerSigningKey)))
	}
	s.ledger, err = ledger.Open(cfg.LedgerPath, ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	s.closers = append(s.closers, func() { _ = s.ledger.Close() })
	log.Printf("ledger %s opened at sequence %d", s.ledger.Path(), s.ledger.Len())

	rules := directive.DefaultRules()
	if cfg.DirectiveRules != "" {
		rules, err = directive.LoadRules(cfg.DirectiveRules)
		if err != nil {
			return nil, fmt.Errorf("failed to load directive rules: %w", err)
		}
	}

	s.registry = telemetry.NewRegistry()
	s.closers = append(s.closers, func() { _ = s.registry.Shutdown(context.Background()) })
	metrics, err := telemetry.NewMetrics(s.registry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	if cfg.HasDatabase() && !opts.offline {
		s.pool, err = database.NewPool(ctx, database.Config{
			URL:            cfg.DatabaseURL,
			MaxConns:       cfg.DatabaseMaxConns,
			ConnectTimeout: cfg.DatabaseConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.closers = append(s.closers, s.pool.Close)
		log.Println("connected to database")

		if !opts.noMigrate {
			if err := database.Migrate(cfg.DatabaseURL, migrationsSource); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		s.index = repository.NewEvidenceIndex(s.pool)
	}

	var mirror service.EvidenceMirror
	if cfg.HasS3() && !opts.offline {
		s.s3, err = storage.NewS3Client(ctx, storage.S3ClientConfig{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			UsePathStyle:    true,
			PresignExpiry:   cfg.S3PresignExpiry,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		if err := s.s3.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure S3 bucket: %w", err)
		}
		log.Printf("S3 bucket '%s' ready", cfg.S3Bucket)
		mirror = storage.NewMirror(s.s3)
	}

	s.inline = chunkstat.NewInlineChunkSource()
	var (
		artifactIndex service.ArtifactIndex
		reportIndex   service.ReportIndex
		finder        service.ArtifactFinder = service.NewStoreArtifactFinder(s.store)
		chunks        chunkstat.ChunkSource  = s.inline
	)
	if s.index != nil {
		artifactIndex = s.index
		reportIndex = s.index
		finder = s.index
		chunks = chunkstat.MultiSource{s.inline, s.index}
	}

	s.canon = service.NewCanonicalizer(s.store, s.ledger, artifactIndex)
	s.pipeline = service.NewPipeline(service.PipelineDeps{
		Store:         s.store,
		Ledger:        s.ledger,
		Canonicalizer: s.canon,
		Router:        directive.NewRouter(rules),
		Metadata:      metadata.New(),
		Analyzers:     analyzers(cfg),
		Connectors:    []service.Connector{service.NewDuplicateEvidenceConnector(finder)},
		Chunks:        chunks,
		Index:         reportIndex,
		Mirror:        mirror,
		Metrics:       metrics,
	}, service.PipelineConfig{
		AnalyzerTimeout:    cfg.AnalyzerTimeout,
		MaxAttachmentDepth: cfg.MaxAttachmentDepth,
	})

	s.worker = jobs.NewPipelineWorker(s.pipeline, cfg.WorkerParallelism)
	s.pipeline.SetChildHandler(s.worker.EnqueueChild)

	return s, nil
}

func analyzers(cfg *config.Config) []domain.Analyzer {
	img := imaging.DefaultConfig()
	img.ELAQuality = cfg.ELAQuality
	img.ELAThreshold = cfg.ELAThreshold
	img.MaxPixels = cfg.MaxImagePixels
	img.Clone.BlockSize = cfg.CloneBlockSize

	chunk := chunkstat.DefaultConfig()
	chunk.MaxChunks = cfg.MaxChunks
	chunk.DuplicateCosine = cfg.DuplicateCosine
	chunk.OutlierZ = cfg.OutlierZ
	chunk.EntropyThreshold = cfg.EntropyThreshold

	fin := financial.DefaultConfig()
	fin.AmountZ = cfg.AmountZ

	return []domain.Analyzer{
		imaging.New(img),
		imaging.NewPRNU(nil).WithMaxPixels(cfg.MaxImagePixels),
		structure.New(structure.DefaultConfig()),
		financial.New(fin),
		chunkstat.New(chunk),
	}
}
