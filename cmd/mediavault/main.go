// Package main is the mediavault CLI: the background worker and the
// operational one-shot commands.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackhaus/mediavault/internal/chunker"
	"github.com/stackhaus/mediavault/internal/classifier"
	"github.com/stackhaus/mediavault/internal/config"
	"github.com/stackhaus/mediavault/internal/embedder"
	"github.com/stackhaus/mediavault/internal/fault"
	"github.com/stackhaus/mediavault/internal/media"
	"github.com/stackhaus/mediavault/internal/realtime"
	"github.com/stackhaus/mediavault/internal/reconciler"
	"github.com/stackhaus/mediavault/internal/router"
	"github.com/stackhaus/mediavault/internal/search"
	"github.com/stackhaus/mediavault/internal/service"
	"github.com/stackhaus/mediavault/internal/store"
	"github.com/stackhaus/mediavault/internal/tenant"
	"github.com/stackhaus/mediavault/pkg/logger"
	"github.com/stackhaus/mediavault/pkg/shutdown"
)

const version = "0.3.0"

func main() {
	root := &cobra.Command{
		Use:     "mediavault",
		Short:   "Multi-tenant smart ingestion service",
		Version: version,
	}

	root.AddCommand(workerCmd(), reconcileCmd(), reindexCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds every wired component plus the handles the commands manage.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *store.PostgresDB
	svc      *service.Service
	indexer  *search.Indexer
	recon    *reconciler.Reconciler
	nats     *realtime.Client
	shutdown *shutdown.Handler
}

// buildApp wires the full component graph from the environment.
func buildApp(ctx context.Context, withNATS bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	log.SetDefault()

	sd := shutdown.New(log.Logger, time.Duration(cfg.Worker.ShutdownTimeout)*time.Second)

	taxonomy, err := classifier.Load(cfg.Media.TaxonomyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load taxonomy: %w", err)
	}

	db, err := store.NewPostgres(store.PostgresConfig{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sd.Register("postgres", func(ctx context.Context) error { return db.Close() })

	if err := store.EnsureSchema(ctx, db, cfg.Embedding.Dimension); err != nil {
		return nil, err
	}

	redisClient, err := store.NewRedisClient(store.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	sd.Register("redis", func(ctx context.Context) error { return redisClient.Close() })

	tenants := store.NewPGTenantStore(db)
	files := store.NewPGFileCatalog(db)
	jsons := store.NewPGJSONCatalog(db)
	payloads := store.NewPGPayloadStore(db)
	chunks := store.NewPGChunkStore(db, cfg.Embedding.Dimension)
	queries := store.NewPGQueryLog(db)
	docs := store.NewRedisDocumentCollection(redisClient)

	guard := tenant.NewGuard(tenants)

	pipeline, err := media.NewPipeline(media.Config{
		Root:           cfg.Media.Root,
		SniffBytes:     cfg.Media.SniffBytes,
		MaxUploadBytes: int64(cfg.Media.MaxUploadMB) << 20,
	}, taxonomy, files, guard, log)
	if err != nil {
		return nil, err
	}

	if cfg.Mirror.Enabled {
		mirror, err := store.NewMinIOMirror(store.MinIOConfig{
			Endpoint:        cfg.Mirror.Endpoint,
			AccessKeyID:     cfg.Mirror.AccessKeyID,
			SecretAccessKey: cfg.Mirror.SecretAccessKey,
			BucketName:      cfg.Mirror.BucketName,
			UseSSL:          cfg.Mirror.UseSSL,
			Region:          cfg.Mirror.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create mirror: %w", err)
		}
		if err := mirror.InitBucket(ctx); err != nil {
			log.Warn("mirror bucket init failed, continuing without replica", "error", err)
		} else {
			pipeline.WithMirror(mirror)
		}
	}

	gateway, err := embedder.New(embedder.Config{
		BaseURL:      cfg.Embedding.BaseURL,
		APIKey:       cfg.Embedding.APIKey,
		Model:        cfg.Embedding.Model,
		Dimension:    cfg.Embedding.Dimension,
		MaxRetries:   cfg.Embedding.MaxRetries,
		RetryDelay:   cfg.Embedding.RetryDelay,
		RateLimitRPS: cfg.Embedding.RateLimitRPS,
		CacheSize:    10000,
	}, log)
	if err != nil {
		return nil, err
	}
	// A dimension mismatch against the running model is fatal at startup;
	// an unreachable runtime is only logged.
	if err := gateway.Health(ctx); err != nil {
		if fault.Is(err, fault.Internal) {
			return nil, err
		}
		log.Warn("embedding gateway unhealthy at startup", "error", err)
	}

	chunkerCfg := chunker.Config{
		TargetChars:  cfg.Search.ChunkChars,
		OverlapChars: cfg.Search.OverlapChars,
	}
	ch, err := chunker.NewWithTokenizer(chunkerCfg)
	if err != nil {
		log.Warn("tokenizer unavailable, chunk token counts disabled", "error", err)
		ch = chunker.New(chunkerCfg)
	}

	trie := search.NewTrie(nil)
	ix := search.NewIndexer(cfg.Media.Root, ch, gateway, chunks, files, trie, log)
	if err := ix.RebuildTrie(ctx); err != nil {
		return nil, err
	}

	composer := search.NewComposer(trie, gateway, chunks, queries, cfg.Search.DefaultTopK, log)
	rt := router.New(payloads, docs, jsons, guard, log)
	recon := reconciler.New(cfg.Media.Root, files, jsons, payloads, docs, log)

	a := &app{
		cfg:      cfg,
		log:      log,
		db:       db,
		indexer:  ix,
		recon:    recon,
		shutdown: sd,
	}

	if withNATS {
		nc, err := realtime.NewClient(realtime.Config{
			URL:            cfg.NATS.URL,
			ClusterID:      cfg.NATS.ClusterID,
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 10 * time.Second,
		}, log.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		sd.Register("nats", func(ctx context.Context) error { return nc.Drain() })
		if err := nc.SetupStreams(ctx); err != nil {
			log.Warn("failed to setup JetStream streams", "error", err)
		}
		pipeline.WithEvents(nc)
		a.nats = nc
	}

	a.svc = service.New(pipeline, rt, composer, ix, guard, queries, log)
	return a, nil
}

// workerCmd runs the long-lived background worker: it consumes ingest
// events, indexes text artifacts, and sweeps orphans on a timer.
func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the indexing worker and reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := buildApp(ctx, true)
			if err != nil {
				return err
			}

			a.log.Info("worker starting",
				"version", version,
				"environment", a.cfg.Worker.Environment,
			)

			err = a.nats.SubscribeMediaIngested(func(evtCtx context.Context, event realtime.MediaEvent) {
				if !search.IsTextCategory(event.Category) {
					return
				}
				if err := a.indexer.Reindex(evtCtx, event.TenantID, event.FileID); err != nil {
					a.log.Error("failed to index ingested file",
						"tenant_id", event.TenantID,
						"file_id", event.FileID,
						"error", err,
					)
				}
			})
			if err != nil {
				return err
			}

			go a.recon.Run(ctx, a.cfg.Worker.ReconcileInterval)

			a.shutdown.Wait()
			cancel()
			return nil
		},
	}
}

// reconcileCmd runs a single reconciliation sweep and exits.
func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one orphan sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.shutdown.Shutdown()

			report, err := a.recon.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("orphan payloads dropped: %d\norphan documents dropped: %d\nfiles marked orphaned: %d\n",
				report.OrphanPayloadsDropped, report.OrphanDocumentsDropped, report.FilesMarkedOrphaned)
			return nil
		},
	}
}

// reindexCmd reindexes one file by id.
func reindexCmd() *cobra.Command {
	var tenantID string

	cmd := &cobra.Command{
		Use:   "reindex <file-id>",
		Short: "Chunk and embed a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			a, err := buildApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.shutdown.Shutdown()

			if err := a.svc.Reindex(ctx, tenantID, args[0]); err != nil {
				return err
			}
			fmt.Printf("indexed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant owning the file")
	cmd.MarkFlagRequired("tenant")
	return cmd
}
