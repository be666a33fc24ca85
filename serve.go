package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"studybuddy/internal/api"
	"studybuddy/internal/apperr"
	"studybuddy/internal/config"
	"studybuddy/internal/log"
	"studybuddy/internal/redis"
	"studybuddy/internal/service/ai"
	"studybuddy/internal/service/memory"
	"studybuddy/internal/service/messages"
	"studybuddy/internal/service/pipeline"
	"studybuddy/internal/service/retrieval"
	"studybuddy/internal/storage"
	"studybuddy/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctx, cfg, flush, err := setup(ctx)
		defer flush()
		if err != nil {
			return err
		}
		logger := log.FromCtx(ctx)
		logger.Info().Msg("starting studybuddy")

		if !debug && !cfg.Env.Debug {
			gin.SetMode(gin.ReleaseMode)
		}

		router, cleanup, err := buildServer(ctx, cfg)
		if err != nil {
			logger.Error().Err(err).Msg("startup failed")
			return err
		}
		defer cleanup()

		srv := &http.Server{
			Addr:              cfg.BasicConfig.ServerAddress,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				logger.Error().Err(err).Msg("server stopped")
				return err
			}
		case <-ctx.Done():
		}

		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
			return err
		}
		logger.Info().Msg("studybuddy has been shut down gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// buildServer wires storage, retrieval, memory, the model and the pipeline
// behind the HTTP router. cleanup releases everything in reverse order.
func buildServer(ctx context.Context, cfg *config.Config) (*gin.Engine, func(), error) {
	logger := log.FromCtx(ctx)
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(msg string, err error) (*gin.Engine, func(), error) {
		cleanup()
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.Startup(msg, err)
		}
		return nil, func() {}, err
	}

	dbType := cfg.BasicConfig.DBType
	logger.Info().Str("db", dbType).Msg("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fail("open database", err)
	}
	closers = append(closers, func() { db.Close() })
	if err := storage.Migrate(ctx, db, dbType); err != nil {
		return fail("migrate database", err)
	}
	store := messages.NewService(db, dbType)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fail("connect redis", err)
		}
		closers = append(closers, func() { rdb.Close() })
	}

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.Env.GoogleAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fail("create genai client", err)
	}

	var embedder embedding.Embedder = retrieval.NewGenaiEmbedder(genaiClient, cfg.Embedding.Model)
	if rdb != nil {
		embedder = retrieval.NewCachedEmbedder(embedder, rdb, cfg.Embedding.Model, cfg.Redis.EmbeddingExpiry())
	}
	index, err := retrieval.Bootstrap(ctx, cfg.Index, embedder)
	if err != nil {
		return fail("bootstrap vector index", err)
	}
	retriever := retrieval.NewRetriever(embedder, index, cfg.BasicConfig.RetrievalTopK)

	var mem pipeline.Memory = memory.NewInMemory(cfg.BasicConfig.MemoryWindow)
	if rdb != nil {
		mem = memory.NewRedis(rdb, cfg.BasicConfig.MemoryWindow, cfg.Redis.MemoryExpiry())
	}

	provider := cfg.BasicConfig.Provider
	chatModel, err := ai.NewChatModel(ctx, provider, cfg.Providers[provider], genaiClient)
	if err != nil {
		return fail("init chat model", err)
	}
	generator := ai.NewGenerator(chatModel)
	logger.Info().Str("provider", provider).Str("model", cfg.Providers[provider].Model).Msg("chat model ready")

	lanes := worker.NewManager(worker.Config{
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: cfg.BasicConfig.WorkerIdle(),
	})
	closers = append(closers, lanes.Stop)

	chat := pipeline.New(store, retriever, mem, generator, lanes, pipeline.Options{
		TopK:           cfg.BasicConfig.RetrievalTopK,
		HistoryLimit:   cfg.BasicConfig.HistoryLimit,
		Condense:       cfg.BasicConfig.CondenseQuestion,
		RequestTimeout: cfg.BasicConfig.RequestDeadline(),
	})

	handler := api.NewHandler(chat, store)
	router := api.NewRouter(handler, *logger, cfg.BasicConfig.AllowedOrigins)
	return router, cleanup, nil
}
