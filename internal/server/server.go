package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/sift-kg/sift/internal/queue"
	mid "github.com/sift-kg/sift/internal/server/middleware"
	"github.com/sift-kg/sift/internal/util"
	"github.com/sift-kg/sift/pkg/aggregate"
	"github.com/sift-kg/sift/pkg/ai"
	oai "github.com/sift-kg/sift/pkg/ai/ollama"
	gai "github.com/sift-kg/sift/pkg/ai/openai"
	"github.com/sift-kg/sift/pkg/logger"
	"github.com/sift-kg/sift/pkg/resolve"
	"github.com/sift-kg/sift/pkg/store/pg"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func Init() {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	databaseURL := util.GetEnv("DATABASE_URL")
	if err := pg.RunMigrations(util.GetEnvString("MIGRATIONS_URL", "file://migrations"), databaseURL); err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("Failed to parse database config", "err", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	conn, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()

	embedder := newEmbedder()
	st, err := pg.New(pg.Params{Pool: conn, Embedder: embedder})
	if err != nil {
		logger.Fatal("Failed to create store", "err", err)
	}

	aggregator, err := aggregate.NewAggregator(aggregate.NewAggregatorParams{
		Store:  st,
		Config: aggregate.DefaultConfig(),
	})
	if err != nil {
		logger.Fatal("Failed to create aggregator", "err", err)
	}
	resolver, err := resolve.NewResolver(resolve.NewResolverParams{
		Store:        st,
		Similarity:   &resolve.SurfaceSimilarity{Embedder: embedder},
		Config:       resolve.DefaultConfig(),
		Reaggregator: aggregator,
	})
	if err != nil {
		logger.Fatal("Failed to create resolver", "err", err)
	}

	que := queue.Init()
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	if err := queue.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to setup queues", "err", err)
	}

	app := &mid.App{
		Store:      st,
		Queue:      ch,
		Resolver:   resolver,
		Aggregator: aggregator,
	}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())

	RegisterRoutes(e)

	go func() {
		port := util.GetEnvString("PORT", "8080")
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}

// newEmbedder builds the configured embedding client. AI_ADAPTER selects
// the backend; anything but "ollama" uses the OpenAI-compatible client.
func newEmbedder() ai.Embedder {
	adapter := util.GetEnv("AI_ADAPTER")

	switch adapter {
	case "ollama":
		client, err := oai.NewOllamaEmbedder(oai.NewOllamaEmbedderParams{
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),

			BaseURL: util.GetEnv("AI_EMBED_URL"),
			ApiKey:  util.GetEnv("AI_EMBED_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
		})
		if err != nil {
			logger.Fatal("Failed to create Ollama client", "err", err)
		}
		return client
	default:
		return gai.NewOpenAIEmbedder(gai.NewOpenAIEmbedderParams{
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 15)),
		})
	}
}
