package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/blob"
	"github.com/ashita-ai/kenkyu/internal/config"
	"github.com/ashita-ai/kenkyu/internal/mcp"
	"github.com/ashita-ai/kenkyu/internal/pipeline"
	"github.com/ashita-ai/kenkyu/internal/ratelimit"
	"github.com/ashita-ai/kenkyu/internal/server"
	"github.com/ashita-ai/kenkyu/internal/service/generation"
	"github.com/ashita-ai/kenkyu/internal/service/prompt"
	"github.com/ashita-ai/kenkyu/internal/storage"
	"github.com/ashita-ai/kenkyu/internal/storage/sqlite"
	"github.com/ashita-ai/kenkyu/internal/telemetry"
	"github.com/ashita-ai/kenkyu/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// Shutdown phases each get their own budget.
const (
	httpShutdownTimeout = 10 * time.Second
	runShutdownTimeout  = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kenkyu",
		Short: "Research pipeline service",
		Long: `kenkyu runs topic-scoped research pipelines: a review agent surveys the
topic, an ideation agent proposes ideas and an experiment agent reports
results, while clients follow along over a live event stream.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// Load .env file if present (non-fatal; production won't have one).
			_ = godotenv.Load()
		},
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newHashPasswordCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, event stream and MCP endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(os.Stdout, cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := serve(ctx, cfg, logger); err != nil {
				logger.Error("fatal error", "error", err)
				return err
			}
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(os.Stdout, cfg.LogLevel)

			_, closeRepo, err := openRepository(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			closeRepo()
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its hash for KENKYU_DEMO_PASSWORD",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return errors.New("password must not be empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// newLogger builds the JSON logger used by every component.
func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("kenkyu starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		return err
	}
	store := storage.NewStore(repo, blobs, logger)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	users, err := auth.NewUsers(cfg.DemoUser, cfg.DemoPassword)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	gen := generation.New(generation.Config{
		APIKey:       cfg.DeepSeekAPIKey,
		BaseURL:      cfg.DeepSeekBaseURL,
		Model:        cfg.DeepSeekModel,
		Timeout:      cfg.DeepSeekTimeout,
		MaxRetries:   cfg.DeepSeekMaxRetries,
		RetryBackoff: cfg.DeepSeekRetryBackoff,
	}, logger)
	if gen.IsConfigured() {
		logger.Info("generation: enabled", "provider", gen.Provider(), "model", cfg.DeepSeekModel)
	} else {
		logger.Warn("generation: no API key, runs use fallback documents")
	}

	broker := server.NewBroker(logger)
	orch := pipeline.New(store, broker, gen, prompt.NewBuilder(store), pipeline.Config{StepDelay: cfg.StepDelay}, logger)
	launcher := pipeline.NewLauncher(orch, cfg.MaxConcurrentRuns, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(store, launcher, logger, version)

	srv := server.New(server.ServerConfig{
		Store:               store,
		JWTMgr:              jwtMgr,
		Users:               users,
		Broker:              broker,
		Runs:                launcher,
		Logger:              logger,
		Limiter:             limiter,
		Provider:            gen,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Keepalive:           cfg.StreamKeepalive,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("kenkyu shutting down")

		// Stop accepting requests first so no new run is submitted while
		// in-flight runs are being cancelled.
		httpCtx, httpCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}

		runCtx, runCancel := context.WithTimeout(context.Background(), runShutdownTimeout)
		defer runCancel()
		if err := launcher.Shutdown(runCtx); err != nil {
			logger.Error("run shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("kenkyu stopped")
	return nil
}

// openRepository connects the configured database and brings its schema up
// to date.
func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Repository, func(), error) {
	driver, target, err := cfg.Storage()
	if err != nil {
		return nil, nil, err
	}

	switch driver {
	case config.DriverPostgres:
		db, err := storage.New(ctx, target, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := db.RunMigrations(ctx, migrations.Postgres); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("storage: postgres")
		return db, func() { _ = db.Close() }, nil
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, target, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("storage: sqlite", "path", target)
		return db, func() { _ = db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("storage: unsupported driver %q", driver)
}

// openBlobs returns the configured artifact content store.
func openBlobs(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch cfg.ArtifactsBackend {
	case config.ArtifactsMemory:
		return blob.NewMemory(), nil
	case config.ArtifactsS3:
		s, err := blob.NewS3(ctx, blob.S3Config{
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("artifacts: %w", err)
		}
		return s, nil
	default:
		s, err := blob.NewFS(cfg.ArtifactsRoot)
		if err != nil {
			return nil, fmt.Errorf("artifacts: %w", err)
		}
		return s, nil
	}
}
