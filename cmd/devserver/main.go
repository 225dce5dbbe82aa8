// Command devserver runs the pipeline locally over SQLite or memory, with an
// HTTP API in place of API Gateway and an in-process queue worker in place
// of the scheduled Lambda.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"zela-agent/internal/app"
	"zela-agent/internal/config"
	"zela-agent/internal/httpapi"
	"zela-agent/internal/integrations/paramstore"
	"zela-agent/internal/repository/memstore"
	"zela-agent/internal/repository/sqlitestore"
	"zela-agent/internal/worker"
)

const localParamPrefix = "/zela/local"

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile      string
		port         string
		storeKind    string
		dbPath       string
		pollInterval time.Duration
	)
	flagSet := pflag.NewFlagSet("devserver", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flagSet.StringVar(&port, "port", "", "listen port (overrides PORT)")
	flagSet.StringVar(&storeKind, "store", "", "sqlite or memory (overrides STORE)")
	flagSet.StringVar(&dbPath, "db", "", "SQLite database path (overrides DB_PATH)")
	flagSet.DurationVar(&pollInterval, "poll-interval", worker.DefaultPollInterval, "queue worker poll interval")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if err := godotenv.Load(envFile); err != nil {
		slog.Info("no .env file found, using environment variables", "path", envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Port = port
	}
	if storeKind != "" {
		cfg.Store = storeKind
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if cfg.ParamPrefix == "" {
		cfg.ParamPrefix = localParamPrefix
	}
	if err := cfg.ValidateDev(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	secrets, err := localSecrets(cfg)
	if err != nil {
		return err
	}

	svc, err := app.NewProcessService(cfg, store, secrets, logger)
	if err != nil {
		return fmt.Errorf("create process service: %w", err)
	}
	api, err := httpapi.NewHandler(svc, logger)
	if err != nil {
		return fmt.Errorf("create http handler: %w", err)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerDone := worker.Start(ctx, svc, worker.Config{
		PollInterval: pollInterval,
		Batch:        cfg.Pipeline.MaintenanceBatch,
		Logger:       logger,
	})

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", srv.Addr, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-workerDone
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	<-workerDone

	slog.Info("server stopped")
	return nil
}

func openStore(cfg *config.Config) (app.Store, func(), error) {
	if cfg.Store == "memory" {
		return memstore.New(), func() {}, nil
	}
	db, err := sqlitestore.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(context.Background()); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("database health check: %w", err)
	}
	closeFn := func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close database", "err", err)
		}
	}
	return db, closeFn, nil
}

// localSecrets serves OPENAI_API_KEY and BACKEND_TOKEN under the parameter
// names the Lambda deployment reads from SSM.
func localSecrets(cfg *config.Config) (paramstore.Static, error) {
	secrets := paramstore.Static{}
	put := func(name, token string) error {
		raw, err := json.Marshal(map[string]string{"token": token})
		if err != nil {
			return err
		}
		secrets[name] = string(raw)
		return nil
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY cannot be empty")
	}
	if err := put(cfg.ParamPrefix+"/open-ai-token", apiKey); err != nil {
		return nil, err
	}

	if token := os.Getenv("BACKEND_TOKEN"); token != "" {
		if cfg.BackendTokenParam == "" {
			cfg.BackendTokenParam = cfg.ParamPrefix + "/backend-token"
		}
		if err := put(cfg.BackendTokenParam, token); err != nil {
			return nil, err
		}
	}
	return secrets, nil
}
