package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relves/anonsignal/internal/admission"
	"github.com/relves/anonsignal/internal/config"
	"github.com/relves/anonsignal/internal/retry"
	"github.com/relves/anonsignal/internal/storage/sqlite"
	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/checkpoint"
	"github.com/relves/anonsignal/pkg/registration"
	"github.com/relves/anonsignal/pkg/server"
	"github.com/relves/anonsignal/pkg/types"
	"github.com/relves/anonsignal/pkg/verifier"
	"github.com/relves/anonsignal/pkg/zkengine"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Level(),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	hasher, err := accumulator.HasherByName(cfg.Hasher)
	if err != nil {
		return err
	}

	// One SQLite database per group under DATA_PATH.
	backend := sqlite.NewBackend(sqlite.NewStoreManager(cfg.DataPath))
	defer backend.Close()

	acc, err := accumulator.New(accumulator.Config{
		HistorySize: cfg.HistorySize,
		Hasher:      hasher,
		Store:       backend,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	states, err := backend.LoadGroups(ctx)
	if err != nil {
		return fmt.Errorf("loading groups: %w", err)
	}
	if err := acc.Restore(states); err != nil {
		return fmt.Errorf("restoring groups: %w", err)
	}
	for _, g := range cfg.Groups {
		if err := acc.CreateGroup(ctx, types.GroupID(g.ID), g.Depth); err != nil {
			return fmt.Errorf("creating group %d: %w", g.ID, err)
		}
	}
	logger.Info("groups ready", "restored", len(states), "total", len(acc.Groups()))

	reg, err := registration.New(registration.Config{
		Groups:    acc,
		Authority: newAuthority(cfg, logger),
		Refs:      backend,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	hooks := verifier.MultiHook{verifier.LogHook(logger)}
	if cfg.WebhookURL != "" {
		hooks = append(hooks, verifier.NewWebhookHook(cfg.WebhookURL, &http.Client{Timeout: 10 * time.Second}, retry.DefaultPolicy()))
	}

	pol := cfg.Policy()
	v, err := verifier.New(verifier.Config{
		Groups: acc,
		Policy: pol,
		Engine: engine,
		Ledger: backend,
		Scope:  cfg.Scope(),
		Hook:   hooks,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	signer, err := newCheckpointSigner(cfg)
	if err != nil {
		return err
	}
	vkey, err := signer.VerifierKey()
	if err != nil {
		return err
	}
	logger.Info("signing group checkpoints", "verifierKey", vkey, "ephemeral", cfg.CheckpointKey == "")

	srv, err := server.NewServer(
		server.WithGroups(acc),
		server.WithRegistrar(reg),
		server.WithVerifier(v),
		server.WithPolicy(pol),
		server.WithLogger(logger),
		server.WithCORSOrigins(cfg.CORSOrigins...),
		server.WithCheckpointSigner(signer, cfg.CheckpointOrigin),
	)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return err
	}
	logger.Info("anonsignal starting",
		"dataPath", cfg.DataPath,
		"hasher", hasher.Name(),
		"historySize", cfg.HistorySize,
		"nullifierScope", cfg.Scope(),
		"defaultThreshold", cfg.DefaultThreshold,
	)
	return srv.Serve(ctx, ln, cfg.ShutdownTimeout)
}

// newCheckpointSigner loads CHECKPOINT_KEY or falls back to an ephemeral key.
func newCheckpointSigner(cfg *config.Config) (*checkpoint.Signer, error) {
	if cfg.CheckpointKey == "" {
		return checkpoint.GenerateSigner(cfg.CheckpointOrigin)
	}
	priv, err := checkpoint.ParseKey(cfg.CheckpointKey)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewSigner(priv, cfg.CheckpointOrigin)
}

func newAuthority(cfg *config.Config, logger *slog.Logger) registration.Authority {
	if cfg.Admission.URL != "" {
		logger.Info("using remote admission authority", "url", cfg.Admission.URL)
		return admission.NewHTTPAuthority(cfg.Admission.URL)
	}
	a := admission.NewStaticAuthority(cfg.Admission.Refs...)
	logger.Warn("using static admission authority", "authority", a.String())
	return a
}

func newEngine(cfg *config.Config, logger *slog.Logger) (verifier.Engine, error) {
	if cfg.ZK.VerifierURL != "" {
		logger.Info("using remote proof verifier", "url", cfg.ZK.VerifierURL)
		return zkengine.NewRemoteEngine(cfg.ZK.VerifierURL), nil
	}
	logger.Warn("using insecure development proof engine")
	dev, err := zkengine.NewDevEngine([]byte(cfg.ZK.DevKey))
	if err != nil {
		return nil, err
	}
	return dev, nil
}
