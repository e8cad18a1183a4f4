package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/stargate/pkg/api"
	"github.com/Mindburn-Labs/stargate/pkg/charge"
	"github.com/Mindburn-Labs/stargate/pkg/config"
	"github.com/Mindburn-Labs/stargate/pkg/flows"
	"github.com/Mindburn-Labs/stargate/pkg/gate"
	"github.com/Mindburn-Labs/stargate/pkg/generation"
	"github.com/Mindburn-Labs/stargate/pkg/intercept"
	"github.com/Mindburn-Labs/stargate/pkg/ledger"
	"github.com/Mindburn-Labs/stargate/pkg/locale"
	"github.com/Mindburn-Labs/stargate/pkg/notify"
	"github.com/Mindburn-Labs/stargate/pkg/observability"
	"github.com/Mindburn-Labs/stargate/pkg/pricing"
	"github.com/Mindburn-Labs/stargate/pkg/scene"
)

func loadConfig(stderr io.Writer) (*config.Config, bool) {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return nil, false
	}
	return cfg, true
}

func runServer(parent context.Context, stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%sStargate starting...%s\n", ColorBold+ColorBlue, ColorReset)
	cfg, ok := loadConfig(stderr)
	if !ok {
		return 2
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		log.Printf("[stargate] fatal: %v", err)
		return 1
	}
	log.Println("[stargate] stopped")
	return 0
}

// serve wires every component and blocks until ctx is done or the HTTP
// server fails.
func serve(ctx context.Context, cfg *config.Config) error {
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	priceCfg, err := pricing.LoadConfig(cfg.PricingFile)
	if err != nil {
		return err
	}
	calc := pricing.NewCalculator(priceCfg)
	log.Printf("[stargate] pricing: %d models loaded from %s", len(priceCfg.Models), cfg.PricingFile)

	localeFile := &locale.File{}
	if cfg.LocalesFile != "" {
		if localeFile, err = locale.LoadFile(cfg.LocalesFile); err != nil {
			return err
		}
	}
	catalog, err := locale.New(localeFile.Messages)
	if err != nil {
		return err
	}

	backends := []notify.Backend{notify.LogBackend{Logger: slog.Default().With("component", "operator")}}
	if cfg.OperatorWebhookURL != "" {
		backends = append(backends, notify.NewWebhookBackend(cfg.OperatorWebhookURL))
	}
	alerts := notify.NewDispatcher(256, backends...)
	alerts.Start(ctx)
	defer alerts.Stop()

	var sessions scene.Store = scene.NewMemoryStore(cfg.SessionIdleTTL)
	if st.redis != nil {
		sessions = scene.NewRedisStore(st.redis, "stargate:session", cfg.SessionIdleTTL)
	}

	accounts := ledger.New(st.ledger)
	runner := charge.NewRunner(accounts, st.pending).
		WithNotifier(alerts).
		WithDeadline(cfg.PendingDeadline)

	var generator generation.Client = generation.Unconfigured
	if cfg.GenerationURL != "" {
		generator = generation.NewHTTPClient(cfg.GenerationURL, cfg.GenerationRPS, int(max(cfg.GenerationRPS, 1)))
	} else {
		log.Println("[stargate] generation: GENERATION_URL not set, paid requests will be refunded")
	}

	outbox := api.NewOutbox(cfg.SessionIdleTTL)
	reg := scene.NewRegistry()
	err = flows.Register(reg, flows.Deps{
		Calculator: calc,
		Gate:       gate.New(accounts, flows.Start).WithNotifier(alerts),
		Directory:  accounts,
		Charger:    runner,
		Generator:  generator,
		Interceptor: intercept.New(intercept.Options{
			MenuScene: flows.Menu,
			HelpScene: flows.Help,
			Keywords:  localeFile.Keywords,
		}),
		Notifier: alerts,
	})
	if err != nil {
		return err
	}
	engine := scene.NewEngine(reg, sessions, outbox)
	completions := generation.NewNotifier(runner, outbox)

	sweeper, err := charge.NewSweeper(ctx, runner, cfg.SweepSchedule)
	if err != nil {
		return err
	}
	sweeper.OnRefund(completions.Refunded)
	sweeper.Start()
	defer sweeper.Stop()
	log.Printf("[stargate] sweeper: scheduled %q", cfg.SweepSchedule)

	if cfg.CallbackSecret == "" {
		log.Println("[stargate] completions: CALLBACK_SECRET not set, webhook will reject all calls")
	}
	srv, err := api.New(ctx, api.Deps{
		Turns:         engine,
		EntryScene:    flows.Menu,
		Outbox:        outbox,
		Catalog:       catalog,
		Completions:   completions,
		Accounts:      accounts,
		Calculator:    calc,
		Auth:          api.NewCallbackAuth([]byte(cfg.CallbackSecret)),
		Observability: obs,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[stargate] http: listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("[stargate] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
