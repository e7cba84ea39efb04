package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/api"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/api/handlers"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/config"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/disposer"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/inventory"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/metrics"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/orchestrator"
	transporthttp "github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/http"
)

func main() {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "Path to the orchestrator TOML config file.")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	setupLog := ctrl.Log.WithName("setup")

	cfg, err := config.LoadOrchestrator(configPath)
	if err != nil {
		setupLog.Error(err, "Unable to load config")
		os.Exit(1)
	}

	ctx := log.IntoContext(ctrl.SetupSignalHandler(), ctrl.Log)
	if err := run(ctx, cfg); err != nil {
		setupLog.Error(err, "Orchestrator exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Orchestrator) error {
	logger := log.FromContext(ctx).WithName("setup")

	clientOpts := transporthttp.Options{CertDir: cfg.CertDir, Credential: cfg.Credential}
	clusters, err := transporthttp.NewClusterClient(clientOpts)
	if err != nil {
		return fmt.Errorf("cluster client: %w", err)
	}

	var releaser disposer.Releaser = disposer.LogReleaser{}
	if cfg.ReleaseURL != "" {
		if releaser, err = transporthttp.NewReleaser(cfg.ReleaseURL, clientOpts); err != nil {
			return fmt.Errorf("inventory releaser: %w", err)
		}
	}

	o, err := orchestrator.New(orchestrator.Options{
		Source:           &inventory.DirSource{Dir: cfg.InventoryDir, RepoURL: cfg.ConfigRepoURL},
		ConfigRepoURL:    cfg.ConfigRepoURL,
		Clusters:         clusters,
		Releaser:         releaser,
		VerifyPeriod:     cfg.VerifyPeriod,
		GraceCycles:      cfg.GraceCycles,
		ReportWorkers:    cfg.ReportWorkers,
		DisposerWorkers:  cfg.DisposerWorkers,
		RequestRetention: cfg.RequestRetention,
	})
	if err != nil {
		return err
	}
	if err := metrics.RegisterLedger(o.Ledger()); err != nil {
		return fmt.Errorf("register ledger metrics: %w", err)
	}

	ready := func(*http.Request) error {
		if !o.Ready() {
			return errors.New("inventory not loaded")
		}
		return nil
	}
	server, err := api.NewServer(cfg.Listen, cfg.CertDir, api.OrchestratorRoutes(handlers.NewHandler(o), ready))
	if err != nil {
		return err
	}
	watcher := &inventory.Watcher{
		Dir:      cfg.InventoryDir,
		Debounce: inventory.DefaultDebounce,
		OnChange: func(ctx context.Context) {
			// Reload logs and records its own failure; the previous inventory stays in effect.
			_ = o.Reload(ctx)
		},
	}

	logger.Info("Starting orchestrator", "listen", cfg.Listen, "inventory", cfg.InventoryDir)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.Start(ctx) })
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return watcher.Start(ctx) })
	return g.Wait()
}
