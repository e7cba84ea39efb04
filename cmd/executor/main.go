package main

import (
	"context"
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
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/executor"
	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
	transporthttp "github.com/jenkinsci/node-sharing-plugin-sub001/internal/transport/http"
)

func main() {
	var configPath string
	pflag.StringVar(&configPath, "config", "executor.toml", "Path to the executor TOML config file.")

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
	setupLog := ctrl.Log.WithName("setup")

	cfg, err := config.LoadExecutor(configPath)
	if err != nil {
		setupLog.Error(err, "Unable to load config")
		os.Exit(1)
	}

	ctx := log.IntoContext(ctrl.SetupSignalHandler(), ctrl.Log)
	if err := run(ctx, cfg); err != nil {
		setupLog.Error(err, "Executor exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Executor) error {
	identity, err := pool.NewClusterIdentity(cfg.Name, cfg.URL, cfg.ConfigRepoURL)
	if err != nil {
		return err
	}

	orch, err := transporthttp.NewOrchestratorClient(cfg.OrchestratorURL, transporthttp.Options{
		CertDir:    cfg.CertDir,
		Credential: cfg.Credential,
	})
	if err != nil {
		return fmt.Errorf("orchestrator client: %w", err)
	}
	defer orch.Close()

	svc, err := executor.New(executor.Options{
		Identity:       identity,
		Orchestrator:   orch,
		Workload:       &executor.FileWorkload{Path: cfg.WorkloadFile},
		Materializer:   executor.ExecMaterializer{Command: cfg.MaterializeCommand},
		ReportInterval: cfg.ReportInterval,
	})
	if err != nil {
		return err
	}

	ready := func(r *http.Request) error { return orch.Ping(r.Context()) }
	server, err := api.NewServer(cfg.Listen, cfg.CertDir, api.ClusterRoutes(handlers.NewClusterHandler(svc), ready))
	if err != nil {
		return err
	}

	log.FromContext(ctx).WithName("setup").Info("Starting executor",
		"cluster", identity.Name(), "orchestrator", cfg.OrchestratorURL, "listen", cfg.Listen)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Start(ctx) })
	g.Go(func() error { return server.Start(ctx) })
	return g.Wait()
}
