// Package config loads the TOML configuration of both daemons.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/jenkinsci/node-sharing-plugin-sub001/internal/pool"
)

// Orchestrator holds the orchestrator daemon settings.
type Orchestrator struct {
	Listen           string
	CertDir          string
	InventoryDir     string
	ConfigRepoURL    string
	VerifyPeriod     time.Duration
	GraceCycles      int
	ReportWorkers    int
	DisposerWorkers  int
	ReleaseURL       string
	Credential       string
	RequestRetention time.Duration
}

// DefaultOrchestrator returns the settings used for keys a file leaves out.
func DefaultOrchestrator() Orchestrator {
	return Orchestrator{
		Listen:           ":8443",
		InventoryDir:     ".",
		VerifyPeriod:     time.Minute,
		GraceCycles:      2,
		ReportWorkers:    2,
		DisposerWorkers:  1,
		RequestRetention: time.Hour,
	}
}

// Executor holds the executor daemon settings.
type Executor struct {
	Name               string
	URL                string
	ConfigRepoURL      string
	OrchestratorURL    string
	Listen             string
	CertDir            string
	ReportInterval     time.Duration
	WorkloadFile       string
	MaterializeCommand []string
	Credential         string
}

// DefaultExecutor returns the settings used for keys a file leaves out.
func DefaultExecutor() Executor {
	return Executor{
		Listen:         ":8444",
		ReportInterval: 30 * time.Second,
		WorkloadFile:   "workload.yaml",
	}
}

// orchestrator.toml key mapping
type orchestratorFile struct {
	Listen           string `toml:"listen"`
	CertDir          string `toml:"cert_dir"`
	InventoryDir     string `toml:"inventory_dir"`
	ConfigRepoURL    string `toml:"config_repo_url"`
	VerifyPeriod     string `toml:"verify_period"`
	GraceCycles      int    `toml:"grace_cycles"`
	ReportWorkers    int    `toml:"report_workers"`
	DisposerWorkers  int    `toml:"disposer_workers"`
	ReleaseURL       string `toml:"release_url"`
	Credential       string `toml:"credential"`
	RequestRetention string `toml:"request_retention"`
}

// executor.toml key mapping
type executorFile struct {
	Name               string   `toml:"name"`
	URL                string   `toml:"url"`
	ConfigRepoURL      string   `toml:"config_repo_url"`
	OrchestratorURL    string   `toml:"orchestrator_url"`
	Listen             string   `toml:"listen"`
	CertDir            string   `toml:"cert_dir"`
	ReportInterval     string   `toml:"report_interval"`
	WorkloadFile       string   `toml:"workload_file"`
	MaterializeCommand []string `toml:"materialize_command"`
	Credential         string   `toml:"credential"`
}

// LoadOrchestrator reads path and overlays it onto DefaultOrchestrator. An
// empty path yields the defaults.
func LoadOrchestrator(path string) (Orchestrator, error) {
	cfg := DefaultOrchestrator()
	if path == "" {
		return cfg, cfg.Validate()
	}

	var raw orchestratorFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Orchestrator{}, fmt.Errorf("load orchestrator config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Orchestrator{}, fmt.Errorf("load orchestrator config: unknown keys %v", undecoded)
	}

	var errs []error
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("cert_dir") {
		cfg.CertDir = strings.TrimSpace(raw.CertDir)
	}
	if meta.IsDefined("inventory_dir") {
		cfg.InventoryDir = strings.TrimSpace(raw.InventoryDir)
	}
	if meta.IsDefined("config_repo_url") {
		cfg.ConfigRepoURL = strings.TrimSpace(raw.ConfigRepoURL)
	}
	if meta.IsDefined("verify_period") {
		cfg.VerifyPeriod, err = parseDuration("verify_period", raw.VerifyPeriod)
		errs = append(errs, err)
	}
	if meta.IsDefined("grace_cycles") {
		cfg.GraceCycles = raw.GraceCycles
	}
	if meta.IsDefined("report_workers") {
		cfg.ReportWorkers = raw.ReportWorkers
	}
	if meta.IsDefined("disposer_workers") {
		cfg.DisposerWorkers = raw.DisposerWorkers
	}
	if meta.IsDefined("release_url") {
		cfg.ReleaseURL = strings.TrimSpace(raw.ReleaseURL)
	}
	if meta.IsDefined("credential") {
		cfg.Credential = raw.Credential
	}
	if meta.IsDefined("request_retention") {
		cfg.RequestRetention, err = parseDuration("request_retention", raw.RequestRetention)
		errs = append(errs, err)
	}
	if agg := utilerrors.NewAggregate(errs); agg != nil {
		return Orchestrator{}, fmt.Errorf("load orchestrator config: %w", agg)
	}

	if err := cfg.Validate(); err != nil {
		return Orchestrator{}, fmt.Errorf("load orchestrator config: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Orchestrator) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.InventoryDir == "" {
		errs = append(errs, errors.New("inventory_dir is required"))
	}
	if c.ConfigRepoURL != "" {
		errs = append(errs, pool.ValidateRepoURL(c.ConfigRepoURL))
	}
	if c.VerifyPeriod <= 0 {
		errs = append(errs, fmt.Errorf("verify_period must be positive, got %s", c.VerifyPeriod))
	}
	if c.GraceCycles < 2 {
		errs = append(errs, fmt.Errorf("grace_cycles must be at least 2, got %d", c.GraceCycles))
	}
	if c.ReportWorkers < 1 {
		errs = append(errs, fmt.Errorf("report_workers must be at least 1, got %d", c.ReportWorkers))
	}
	if c.DisposerWorkers < 1 {
		errs = append(errs, fmt.Errorf("disposer_workers must be at least 1, got %d", c.DisposerWorkers))
	}
	if c.RequestRetention <= 0 {
		errs = append(errs, fmt.Errorf("request_retention must be positive, got %s", c.RequestRetention))
	}
	return utilerrors.NewAggregate(errs)
}

// LoadExecutor reads path and overlays it onto DefaultExecutor.
func LoadExecutor(path string) (Executor, error) {
	cfg := DefaultExecutor()
	if path == "" {
		return Executor{}, errors.New("load executor config: a config file is required")
	}

	var raw executorFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Executor{}, fmt.Errorf("load executor config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Executor{}, fmt.Errorf("load executor config: unknown keys %v", undecoded)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("config_repo_url") {
		cfg.ConfigRepoURL = strings.TrimSpace(raw.ConfigRepoURL)
	}
	if meta.IsDefined("orchestrator_url") {
		cfg.OrchestratorURL = strings.TrimSpace(raw.OrchestratorURL)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("cert_dir") {
		cfg.CertDir = strings.TrimSpace(raw.CertDir)
	}
	if meta.IsDefined("report_interval") {
		if cfg.ReportInterval, err = parseDuration("report_interval", raw.ReportInterval); err != nil {
			return Executor{}, fmt.Errorf("load executor config: %w", err)
		}
	}
	if meta.IsDefined("workload_file") {
		cfg.WorkloadFile = strings.TrimSpace(raw.WorkloadFile)
	}
	if meta.IsDefined("materialize_command") {
		cfg.MaterializeCommand = raw.MaterializeCommand
	}
	if meta.IsDefined("credential") {
		cfg.Credential = raw.Credential
	}

	if err := cfg.Validate(); err != nil {
		return Executor{}, fmt.Errorf("load executor config: %w", err)
	}
	return cfg, nil
}

// Validate checks required keys. The cluster identity itself is validated by
// pool.NewClusterIdentity.
func (c Executor) Validate() error {
	var errs []error
	if _, err := pool.NewClusterIdentity(c.Name, c.URL, c.ConfigRepoURL); err != nil {
		errs = append(errs, err)
	}
	if c.OrchestratorURL == "" {
		errs = append(errs, errors.New("orchestrator_url is required"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.ReportInterval <= 0 {
		errs = append(errs, fmt.Errorf("report_interval must be positive, got %s", c.ReportInterval))
	}
	if c.WorkloadFile == "" {
		errs = append(errs, errors.New("workload_file is required"))
	}
	if len(c.MaterializeCommand) == 0 {
		errs = append(errs, errors.New("materialize_command is required"))
	}
	return utilerrors.NewAggregate(errs)
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
