package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hostbridge/hostbridge/internal/audit"
	"github.com/hostbridge/hostbridge/internal/config"
	"github.com/hostbridge/hostbridge/internal/dispatch"
	"github.com/hostbridge/hostbridge/internal/github"
	"github.com/hostbridge/hostbridge/internal/hitl"
	httpsvr "github.com/hostbridge/hostbridge/internal/http"
	"github.com/hostbridge/hostbridge/internal/mcp"
	"github.com/hostbridge/hostbridge/internal/memory"
	"github.com/hostbridge/hostbridge/internal/notify"
	"github.com/hostbridge/hostbridge/internal/plan"
	"github.com/hostbridge/hostbridge/internal/policy"
	"github.com/hostbridge/hostbridge/internal/registry"
	"github.com/hostbridge/hostbridge/internal/secrets"
	"github.com/hostbridge/hostbridge/internal/storage"
	"github.com/hostbridge/hostbridge/internal/telemetry"
	"github.com/hostbridge/hostbridge/internal/tools"
	"github.com/hostbridge/hostbridge/internal/workspace"
	"github.com/hostbridge/hostbridge/internal/wsapi"
)

var (
	version   = ""
	gitCommit = ""
	buildTime = ""
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var (
		flagProfile = pflag.String("profile", config.EnvOrDefault("HOSTBRIDGE_PROFILE", "dev"), "built-in defaults profile (dev, staging, prod)")
		flagConfig  = pflag.String("config", config.EnvOrDefault("HOSTBRIDGE_CONFIG", ""), "path to a YAML config file")
		flagListen  = pflag.String("listen", "", "listen address override (host:port)")
	)
	pflag.Parse()

	cfg, err := config.Load(*flagProfile, *flagConfig)
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if *flagListen != "" {
		cfg.ListenAddr = *flagListen
	}
	logger.Info("config loaded", "profile", cfg.Profile, "listen", cfg.ListenAddr, "workspace_root", cfg.WorkspaceRoot)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir failed", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	db, err := storage.Open(filepath.Join(cfg.DataDir, "hostbridge.db"))
	if err != nil {
		logger.Error("storage open failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	secretsPath := cfg.SecretsFilePath
	if secretsPath == "" {
		secretsPath = filepath.Join(cfg.DataDir, "secrets.env")
	}
	secretStore, err := secrets.New(secretsPath, logger)
	if err != nil {
		logger.Error("secrets load failed", "path", secretsPath, "err", err)
		os.Exit(1)
	}
	if err := secretStore.WatchForChanges(); err != nil {
		logger.Warn("secrets hot-reload unavailable", "err", err)
	}
	defer secretStore.Stop()

	resolver, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		logger.Error("workspace root invalid", "root", cfg.WorkspaceRoot, "err", err)
		os.Exit(1)
	}

	bus := notify.New(nil)
	hitlManager := hitl.NewManager(bus)
	bus.SetPendingSource(hitlManager)
	defer hitlManager.Stop()

	auditStore := audit.NewStore(db, bus, secretStore, 0)
	memoryGraph := memory.NewGraph(db)

	reg := registry.New()
	policyEngine := policy.NewEngine(buildPolicyRules(cfg), cfg.HITLTTLSeconds)
	engine := dispatch.New(reg, policyEngine, hitlManager, secretStore, auditStore, logger, 0)
	executor := plan.NewExecutor(engine)

	ghClient := maybeGitHubClient(logger)

	deps := tools.Deps{
		Workspace: resolver,
		Memory:    memoryGraph,
		Plans:     executor,
		Git:       ghClient,
		Shell: tools.ShellConfig{
			AllowedExecutables: config.SplitCSV(os.Getenv("HOSTBRIDGE_SHELL_ALLOWED_EXECUTABLES")),
		},
		Docker: tools.DockerConfig{},
		HTTP:   cfg.HTTP,
		Logger: logger,
	}
	if err := tools.RegisterAll(reg, deps); err != nil {
		logger.Error("tool registration failed", "err", err)
		os.Exit(1)
	}
	logger.Info("tool catalog registered", "tools", len(reg.List()))

	mcpHandler := mcp.NewHandler(engine, reg, logger, version)
	wsHandler := wsapi.New(bus, hitlManager, logger)

	httpServer := httpsvr.NewServer(cfg.ListenAddr, engine, hitlManager, auditStore, secretStore, wsHandler, mcpHandler, logger, cfg.AdminPassword, httpsvr.BuildInfo{
		Version:   version,
		GitCommit: gitCommit,
		BuildTime: buildTime,
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go auditRetentionLoop(sweepCtx, auditStore, cfg.AuditRetentionDays, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	logger.Info("shutdown complete")
}

// buildPolicyRules expands the tools.<category>.<name> config overrides
// into an ordered rule table. Pattern rules go first so a narrow glob
// wins over the tool's blanket policy, and block patterns outrank hitl
// patterns.
func buildPolicyRules(cfg *config.Config) []policy.Rule {
	var patternRules, blanketRules []policy.Rule

	for key, override := range cfg.ToolPolicies {
		category, name, ok := splitToolKey(key)
		if !ok {
			continue
		}
		primary := tools.PrimaryParamName(category, name)

		if primary != "" && len(override.BlockPatterns) > 0 {
			patternRules = append(patternRules, policy.RulesFromPatternList(
				category, name, primary, override.BlockPatterns,
				policy.ActionBlock, "blocked by configured pattern for "+key, 0)...)
		}
		if primary != "" && len(override.HITLPatterns) > 0 {
			patternRules = append(patternRules, policy.RulesFromPatternList(
				category, name, primary, override.HITLPatterns,
				policy.ActionApprove, "matches approval pattern for "+key, cfg.HITLTTLSeconds)...)
		}

		switch override.Policy {
		case "allow":
			blanketRules = append(blanketRules, policy.Rule{Category: category, Name: name, Action: policy.ActionAllow, Reason: "allowed by config"})
		case "block":
			blanketRules = append(blanketRules, policy.Rule{Category: category, Name: name, Action: policy.ActionBlock, Reason: key + " is disabled by config"})
		case "hitl":
			blanketRules = append(blanketRules, policy.Rule{Category: category, Name: name, Action: policy.ActionApprove, Reason: key + " requires approval by config", TTLSeconds: cfg.HITLTTLSeconds})
		}
	}

	return append(patternRules, blanketRules...)
}

func splitToolKey(key string) (category, name string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:], key[:i] != "" && key[i+1:] != ""
		}
	}
	return "", "", false
}

// maybeGitHubClient builds the GitHub App client when its env triple is
// present; the git tools run unauthenticated otherwise.
func maybeGitHubClient(logger *slog.Logger) *github.Client {
	rawAppID := os.Getenv("HOSTBRIDGE_GITHUB_APP_ID")
	keyPath := os.Getenv("HOSTBRIDGE_GITHUB_PRIVATE_KEY_PATH")
	if rawAppID == "" || keyPath == "" {
		return nil
	}
	appID, err := strconv.ParseInt(rawAppID, 10, 64)
	if err != nil {
		logger.Error("invalid HOSTBRIDGE_GITHUB_APP_ID", "value", rawAppID)
		os.Exit(1)
	}
	var installationID int64
	if raw := os.Getenv("HOSTBRIDGE_GITHUB_INSTALLATION_ID"); raw != "" {
		installationID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			logger.Error("invalid HOSTBRIDGE_GITHUB_INSTALLATION_ID", "value", raw)
			os.Exit(1)
		}
	}
	client, err := github.NewClient(appID, installationID, keyPath)
	if err != nil {
		logger.Error("github client init failed", "err", err)
		os.Exit(1)
	}
	logger.Info("github app auth enabled", "app_id", appID)
	return client
}

func auditRetentionLoop(ctx context.Context, store *audit.Store, retentionDays int, logger *slog.Logger) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deleted, err := store.SweepRetention(ctx, retentionDays)
			if err != nil {
				logger.Error("audit retention sweep failed", "err", err)
				continue
			}
			if deleted > 0 {
				telemetry.AddAuditSweepDeletions(deleted)
				logger.Info("audit retention sweep", "deleted", deleted)
			}
		case <-ctx.Done():
			return
		}
	}
}
