// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/approval"
	"github.com/helmsman-ai/helmsman/pkg/audit"
	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/core"
	"github.com/helmsman-ai/helmsman/pkg/feed"
	"github.com/helmsman-ai/helmsman/pkg/llm"
	"github.com/helmsman-ai/helmsman/pkg/memory"
	memollama "github.com/helmsman-ai/helmsman/pkg/memory/ollama"
	memqdrant "github.com/helmsman-ai/helmsman/pkg/memory/qdrant"
	"github.com/helmsman-ai/helmsman/pkg/orchestrator"
	"github.com/helmsman-ai/helmsman/pkg/policy"
	"github.com/helmsman-ai/helmsman/pkg/resilience"
	"github.com/helmsman-ai/helmsman/pkg/router"
	"github.com/helmsman-ai/helmsman/pkg/server"
	"github.com/helmsman-ai/helmsman/pkg/staterepo"
	"github.com/helmsman-ai/helmsman/pkg/telemetry"
	"github.com/helmsman-ai/helmsman/pkg/tool"
)

const version = "0.3.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(ctx, os.Args[2:])
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "replay":
		err = cmdReplay(ctx, os.Args[2:])
	case "approvals":
		err = cmdApprovals(ctx, os.Args[2:])
	case "doctor":
		err = cmdDoctor(ctx, os.Args[2:])
	case "version":
		fmt.Println("helmsman " + version)
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `helmsman - deterministic agent control plane

Usage:
  helmsman serve     [-config path]            start the control plane
  helmsman run       [-config path] [-approve] INTENT
  helmsman replay    [-config path] [run_id]   verify and replay the audit log
  helmsman approvals [-addr host:port] [-token t] list|approve ID|reject ID
  helmsman doctor    [-config path]            check component health
  helmsman version`)
}

// controlPlane bundles everything serve and run need.
type controlPlane struct {
	cfg      *config.Config
	log      orchestrator.FullLog
	db       *sql.DB
	registry *tool.Registry
	broker   *approval.Broker
	router   *router.Router
	repo     staterepo.Repo
	intake   *feed.Feed
	working  *memory.Working
	episodic *memory.Episodic
	health   *core.HealthRegistry
	orch     *orchestrator.Orchestrator
	shutdown telemetry.ShutdownFunc
}

func (cp *controlPlane) close() {
	if cp.episodic != nil {
		cp.episodic.Close()
	}
	if cp.db != nil {
		cp.db.Close()
	}
	if cp.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cp.shutdown(ctx)
	}
}

func buildControlPlane(cfg *config.Config, hook approval.Hook) (*controlPlane, error) {
	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	shutdown, err := telemetry.Init("helmsman", version)
	if err != nil {
		return nil, err
	}
	cp := &controlPlane{cfg: cfg, shutdown: shutdown}

	redactor := policy.NewRedactor()
	if cfg.Audit.Path == "" {
		cp.log = audit.NewMemoryLog(audit.WithMemoryRedactor(redactor))
	} else {
		db, err := sql.Open("sqlite", cfg.Audit.Path)
		if err != nil {
			return nil, err
		}
		sqliteLog, err := audit.NewSQLiteLog(db, audit.WithSQLiteRedactor(redactor))
		if err != nil {
			db.Close()
			return nil, err
		}
		cp.db = db
		cp.log = sqliteLog
	}

	engine := policy.NewEngine(policyConfig(cfg.Policy))
	cp.registry, err = tool.NewRegistry(cp.log, engine,
		tool.WithInvokeTimeout(cfg.Run.ToolTimeout),
		tool.WithRegistryLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	sandbox, err := tool.NewSandbox(cfg.Sandbox.Roots, cfg.Sandbox.NetworkHosts)
	if err != nil {
		return nil, err
	}
	if err := tool.RegisterBuiltins(cp.registry, sandbox); err != nil {
		return nil, err
	}

	if hook == nil {
		cp.broker = approval.NewBroker(
			approval.WithWindow(cfg.Approval.Window),
			approval.WithLogger(logger),
		)
		hook = cp.broker
	}

	provider, loader, err := buildProvider(cfg.Router)
	if err != nil {
		return nil, err
	}
	profiles := router.DefaultProfiles(cfg.Router.DefaultModel)
	if cfg.Router.ProfilesPath != "" {
		profiles, err = router.LoadProfiles(cfg.Router.ProfilesPath)
		if err != nil {
			return nil, err
		}
	}
	cp.router, err = router.New(provider, loader, profiles, router.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	if cp.db != nil {
		cp.repo, err = staterepo.NewSQLiteRepo(cp.db, cp.log)
	} else {
		cp.repo, err = staterepo.NewMemoryRepo(cp.log)
	}
	if err != nil {
		return nil, err
	}

	cp.intake = feed.New(feed.WithHMACSecret(cfg.Feed.HMACSecret))
	cp.working = memory.NewWorking(
		memory.WithTTL(cfg.Memory.WorkingTTL),
		memory.WithMaxEntries(cfg.Memory.WorkingMaxEntries),
	)

	var episodicOpts []memory.EpisodicOption
	if cfg.Memory.MirrorEnabled {
		embedder := memollama.NewEmbedder(cfg.Memory.EmbedderBaseURL, cfg.Memory.EmbedderModel)
		mirror, err := memqdrant.New(cfg.Memory.QdrantAddr, cfg.Memory.QdrantCollection, embedder)
		if err != nil {
			return nil, err
		}
		episodicOpts = append(episodicOpts, memory.WithMirror(mirror))
	}
	cp.episodic, err = memory.NewEpisodic(cfg.Memory.EpisodicPath, episodicOpts...)
	if err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewRunMetrics()
	if err != nil {
		return nil, err
	}

	runCfg := orchestrator.DefaultConfig()
	runCfg.MaxTicks = cfg.Run.MaxTicks
	runCfg.MaxReplans = cfg.Run.MaxReplans
	runCfg.Retry = resilience.DefaultRetryConfig().
		WithMaxAttempts(cfg.Run.RetryMax).
		WithInitialDelay(cfg.Run.RetryInitial)

	cp.orch, err = orchestrator.New(runCfg, cp.log, cp.registry, cp.router, cp.repo,
		orchestrator.WithApprovalHook(hook),
		orchestrator.WithFeed(cp.intake),
		orchestrator.WithWorkingMemory(cp.working),
		orchestrator.WithEpisodicStore(cp.episodic),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	cp.health = core.NewHealthRegistry()
	cp.health.Register("audit", core.HealthCheckFunc(func(ctx context.Context) core.HealthResult {
		result := core.HealthResult{Component: "audit", Status: core.HealthHealthy, LastCheck: time.Now()}
		if _, err := cp.log.Runs(ctx); err != nil {
			result.Status = core.HealthUnhealthy
			result.Error = err
			result.Message = "audit log unreachable"
		}
		return result
	}))
	cp.health.Register("episodic", core.HealthCheckFunc(func(ctx context.Context) core.HealthResult {
		result := core.HealthResult{Component: "episodic", Status: core.HealthHealthy, LastCheck: time.Now()}
		if err := cp.episodic.Verify(ctx); err != nil {
			result.Status = core.HealthUnhealthy
			result.Error = err
			result.Message = "episode chain broken"
		}
		return result
	}))
	return cp, nil
}

func policyConfig(cfg config.PolicyConfig) policy.Config {
	out := policy.Config{AllowExec: cfg.AllowExec, AllowNetwork: cfg.AllowNetwork}
	for _, rule := range cfg.Rules {
		out.Rules = append(out.Rules, policy.Rule{
			ID:     rule.ID,
			Effect: rule.Effect,
			Risk:   core.RiskClass(strings.ToUpper(rule.Risk)),
			Name:   rule.Name,
			Reason: rule.Reason,
		})
	}
	return out
}

func buildProvider(cfg config.RouterConfig) (llm.Provider, llm.Loader, error) {
	switch cfg.Provider {
	case "", "ollama":
		p := llm.NewOllama(cfg.BaseURL)
		return p, p, nil
	case "scripted":
		p := llm.NewScripted()
		return p, p, nil
	default:
		return nil, nil, fmt.Errorf("unknown router provider %q", cfg.Provider)
	}
}

func cmdServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *configPath == "" {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		return serveWith(ctx, cfg, nil)
	}
	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		return err
	}
	watcher.Start(ctx)
	defer watcher.Stop()
	return serveWith(ctx, watcher.Config(), watcher)
}

func serveWith(ctx context.Context, cfg *config.Config, watcher *config.Watcher) error {
	cp, err := buildControlPlane(cfg, nil)
	if err != nil {
		return err
	}
	defer cp.close()

	if watcher != nil {
		watcher.OnChange(func(next *config.Config) {
			cp.registry.SetEngine(policy.NewEngine(policyConfig(next.Policy)))
		})
	}

	// Approval sweeper: expired requests resolve as timeouts.
	go func() {
		interval := cfg.Approval.SweepInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = cp.broker.ExpireApprovals(ctx)
			}
		}
	}()

	// Follow-up tasks run after the plans that queued them.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case task := <-cp.orch.FollowUps():
				_, _ = cp.orch.Execute(ctx, task)
			}
		}
	}()

	if _, err := cp.orch.Recover(ctx, cp.log); err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Bind:      cfg.Server.Bind,
		AuthToken: cfg.Server.AuthToken,
		TLSCert:   cfg.Server.TLSCert,
		TLSKey:    cfg.Server.TLSKey,
	}, cp.orch, cp.broker, cp.intake, cp.health, nil)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	autoApprove := fs.Bool("approve", false, "pre-approve mutating actions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	intent := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if intent == "" {
		return stderrors.New("run requires an intent")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	hook := approval.Hook(approval.Static{Outcome: approval.OutcomeDenied})
	if *autoApprove {
		hook = approval.Static{Outcome: approval.OutcomeGranted}
	}
	cp, err := buildControlPlane(cfg, hook)
	if err != nil {
		return err
	}
	defer cp.close()

	result, runErr := cp.orch.Execute(ctx, core.NewTaskRequest(intent))
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return runErr
}

func cmdReplay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Audit.Path == "" {
		return stderrors.New("replay requires audit.path to point at a SQLite log")
	}
	db, err := sql.Open("sqlite", cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	log, err := audit.NewSQLiteLog(db)
	if err != nil {
		return err
	}

	all, err := log.All(ctx)
	if err != nil {
		return err
	}
	if err := audit.VerifyChain(all); err != nil {
		return err
	}
	fmt.Printf("chain ok: %d events\n", len(all))

	runIDs := fs.Args()
	if len(runIDs) == 0 {
		runIDs, err = log.Runs(ctx)
		if err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tEVENTS\tOK\tSTATE_HASH")
	for _, runID := range runIDs {
		events, err := log.Replay(ctx, runID)
		if err != nil {
			return err
		}
		result := audit.ReplayRun(events)
		status := "ok"
		if !result.OK {
			status = result.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", runID, result.Events, status, result.StateHash)
	}
	return w.Flush()
}

func cmdApprovals(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approvals", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:7171", "control plane address")
	token := fs.String("token", "", "bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return stderrors.New("approvals requires list, approve ID, or reject ID")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	do := func(method, path string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, "http://"+*addr+path, nil)
		if err != nil {
			return nil, err
		}
		if *token != "" {
			req.Header.Set("Authorization", "Bearer "+*token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
		return body, nil
	}

	switch rest[0] {
	case "list":
		body, err := do(http.MethodGet, "/v1/approvals")
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	case "approve", "reject":
		if len(rest) < 2 {
			return fmt.Errorf("approvals %s requires an id", rest[0])
		}
		body, err := do(http.MethodPost, "/v1/approvals/"+rest[1]+"/"+rest[0])
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	default:
		return fmt.Errorf("unknown approvals subcommand %q", rest[0])
	}
}

func cmdDoctor(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cp, err := buildControlPlane(cfg, approval.Static{})
	if err != nil {
		return err
	}
	defer cp.close()

	results, overall := cp.health.CheckAll(ctx)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tSTATUS\tMESSAGE")
	for _, result := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", result.Component, result.Status, result.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Println("overall:", overall)
	if overall == core.HealthUnhealthy {
		return stderrors.New("one or more components unhealthy")
	}
	return nil
}
