// Command engram runs the chat pipeline service and the digest worker.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"engram/internal/auth"
	"engram/internal/config"
	"engram/internal/contextmgr"
	"engram/internal/digest/key"
	"engram/internal/digest/scheduler"
	"engram/internal/digest/store"
	"engram/internal/digest/worker"
	"engram/internal/event"
	"engram/internal/executor"
	"engram/internal/llm"
	"engram/internal/lockfile"
	"engram/internal/logging"
	"engram/internal/mcp"
	"engram/internal/pipeline"
	"engram/internal/runstate"
	"engram/internal/server"
)

var version = "dev"

func main() {
	// .env is optional; explicit environment always wins.
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(os.Getenv("ENGRAM_LOG_LEVEL")),
	}))

	rootCmd := &cobra.Command{
		Use:   "engram",
		Short: "LLM agent runtime: chat pipeline and digest compaction",
	}
	rootCmd.PersistentFlags().String("data-dir", "./data", "data directory for state, stores, and queues")

	dataDir := func(cmd *cobra.Command) string {
		d, _ := cmd.Flags().GetString("data-dir")
		return d
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, logger, config.FromEnv(dataDir(cmd)))
		},
	}

	digestCmd := &cobra.Command{
		Use:   "digest",
		Short: "Digest pipeline operations",
	}

	digestRunCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the digest worker (sidecar loop, or a single pass with --once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runDigest(ctx, logger, config.FromEnv(dataDir(cmd)), once)
		},
	}
	digestRunCmd.Flags().Bool("once", false, "run one digest pass and exit")

	digestStateCmd := &cobra.Command{
		Use:   "state",
		Short: "Print the digest runtime state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv(dataDir(cmd))
			st := runstate.New(cfg.Digest.StatePath, logger).State()
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	digestCmd.AddCommand(digestRunCmd, digestStateCmd)

	synthCmd := &cobra.Command{
		Use:   "synth",
		Short: "Generate synthetic typed-state rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv(dataDir(cmd))
			n, _ := cmd.Flags().GetInt("count")
			days, _ := cmd.Flags().GetInt("days")
			conv, _ := cmd.Flags().GetString("conversation")
			s := &event.Synth{Path: cfg.TypedState.Path}
			if err := s.Generate(conv, n, days); err != nil {
				return err
			}
			logger.Info("synthetic rows written", "count", n, "path", cfg.TypedState.Path)
			return nil
		},
	}
	synthCmd.Flags().Int("count", 100, "number of rows to generate")
	synthCmd.Flags().Int("days", 14, "spread rows over this many past days")
	synthCmd.Flags().String("conversation", "", "conversation id (default: generated)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, digestCmd, synthCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// deps is the shared wiring for both entry points.
type deps struct {
	state    *runstate.Store
	lock     *lockfile.Service
	loader   *event.Loader
	digestW  *worker.Worker
	hub      *mcp.Hub
	queue    *pipeline.Queue
	pipe     *pipeline.Pipeline
	tokens   *auth.TokenService
}

func build(cfg config.Config, logger *slog.Logger) (*deps, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Digest.StatePath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	state := runstate.New(cfg.Digest.StatePath, logger)
	lock := lockfile.New(cfg.Digest.LockPath, cfg.Digest.LockTimeout, logger)
	loader := event.NewLoader(cfg.TypedState, state, logger)

	hub := mcp.New(cfg.HubURL, 30*time.Second, logger)
	hub.Register(mcp.DefaultTools()...)

	digestStore := store.New(cfg.Digest.StorePath, logger)
	codec := key.NewCodec(string(cfg.Digest.KeyVersion))
	daily := scheduler.NewDaily(digestStore, loader, codec, cfg.Digest, logger)
	archiver := scheduler.NewArchiver(digestStore, codec, cfg.Digest, &graphMirror{hub: hub}, logger)
	digestW := worker.New(cfg.Digest, lock, state, daily, archiver, logger)

	model := llm.New(cfg.ModelURL, cfg.ModelName, 120*time.Second, cfg.RateLimitRPS, logger)
	exec := executor.New(cfg.ExecutorURL, cfg.ExecutorMode, logger)
	retriever := contextmgr.NewRetriever(hub, loader, cfg, logger)
	builder := contextmgr.NewBuilder(cfg.SmallModel, logger)
	intents := pipeline.NewIntentStore(cfg.IntentPath, logger)
	plans := pipeline.NewPlanCache(cfg.PlanCachePath, logger)
	queue := pipeline.NewQueue(cfg.JobQueuePath, logger)

	pipe := pipeline.New(cfg, model, hub, exec, retriever, builder,
		intents, plans, queue, skillSource(hub), blueprintSource(hub), logger)

	var tokens *auth.TokenService
	if cfg.JWTSecret != "" {
		tokens = auth.NewTokenService([]byte(cfg.JWTSecret), 7*24*time.Hour)
	}

	return &deps{
		state:   state,
		lock:    lock,
		loader:  loader,
		digestW: digestW,
		hub:     hub,
		queue:   queue,
		pipe:    pipe,
		tokens:  tokens,
	}, nil
}

func runServe(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	d, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer d.loader.Close()

	// Inline mode hosts the digest worker in this process. The worker's own
	// double-start guard keeps a second serve invocation from racing it; the
	// file lock covers a sidecar running next to us anyway.
	if cfg.Digest.RunMode == config.RunModeInline {
		go func() {
			if err := d.digestW.Start(ctx); err != nil {
				logger.Error("inline digest worker stopped", "error", err)
			}
		}()
	}

	// Embed queue drain loop. Failures stay queued for the next tick.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				processed, failed := d.queue.RunOnce(ctx, func(ctx context.Context, job pipeline.Job) error {
					_, err := d.hub.Call(ctx, "memory_save", map[string]any{
						"text": job.Text,
						"meta": job.Meta,
					})
					return err
				})
				if processed > 0 || failed > 0 {
					logger.Info("embed queue drained", "processed", processed, "failed", failed)
				}
			}
		}
	}()

	srv := server.New(cfg, d.pipe, d.state, d.lock, d.queue, d.tokens, logger)
	return srv.Start(ctx)
}

func runDigest(ctx context.Context, logger *slog.Logger, cfg config.Config, once bool) error {
	// The sidecar entry point forces the worker on regardless of the run
	// mode the API host sees.
	cfg.Digest.RunMode = config.RunModeSidecar
	d, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer d.loader.Close()

	if once {
		sum := d.digestW.RunOnce(ctx, true)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	return d.digestW.Start(ctx)
}

// graphMirror pushes archive digests into the memory graph through the hub.
type graphMirror struct {
	hub *mcp.Hub
}

func (m *graphMirror) MemorySave(ctx context.Context, text string, meta map[string]any) error {
	_, err := m.hub.Call(ctx, "memory_save", map[string]any{"text": text, "meta": meta})
	return err
}

// skillSource lists routable skills through the hub, feeding the trust
// filtered router. Errors close the gate upstream.
func skillSource(hub *mcp.Hub) pipeline.SkillSource {
	return hubCandidateSource(hub, "list_skills", "skills")
}

// blueprintSource feeds the blueprint router the same way.
func blueprintSource(hub *mcp.Hub) pipeline.SkillSource {
	return hubCandidateSource(hub, "blueprint_list", "blueprints")
}

func hubCandidateSource(hub *mcp.Hub, tool, field string) pipeline.SkillSource {
	return func(ctx context.Context) ([]contextmgr.Candidate, map[string]bool, error) {
		res, err := hub.Call(ctx, tool, map[string]any{})
		if err != nil {
			return nil, nil, err
		}
		raw, ok := res.Data[field].([]any)
		if !ok {
			return nil, map[string]bool{}, nil
		}
		var cands []contextmgr.Candidate
		active := map[string]bool{}
		for _, entry := range raw {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			id, _ := m["id"].(string)
			name, _ := m["name"].(string)
			score, _ := m["score"].(float64)
			meta, _ := m["meta"].(map[string]any)
			cands = append(cands, contextmgr.Candidate{ID: id, Name: name, Score: score, Meta: meta})
			if activeFlag, _ := m["active"].(bool); activeFlag {
				active[id] = true
			}
		}
		return cands, active, nil
	}
}
