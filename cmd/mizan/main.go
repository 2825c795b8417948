// Command mizan runs the financial analysis engine.
//
// Usage:
//
//	mizan serve --config config.yaml
//	mizan serve --addr :9000 --data-dir /var/lib/mizan
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/mizanlabs/mizan/pkg/agents"
	"github.com/mizanlabs/mizan/pkg/config"
	"github.com/mizanlabs/mizan/pkg/embedder"
	"github.com/mizanlabs/mizan/pkg/ingest"
	"github.com/mizanlabs/mizan/pkg/llm"
	"github.com/mizanlabs/mizan/pkg/nlq"
	"github.com/mizanlabs/mizan/pkg/orchestrator"
	"github.com/mizanlabs/mizan/pkg/server"
	"github.com/mizanlabs/mizan/pkg/store"
	"github.com/mizanlabs/mizan/pkg/vector"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the analysis server."`

	Config string `short:"c" help:"Path to config file." type:"path"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("mizan version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Addr    string `help:"Listen address (host:port)."`
	DataDir string `name:"data-dir" help:"Data directory for the database, uploads, and caches." type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}
	if c.DataDir != "" {
		cfg.Storage.DataDir = c.DataDir
	}

	logger, closeLog, err := setupLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Storage.UploadsDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	gateway := llm.New(
		llm.WithBaseURL(cfg.LLM.BaseURL()),
		llm.WithNoThinkModels(cfg.LLM.RouterModel, cfg.LLM.VisionModel),
		llm.WithHTTPTimeout(cfg.LLM.InsightsTimeout),
	)

	embedSvc, err := embedder.New(embedder.Config{
		BaseURL:  cfg.LLM.BaseURL(),
		Model:    cfg.LLM.EmbedModel,
		CacheDir: cfg.Storage.EmbeddingCacheDir(),
	})
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	index, err := vector.New(vector.Config{
		PersistDir: cfg.Vector.PersistDir,
		Embedder:   embedSvc,
	})
	if err != nil {
		return fmt.Errorf("failed to open vector index: %w", err)
	}

	st, err := store.Open(cfg.Storage.DatabasePath(), cfg.CacheTTL(), logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	vision := ingest.NewVisionProcessor(gateway, cfg.LLM.VisionModel, logger)
	ingestor := ingest.NewIngestor(index, vision, logger)

	orch := orchestrator.New(orchestrator.Config{
		Store:        st,
		Index:        index,
		Registry:     agents.NewRegistry(gateway, cfg.LLM.PrimaryModel, logger),
		Router:       nlq.NewRouter(gateway, cfg.LLM.RouterModel, logger),
		Understander: nlq.NewUnderstander(gateway, cfg.LLM.RouterModel, logger),
		Ingestor:     ingestor,
		UploadsDir:   cfg.Storage.UploadsDir(),
		Concurrency:  int64(cfg.LLM.Concurrency),
	})

	return server.New(cfg, orch, st, logger).Start(ctx)
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("mizan"),
		kong.Description("Privacy-preserving financial analysis over local models."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
