// Command locallamarouter runs the cost-aware inference router: it serves
// the read-only resource surface over HTTP, or reports status/model
// information for an already-running instance.
// The command tree uses a persistent --config flag shared by every
// subcommand, with one RunE per leaf command.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/locallama/router/internal/api"
	"github.com/locallama/router/internal/backend"
	"github.com/locallama/router/internal/codeindex"
	"github.com/locallama/router/internal/config"
	"github.com/locallama/router/internal/executor"
	"github.com/locallama/router/internal/jobtracker"
	"github.com/locallama/router/internal/lockfile"
	"github.com/locallama/router/internal/logging"
	"github.com/locallama/router/internal/perfstore"
	"github.com/locallama/router/internal/registry"
	"github.com/locallama/router/internal/router"
)

var (
	version    = "0.1.0"
	cfgPath    string
	listenAddr string
	indexRoot  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "locallamarouter",
		Short: "Cost-aware inference router for coding tasks",
		Long: `locallamarouter routes decomposed coding tasks across local and
remote LLM backends, balancing cost against model capability.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default: none, environment overrides apply)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newModelsCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("locallamarouter version %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the router's HTTP resource surface",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8787", "address to listen on")
	cmd.Flags().StringVar(&indexRoot, "index-root", "", "directory to index for code-aware routing (default: none)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logging.EnableFileLogging(cfg.Storage.DBDir, logging.ParseLevel(cfg.Logging.Level)); err != nil {
		color.Yellow("warning: file logging disabled: %v", err)
	}

	lock, err := lockfile.Acquire(cfg.Storage.DBDir, "http://localhost"+listenAddr)
	if err != nil {
		return fmt.Errorf("failed to acquire lock file: %w", err)
	}
	defer lock.Release()

	clients := registry.Clients{
		LocalStudio: newBackendClient(cfg.Backends.LocalStudioBaseURL, "", cfg.Retry),
		LocalOllama: newBackendClient(cfg.Backends.LocalOllamaBaseURL, "", cfg.Retry),
		Remote:      newBackendClient(cfg.Backends.RemoteBaseURL, cfg.Backends.RemoteAPIKey, cfg.Retry),
	}
	reg := registry.New(clients, registry.DefaultTTL)
	perf := perfstore.New(filepath.Join(cfg.Storage.DBDir, "models-db.json"))
	rtr := router.New(router.NewDefaultScorer(time.Now().UnixNano()), router.NewLoadTracker(), router.Config{
		EffectiveLoadCap:      cfg.Router.EffectiveLoadCap,
		AlternativeScoreRatio: cfg.Router.AlternativeScoreRatio,
		EnableBatching:        cfg.Router.EnableBatching,
		ResourceOptimizedPath: cfg.Router.ResourceOptimizedPath,
	})
	tracker := jobtracker.New()

	var index *codeindex.Index
	if indexRoot != "" {
		index = codeindex.New(codeindex.Options{K1: cfg.Index.K1, B: cfg.Index.B, MinTokenLength: 2, StopWords: codeindex.DefaultCodeStopWords})
		walkOpts := codeindex.DefaultWalkOptions()
		walkOpts.ExcludePatterns = cfg.Index.ExcludePatterns
		walkOpts.ChunkLines = cfg.Index.ChunkLines
		if _, err := index.IndexDirectory(context.Background(), indexRoot, false, walkOpts); err != nil {
			color.Yellow("warning: initial code index build failed: %v", err)
		}
	}

	exec := executor.New(tracker, executor.NewRegistryResolver(clients), index, executor.Config{
		DefaultModelID: cfg.Backends.DefaultModelID,
		MaxTokens:      2048,
		Temperature:    0.2,
	})

	svc := api.NewService(cfg, reg, perf, rtr, tracker, index, exec)
	srv := api.NewServer(svc)
	defer srv.Close()

	httpServer := &http.Server{Addr: listenAddr, Handler: srv.Handler()}

	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			tracker.Sweep()
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		color.Green("locallamarouter listening on %s", listenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		color.Yellow("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a locallamarouter instance is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("http://localhost%s/status", addrFromConfig()))
			if err != nil {
				color.Red("not running: %v", err)
				return nil
			}
			defer resp.Body.Close()
			color.Green("running (http %d)", resp.StatusCode)
			return nil
		},
	}
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models known to a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("http://localhost%s/models", addrFromConfig()))
			if err != nil {
				return fmt.Errorf("failed to reach running instance: %w", err)
			}
			defer resp.Body.Close()
			fmt.Println("models endpoint responded with status", resp.StatusCode)
			return nil
		},
	}
}

func addrFromConfig() string {
	if listenAddr != "" {
		return listenAddr
	}
	return ":8787"
}

func newBackendClient(baseURL, apiKey string, retry config.RetryConfig) *backend.Client {
	if baseURL == "" {
		return nil
	}
	policy := backend.RetryPolicy{MaxAdditionalRetries: retry.MaxAdditionalRetries, BaseDelay: retry.BaseDelay, MaxDelay: retry.MaxDelay}
	return backend.New(baseURL, apiKey, 60*time.Second, policy)
}
