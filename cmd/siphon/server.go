package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/siphon/internal/api"
	"github.com/kalambet/siphon/internal/browser"
	"github.com/kalambet/siphon/internal/config"
	"github.com/kalambet/siphon/internal/media"
	"github.com/kalambet/siphon/internal/poller"
	"github.com/kalambet/siphon/internal/source"
	"github.com/kalambet/siphon/internal/storage"
	"github.com/kalambet/siphon/internal/transcribe"
	"github.com/kalambet/siphon/internal/whisper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the siphon daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running siphon daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show siphon system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "siphon.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pageRenderer adapts the browser client to the source adapter contract.
type pageRenderer struct {
	client *browser.Client
}

func (r pageRenderer) Render(ctx context.Context, pageURL string) (string, string, error) {
	res, err := r.client.Render(ctx, pageURL)
	if err != nil {
		return "", "", err
	}
	return res.Title, res.Text, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "siphon version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	})))

	// Ensure the management API token exists.
	token, err := config.GetAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Write PID file. Check if the daemon is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("siphon is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("siphon is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build source adapters and the poll orchestrator.
	renderer := pageRenderer{client: browser.New(cfg.Browser.BaseURL)}
	sourceDeps := source.Deps{
		HTTPClient: &http.Client{Timeout: cfg.FetchTimeout()},
		Renderer:   renderer,
		FetchLimit: cfg.Poll.FetchLimit,
	}
	adapters := func(sourceType string) (source.Fetcher, error) {
		return source.New(sourceType, sourceDeps)
	}
	checker := poller.New(store, adapters, poller.Options{
		Concurrency:        cfg.Poll.Concurrency,
		FetchTimeout:       cfg.FetchTimeout(),
		TranscribePerCycle: cfg.Poll.TranscribePerCycle,
	})

	// Clip extractor.
	clipsDir := cfg.Media.OutputDir
	if clipsDir == "" {
		clipsDir = filepath.Join(cfg.Storage.DataDir, "clips")
	}
	if err := os.MkdirAll(clipsDir, 0o755); err != nil {
		return fmt.Errorf("creating clips dir: %w", err)
	}
	extractor := media.NewExtractor(media.FFmpeg{}, clipsDir)

	// Start the transcription worker.
	audioDir := filepath.Join(cfg.Storage.DataDir, "audio")
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return fmt.Errorf("creating audio dir: %w", err)
	}
	stt := whisper.New(cfg.Whisper.BaseURL, cfg.Whisper.Model)
	worker := transcribe.NewWorker(store, media.FFmpeg{}, stt, audioDir, 2*time.Second)
	go worker.Run(ctx)

	// Optional background poll ticker.
	if interval := cfg.PollInterval(); interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := checker.CheckFeeds(ctx, ""); err != nil {
						slog.Error("background poll failed", "error", err)
					}
				}
			}
		}()
		slog.Info("background poll ticker started", "interval", interval)
	}

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Checker:   checker,
		Extractor: extractor,
		Token:     token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Checker:   checker,
		Extractor: extractor,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "siphon listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("siphon is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop siphon (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to siphon (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check collaborator services.
	if whisperResp, err := client.Get(cfg.Whisper.BaseURL + "/"); err != nil {
		printStatus("Whisper", "not running")
	} else {
		whisperResp.Body.Close()
		printStatus("Whisper", "running at %s (model %s)", cfg.Whisper.BaseURL, cfg.Whisper.Model)
	}
	if browserResp, err := client.Get(cfg.Browser.BaseURL + "/health"); err != nil {
		printStatus("Browser", "not running")
	} else {
		browserResp.Body.Close()
		printStatus("Browser", "running at %s", cfg.Browser.BaseURL)
	}

	// Show store counts if the daemon is up.
	if running {
		if token, err := config.GetAPIToken(cfg.Storage.DataDir); err == nil {
			if countsResp, err := apiGet(client, serverURL+"/status", token); err == nil {
				var counts struct {
					Subscriptions int `json:"subscriptions"`
					Items         int `json:"items"`
					Transcribed   int `json:"transcribed_items"`
					PendingJobs   int `json:"pending_jobs"`
				}
				if json.NewDecoder(countsResp.Body).Decode(&counts) == nil {
					printStatus("Subscriptions", "%d", counts.Subscriptions)
					printStatus("Items", "%d (%d transcribed)", counts.Items, counts.Transcribed)
					printStatus("Pending jobs", "%d", counts.PendingJobs)
				}
				countsResp.Body.Close()
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
