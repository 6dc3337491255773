package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fruitlens/internal/api"
	"github.com/kalambet/fruitlens/internal/config"
	"github.com/kalambet/fruitlens/internal/corpus"
	"github.com/kalambet/fruitlens/internal/dictionary"
	"github.com/kalambet/fruitlens/internal/inference"
	"github.com/kalambet/fruitlens/internal/metrics"
	"github.com/kalambet/fruitlens/internal/pipeline"
	"github.com/kalambet/fruitlens/internal/storage"
	"github.com/kalambet/fruitlens/internal/training"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fruitlens server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running fruitlens server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fruitlens system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fruitlens.pid")
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

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newDictionaryCache(ctx context.Context, cfg config.DictionaryConfig) (dictionary.Cache, func(), error) {
	if cfg.Cache != config.CacheRedis {
		return dictionary.NewMemoryCache(0), func() {}, nil
	}
	rc, err := dictionary.NewRedisCache(ctx, dictionary.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, nil, err
	}
	return rc, func() { rc.Close() }, nil
}

func newCorpusSink(cfg config.CorpusConfig) (corpus.Sink, error) {
	switch cfg.Sink {
	case config.SinkFile:
		return corpus.NewFileSink(cfg.Dir)
	case config.SinkS3:
		return corpus.NewS3Sink(corpus.S3Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	}
	return nil, nil
}

// reapInterval is how often pending submissions are checked for expiry.
func reapInterval(expiry time.Duration) time.Duration {
	iv := expiry / 2
	if iv < time.Second {
		iv = time.Second
	}
	if iv > time.Minute {
		iv = time.Minute
	}
	return iv
}

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// MCP owns stdout, so logs stay on stderr.
	slog.SetDefault(newLogger(os.Stderr, cfg.Log))

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("fruitlens is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("fruitlens is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Inference backend. A model that fails to load stops startup; an
	// unreachable service only degrades classification.
	vocab := inference.NewVocabulary(cfg.Inference.Labels)
	backend, err := inference.Detect(inference.DetectConfig{
		Backend:        cfg.Inference.Backend,
		BaseURL:        cfg.Inference.BaseURL,
		ModelPath:      cfg.Inference.ModelPath,
		MetadataPath:   cfg.Inference.MetadataPath,
		RuntimeLibrary: cfg.Inference.RuntimeLibrary,
	})
	if err != nil {
		return fmt.Errorf("loading inference backend: %w", err)
	}
	defer backend.Close()
	if _, err := inference.EnsureReady(ctx, backend, vocab, os.Stderr); err != nil {
		slog.Warn("inference service not ready, submissions will fail until it is", "error", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	if n, err := store.RequeueRunningJobs(); err != nil {
		return fmt.Errorf("requeueing jobs: %w", err)
	} else if n > 0 {
		slog.Info("requeued interrupted jobs", "count", n)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	cache, closeCache, err := newDictionaryCache(ctx, cfg.Dictionary)
	if err != nil {
		return fmt.Errorf("opening dictionary cache: %w", err)
	}
	defer closeCache()
	if cfg.Dictionary.APIKey == "" {
		slog.Warn("no dictionary API key configured, definitions will be unavailable")
	}
	dict := dictionary.New(dictionary.Config{
		BaseURL:     cfg.Dictionary.BaseURL,
		APIKey:      cfg.Dictionary.APIKey,
		Timeout:     cfg.Dictionary.Timeout,
		MaxAttempts: cfg.Dictionary.MaxAttempts,
		FreshFor:    cfg.Dictionary.FreshFor,
		FailureTTL:  cfg.Dictionary.FailureTTL,
	}, cache, m)

	sink, err := newCorpusSink(cfg.Corpus)
	if err != nil {
		return fmt.Errorf("opening corpus sink: %w", err)
	}

	loop := training.NewLoop(store, vocab, training.Options{
		Export:  sink != nil,
		Metrics: m,
	})
	pipe := pipeline.New(store, backend, dict, loop, pipeline.Config{
		MaxImageBytes:    int64(cfg.Ingest.MaxImageBytes),
		InferenceTimeout: cfg.Inference.Timeout,
		DefinitionWait:   cfg.Ingest.DefinitionWait,
		MinConfidence:    cfg.Inference.MinConfidence,
		Vocabulary:       vocab,
		Metrics:          m,
	})
	defer pipe.Wait()

	handler := api.NewHandler(api.Deps{
		Pipeline:      pipe,
		Training:      loop,
		Store:         store,
		Dictionary:    dict,
		Token:         apiToken,
		Gatherer:      registry,
		MaxImageBytes: int64(cfg.Ingest.MaxImageBytes),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "fruitlens listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		runReaper(gctx, pipe, cfg.Ingest.PendingExpiry)
		return nil
	})

	if sink != nil {
		worker := corpus.NewWorker(store, sink, 500*time.Millisecond, m)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
		slog.Info("corpus export enabled", "sink", sink.Name())
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Pipeline:   pipe,
			Training:   loop,
			Store:      store,
			Dictionary: dict,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	return g.Wait()
}

// runReaper fails pending submissions older than expiry until ctx ends.
func runReaper(ctx context.Context, pipe *pipeline.Pipeline, expiry time.Duration) {
	if expiry <= 0 {
		return
	}
	reap := func() {
		if n, err := pipe.ExpireStale(expiry); err != nil {
			slog.Warn("expiring stale submissions failed", "error", err)
		} else if n > 0 {
			slog.Info("expired stale submissions", "count", n)
		}
	}

	reap()
	ticker := time.NewTicker(reapInterval(expiry))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reap()
		}
	}
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("fruitlens is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop fruitlens (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to fruitlens (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Inference", "%s backend", cfg.Inference.Backend)
	if cfg.Inference.Backend == inference.BackendHTTP {
		ic := inference.NewHTTPClient(cfg.Inference.BaseURL)
		if ic.IsRunning(ctx) {
			printStatus("Inference service", "running at %s", cfg.Inference.BaseURL)
		} else {
			printStatus("Inference service", "not reachable at %s", cfg.Inference.BaseURL)
		}
	} else {
		printStatus("Model", "%s", cfg.Inference.ModelPath)
	}
	printStatus("Dictionary cache", "%s", cfg.Dictionary.Cache)
	printStatus("Corpus sink", "%s", cfg.Corpus.Sink)

	if running {
		token, err := config.GetAPIToken(config.NewSecretStore())
		if err == nil {
			c := &apiClient{baseURL: serverURL, token: token, httpClient: client}
			if err := printServerCounts(ctx, c); err != nil {
				printWarning("could not read server status: %v", err)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printServerCounts(ctx context.Context, c *apiClient) error {
	resp, err := c.get(ctx, "/status")
	if err != nil {
		return err
	}
	var st api.StatusResponse
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	for _, s := range []storage.Status{storage.StatusPending, storage.StatusClassified, storage.StatusFailed, storage.StatusTrainingSample} {
		printStatus("Submissions "+string(s), "%d", st.Submissions[s])
	}
	printStatus("Training samples", "%d", st.TrainingSamples)
	if len(st.Jobs) > 0 {
		raw, _ := json.Marshal(st.Jobs)
		printStatus("Export jobs", "%s", raw)
	}
	return nil
}
