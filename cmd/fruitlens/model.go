package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fruitlens/internal/inference"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Run the fruit classification model",
}

var modelServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ONNX model as the inference service",
	Long: `Load the ONNX model and serve it over HTTP:

  GET  /health       liveness
  GET  /v1/model     model version and classes
  POST /v1/classify  raw image body, returns label and confidence

The listen address defaults to the host and port of inference.base_url.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		modelPath, _ := cmd.Flags().GetString("model")
		metadataPath, _ := cmd.Flags().GetString("metadata")
		return runModelServe(addr, modelPath, metadataPath)
	},
}

func init() {
	modelServeCmd.Flags().String("addr", "", "listen address (default from inference.base_url)")
	modelServeCmd.Flags().String("model", "", "ONNX model file (default inference.model_path)")
	modelServeCmd.Flags().String("metadata", "", "model metadata JSON (default inference.metadata_path)")
	modelCmd.AddCommand(modelServeCmd)
}

// serveAddr derives a listen address from the client-side base URL.
func serveAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing inference.base_url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("inference.base_url %q has no host", baseURL)
	}
	if u.Port() == "" {
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
	return u.Host, nil
}

func runModelServe(addr, modelPath, metadataPath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.Log))

	if modelPath == "" {
		modelPath = cfg.Inference.ModelPath
	}
	if metadataPath == "" {
		metadataPath = cfg.Inference.MetadataPath
	}
	if addr == "" {
		if addr, err = serveAddr(cfg.Inference.BaseURL); err != nil {
			return err
		}
	}

	backend, err := inference.Detect(inference.DetectConfig{
		Backend:        inference.BackendONNX,
		ModelPath:      modelPath,
		MetadataPath:   metadataPath,
		RuntimeLibrary: cfg.Inference.RuntimeLibrary,
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	info, err := backend.ModelInfo(ctx)
	if err != nil {
		return fmt.Errorf("reading model info: %w", err)
	}

	srv := &http.Server{
		Addr: addr,
		Handler: inference.NewServer(backend, inference.ServerConfig{
			MaxImageBytes: int64(cfg.Ingest.MaxImageBytes),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		printSuccess("Model %s (%d classes) listening on %s", info.Version, len(info.Classes), addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("inference server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
