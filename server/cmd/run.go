package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/mesh"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/admin"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/config"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/exporter"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/generator"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/health"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/infprocessor"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/modeldownloader"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/monitoring"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/pipeline"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/rate"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/registry"
	gruntime "github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime/local"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime/remote"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/s3"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/server"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	modelFile  = "model.pt"
	configFile = "config.yaml"
)

func runCmd() *cobra.Command {
	var path string
	var logLevel int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Parse(path)
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			if err := run(cmd.Context(), &c, logLevel); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "", "Path to the config file")
	cmd.Flags().IntVar(&logLevel, "v", 0, "Log level")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func run(ctx context.Context, c *config.Config, lv int) error {
	stdr.SetVerbosity(lv)
	logger := stdr.New(log.Default())
	log := logger.WithName("boot")

	if c.ObjectStore != nil {
		if err := downloadModels(ctx, c, logger); err != nil {
			return err
		}
	}

	backend, err := newBackend(c, logger)
	if err != nil {
		return err
	}

	// Models are loaded before any listener starts. A failure here is fatal.
	reg, err := registry.Initialize(ctx, backend, registry.Config{
		Device:          c.Device,
		Transmitter:     c.Models.Transmitter,
		TextModel:       c.Models.TextModel,
		DiffusionConfig: c.Models.DiffusionConfig,
		ModelDir:        c.ModelDir,
	}, logger)
	if err != nil {
		return err
	}

	format, err := mesh.ParseFormat(c.Output.MeshFormat)
	if err != nil {
		return err
	}

	infProcessor := infprocessor.NewP(infprocessor.NewTaskQueue(c.Inference.QueueSize), c.Inference.Workers, logger)
	// Workers outlive the HTTP servers so that queued tasks complete during shutdown.
	pctx, pcancel := context.WithCancel(context.Background())
	defer pcancel()
	procDone := make(chan struct{})
	go func() {
		_ = infProcessor.Run(pctx)
		close(procDone)
	}()

	m := monitoring.NewMetricsMonitor(prometheus.DefaultRegisterer, infProcessor)
	defer m.UnregisterAllCollectors()

	ratelimiter := rate.NewLimiter(c.RateLimit, logger)
	defer func() {
		if err := ratelimiter.Close(); err != nil {
			log.Error(err, "Failed to close the rate limiter")
		}
	}()

	gen := generator.New(
		pipeline.New(reg, backend, logger),
		exporter.New(reg, backend, format, logger),
		infProcessor,
		m,
		generator.Options{
			DefaultDir:      c.Output.DefaultDir,
			MaxBatchSize:    c.Inference.MaxBatchSize,
			UniqueFileNames: c.Output.UniqueFileNames,
		},
		logger,
	)

	probes := health.NewProbeHandler(logger)
	ready := health.NewFlag("server")
	probes.AddProbe(ready)

	srv := server.New(gen, &ratelimiter, m, probes, c.Inference.RequestTimeout, logger)
	mux := runtime.NewServeMux()
	if err := srv.RegisterHandlers(mux); err != nil {
		return err
	}

	monitorMux := http.NewServeMux()
	monitorMux.Handle("/metrics", promhttp.Handler())

	servers := []namedServer{
		{name: "http", srv: &http.Server{Addr: fmt.Sprintf(":%d", c.HTTPPort), Handler: mux}},
		{name: "metrics", srv: &http.Server{Addr: fmt.Sprintf(":%d", c.MonitoringPort), Handler: monitorMux}},
		{name: "admin", srv: &http.Server{Addr: fmt.Sprintf(":%d", c.AdminPort), Handler: admin.NewHandler(infProcessor, reg, logger).Mux()}},
	}

	listeners, err := listenAll(servers)
	if err != nil {
		pcancel()
		<-procDone
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)
	for i, s := range servers {
		g.Go(func() error {
			log := logger.WithName(s.name)
			log.Info("Starting server...", "addr", listeners[i].Addr().String())
			if err := s.srv.Serve(listeners[i]); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %s", s.name, err)
			}
			log.Info("Stopped server")
			return nil
		})
	}
	// Every port is bound at this point.
	ready.Set(true)

	g.Go(func() error {
		<-gctx.Done()
		ready.Set(false)
		log.Info("Starting graceful shutdown", "timeout", c.GracefulShutdownTimeout, "inProgressTaskCount", infProcessor.NumInProgressTasks())
		sctx, cancel := context.WithTimeout(context.Background(), c.GracefulShutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.srv.Shutdown(sctx); err != nil {
				log.Error(err, "Failed to shut down server", "server", s.name)
			}
		}
		return nil
	})

	err = g.Wait()

	// Stop the workers once the queue drains.
	pcancel()
	<-procDone
	log.Info("Stopped")
	return err
}

type namedServer struct {
	name string
	srv  *http.Server
}

// listenAll binds the address of every server. Nothing stays bound on error.
func listenAll(servers []namedServer) ([]net.Listener, error) {
	var ls []net.Listener
	for _, s := range servers {
		l, err := net.Listen("tcp", s.srv.Addr)
		if err != nil {
			for _, l := range ls {
				_ = l.Close()
			}
			return nil, fmt.Errorf("%s server: listen: %s", s.name, err)
		}
		ls = append(ls, l)
	}
	return ls, nil
}

func newBackend(c *config.Config, logger logr.Logger) (gruntime.Backend, error) {
	switch c.Runtime.Type {
	case config.RuntimeTypeRemote:
		r := c.Runtime.Remote
		return remote.NewClient(remote.Options{
			Address:        r.Address,
			RequestTimeout: r.RequestTimeout,
			LoadRetryCount: r.LoadRetryCount,
			RetryInterval:  r.RetryInterval,
		}, logger)
	case config.RuntimeTypeLocal:
		l := c.Runtime.Local
		return local.New(local.Options{
			LatentDim: l.LatentDim,
			MeshCells: l.MeshCells,
			ConfigDir: c.ModelDir,
			Seed:      l.Seed,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported runtime type: %q", c.Runtime.Type)
	}
}

func downloadModels(ctx context.Context, c *config.Config, logger logr.Logger) error {
	if err := os.MkdirAll(c.ModelDir, 0755); err != nil {
		return fmt.Errorf("create model dir: %s", err)
	}
	s3Client, err := s3.NewClient(ctx, c.ObjectStore.S3)
	if err != nil {
		return err
	}
	d := modeldownloader.New(c.ModelDir, c.ObjectStore.S3.PathPrefix, s3Client, logger)
	return d.DownloadAll(ctx, []modeldownloader.Item{
		{Name: c.Models.Transmitter, FallbackFiles: []string{modelFile}},
		{Name: c.Models.TextModel, FallbackFiles: []string{modelFile}},
		{Name: c.Models.DiffusionConfig, FallbackFiles: []string{configFile}},
	})
}
