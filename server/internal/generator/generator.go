package generator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/mesh"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/exporter"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/infprocessor"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/pipeline"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/go-logr/logr"
)

// Request is a generation request.
type Request struct {
	Prompt string
	// BatchSize is the number of meshes to generate.
	BatchSize int
	// SavePath is the output directory. Empty uses the default directory.
	SavePath string
}

// Response is the result of a generation request.
type Response struct {
	RequestID string
	// Paths are the written files in batch order.
	Paths []string
}

// Options configures the generator.
type Options struct {
	// DefaultDir is used when a request has no save path. Empty is the
	// working directory.
	DefaultDir   string
	MaxBatchSize int
	// UniqueFileNames prefixes file names with the request ID.
	UniqueFileNames bool
}

type sampler interface {
	SampleLatents(ctx context.Context, prompt string, batchSize int, guidanceScale float64) ([]runtime.Latent, error)
}

type meshExporter interface {
	Export(ctx context.Context, latent runtime.Latent, path string) (string, error)
	Format() mesh.Format
}

type taskSubmitter interface {
	Submit(t *infprocessor.Task) error
}

type taskObserver interface {
	ObserveTask(queueWait, runTime time.Duration, files int)
}

// New creates a new generator.
func New(
	s sampler,
	e meshExporter,
	p taskSubmitter,
	o taskObserver,
	opts Options,
	logger logr.Logger,
) *G {
	return &G{
		sampler:   s,
		exporter:  e,
		processor: p,
		observer:  o,
		opts:      opts,
		logger:    logger.WithName("generator"),
	}
}

// G generates meshes from prompts.
type G struct {
	sampler   sampler
	exporter  meshExporter
	processor taskSubmitter
	observer  taskObserver
	opts      Options
	logger    logr.Logger
}

// Generate validates the request, runs sampling and export on a worker and
// returns the written paths.
func (g *G) Generate(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, validationErrorf("prompt is required")
	}
	if req.BatchSize < 1 {
		return nil, validationErrorf("batch_size must be at least 1")
	}
	if m := g.opts.MaxBatchSize; m > 0 && req.BatchSize > m {
		return nil, validationErrorf("batch_size must be at most %d", m)
	}

	taskID, err := infprocessor.NewTaskID()
	if err != nil {
		return nil, err
	}
	log := g.logger.WithValues("requestID", taskID)
	ctx = logr.NewContext(ctx, log)

	dir := req.SavePath
	if dir == "" {
		dir = g.opts.DefaultDir
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &FilesystemError{Path: dir, Err: err}
		}
	}

	var prefix string
	if g.opts.UniqueFileNames {
		prefix = taskID
	}
	var paths []string
	for _, name := range FileNames(req.BatchSize, g.exporter.Format(), prefix) {
		paths = append(paths, filepath.Join(dir, name))
	}

	task := infprocessor.NewTask(ctx, taskID, req.Prompt, req.BatchSize, func(ctx context.Context) ([]string, error) {
		return g.run(ctx, req, paths)
	})
	if err := g.processor.Submit(task); err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	log.Info("Generating", "batchSize", req.BatchSize, "dir", dir)

	written, err := task.WaitForCompletion(ctx)
	if err != nil {
		return nil, err
	}
	stats := task.Stats()
	g.observer.ObserveTask(stats.QueueWait(), stats.RunTime(), len(written))
	log.Info("Generated", "paths", written, "queueWait", stats.QueueWait(), "runTime", stats.RunTime())
	return &Response{RequestID: taskID, Paths: written}, nil
}

// run samples the latents and writes one file per latent.
func (g *G) run(ctx context.Context, req Request, paths []string) (written []string, err error) {
	stage := "sample"
	defer func() {
		if r := recover(); r != nil {
			written, err = nil, &ModelExecutionError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	latents, err := g.sampler.SampleLatents(ctx, req.Prompt, req.BatchSize, pipeline.DefaultGuidanceScale)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ModelExecutionError{Stage: "sample", Err: err}
	}

	stage = "export"
	written = make([]string, 0, len(latents))
	for i, latent := range latents {
		p, err := g.exporter.Export(ctx, latent, paths[i])
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, exporter.ErrWrite):
				return nil, &FilesystemError{Path: paths[i], Err: err}
			default:
				return nil, &ModelExecutionError{Stage: "export", Err: err}
			}
		}
		written = append(written, p)
	}
	return written, nil
}
