package exporter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/mesh"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/registry"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/go-logr/logr"
)

// ErrDecode is wrapped by errors from mesh decoding.
var ErrDecode = errors.New("decode mesh")

// ErrWrite is wrapped by errors from writing the mesh file.
var ErrWrite = errors.New("write mesh")

// New creates a new exporter.
func New(r *registry.R, backend runtime.Backend, format mesh.Format, logger logr.Logger) *E {
	return &E{
		registry: r,
		backend:  backend,
		format:   format,
		logger:   logger.WithName("exporter"),
	}
}

// E decodes latents into meshes and writes them to files.
type E struct {
	registry *registry.R
	backend  runtime.Backend
	format   mesh.Format
	logger   logr.Logger
}

// Format returns the format meshes are written in.
func (e *E) Format() mesh.Format {
	return e.format
}

// Export decodes the latent and writes the mesh to path, replacing any
// existing file. It returns path.
func (e *E) Export(ctx context.Context, latent runtime.Latent, path string) (string, error) {
	m, err := e.backend.DecodeMesh(ctx, e.registry.Transmitter(), latent)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if err := writeFile(path, m, e.format); err != nil {
		return "", fmt.Errorf("%w: %w", ErrWrite, err)
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("Exported mesh", "path", path, "vertices", len(m.Vertices), "faces", len(m.Faces))
	return path, nil
}

func writeFile(path string, m *mesh.TriMesh, format mesh.Format) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := m.Write(w, format); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
