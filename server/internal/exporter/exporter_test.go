package exporter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/mesh"
	testutil "github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/test"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/registry"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExporter(t *testing.T, b runtime.Backend, format mesh.Format) *E {
	r, err := registry.Initialize(context.Background(), b, registry.Config{
		Transmitter:     "transmitter",
		TextModel:       "text300M",
		DiffusionConfig: "diffusion",
	}, testutil.NewTestLogger(t))
	require.NoError(t, err)
	return New(r, b, format, testutil.NewTestLogger(t))
}

func TestExport(t *testing.T) {
	b := runtime.NewFakeBackend(runtime.DeviceCPU)
	e := newTestExporter(t, b, mesh.FormatOBJ)

	path := filepath.Join(t.TempDir(), "out", "nested", "generated_model.obj")
	got, err := e.Export(context.Background(), runtime.Latent{2}, path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v 0 0 0\nv 2 0 0\nv 0 2 0\nf 1 2 3", string(bs))

	// A second export to the same path replaces the file.
	_, err = e.Export(context.Background(), runtime.Latent{5}, path)
	require.NoError(t, err)
	bs, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v 0 0 0\nv 5 0 0\nv 0 5 0\nf 1 2 3", string(bs))
}

func TestExport_PLY(t *testing.T) {
	e := newTestExporter(t, runtime.NewFakeBackend(runtime.DeviceCPU), mesh.FormatPLY)

	path := filepath.Join(t.TempDir(), "generated_model.ply")
	_, err := e.Export(context.Background(), runtime.Latent{1}, path)
	require.NoError(t, err)
	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(bs), "ply\n"))
}

func TestExport_RelativePath(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	e := newTestExporter(t, runtime.NewFakeBackend(runtime.DeviceCPU), mesh.FormatOBJ)

	got, err := e.Export(context.Background(), runtime.Latent{1}, "generated_model.obj")
	require.NoError(t, err)
	assert.Equal(t, "generated_model.obj", got)
	assert.FileExists(t, "generated_model.obj")
}

// brokenMeshBackend decodes into a mesh with an out of range face.
type brokenMeshBackend struct {
	*runtime.FakeBackend
}

func (b *brokenMeshBackend) DecodeMesh(ctx context.Context, transmitter *runtime.Model, latent runtime.Latent) (*mesh.TriMesh, error) {
	return &mesh.TriMesh{
		Vertices: []mesh.Vec3{{}},
		Faces:    [][3]int{{0, 1, 2}},
	}, nil
}

func TestExport_Errors(t *testing.T) {
	dir := t.TempDir()

	b := runtime.NewFakeBackend(runtime.DeviceCPU)
	b.DecodeErr = errors.New("cuda error")
	e := newTestExporter(t, b, mesh.FormatOBJ)
	path := filepath.Join(dir, "a.obj")
	_, err := e.Export(context.Background(), runtime.Latent{1}, path)
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, b.DecodeErr)
	assert.NoFileExists(t, path)

	e = newTestExporter(t, &brokenMeshBackend{FakeBackend: runtime.NewFakeBackend(runtime.DeviceCPU)}, mesh.FormatOBJ)
	_, err = e.Export(context.Background(), runtime.Latent{1}, path)
	assert.ErrorIs(t, err, ErrDecode)
	assert.NoFileExists(t, path)

	// The parent is a regular file, so the directory cannot be created.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	e = newTestExporter(t, runtime.NewFakeBackend(runtime.DeviceCPU), mesh.FormatOBJ)
	_, err = e.Export(context.Background(), runtime.Latent{1}, filepath.Join(blocker, "a.obj"))
	assert.ErrorIs(t, err, ErrWrite)
}
