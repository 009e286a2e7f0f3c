package local

import (
	"fmt"
	"math"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/mesh"
	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/deadsy/sdfx/render"
	"github.com/deadsy/sdfx/render/dc"
	"github.com/deadsy/sdfx/sdf"
)

const (
	// blobParams is the number of latent values consumed per blob:
	// center (3), radius (1) and color (3).
	blobParams = 7
	minBlobs   = 8
	maxBlobs   = 16

	minLatentDim = minBlobs * blobParams

	minRadius   = 0.2
	radiusRange = 0.15
	// smoothK is the blend distance of the smooth union between blobs.
	smoothK = 0.1
	boxPad  = 0.1
)

type blob struct {
	center sdf.V3
	radius float64
	color  mesh.Color
}

func (b *blob) distance(p sdf.V3) float64 {
	dx, dy, dz := p.X-b.center.X, p.Y-b.center.Y, p.Z-b.center.Z
	return math.Sqrt(dx*dx+dy*dy+dz*dz) - b.radius
}

func unit(v float32) float64 {
	return (math.Tanh(float64(v)) + 1) / 2
}

func blobsFromLatent(latent runtime.Latent) ([]blob, error) {
	if len(latent) < minLatentDim {
		return nil, fmt.Errorf("latent has %d values, need at least %d", len(latent), minLatentDim)
	}
	n := min(len(latent)/blobParams, maxBlobs)
	blobs := make([]blob, n)
	for i := range blobs {
		p := latent[i*blobParams : (i+1)*blobParams]
		blobs[i] = blob{
			center: sdf.V3{
				X: 0.5 * math.Tanh(float64(p[0])),
				Y: 0.5 * math.Tanh(float64(p[1])),
				Z: 0.5 * math.Tanh(float64(p[2])),
			},
			radius: minRadius + radiusRange*unit(p[3]),
			color:  mesh.Color{R: unit(p[4]), G: unit(p[5]), B: unit(p[6])},
		}
	}
	return blobs, nil
}

// blobField is the signed distance field of the smooth union of blobs.
type blobField struct {
	blobs []blob
	bb    sdf.Box3
}

var _ sdf.SDF3 = (*blobField)(nil)

func newBlobField(blobs []blob) *blobField {
	lo := sdf.V3{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi := sdf.V3{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, b := range blobs {
		r := b.radius + boxPad
		lo.X = math.Min(lo.X, b.center.X-r)
		lo.Y = math.Min(lo.Y, b.center.Y-r)
		lo.Z = math.Min(lo.Z, b.center.Z-r)
		hi.X = math.Max(hi.X, b.center.X+r)
		hi.Y = math.Max(hi.Y, b.center.Y+r)
		hi.Z = math.Max(hi.Z, b.center.Z+r)
	}
	return &blobField{blobs: blobs, bb: sdf.Box3{Min: lo, Max: hi}}
}

// Evaluate returns the signed distance at p.
func (f *blobField) Evaluate(p sdf.V3) float64 {
	d := f.blobs[0].distance(p)
	for i := 1; i < len(f.blobs); i++ {
		d = smoothMin(d, f.blobs[i].distance(p), smoothK)
	}
	return d
}

// BoundingBox returns the bounds of the surface.
func (f *blobField) BoundingBox() sdf.Box3 {
	return f.bb
}

// colorAt returns the color of the blob whose surface is closest to p.
func (f *blobField) colorAt(p sdf.V3) mesh.Color {
	best := 0
	bestD := math.Inf(1)
	for i := range f.blobs {
		if d := math.Abs(f.blobs[i].distance(p)); d < bestD {
			best, bestD = i, d
		}
	}
	return f.blobs[best].color
}

func smoothMin(a, b, k float64) float64 {
	h := math.Max(0, math.Min(1, 0.5+0.5*(b-a)/k))
	return b*(1-h) + a*h - k*h*(1-h)
}

// decode meshes the surface described by the latent.
func decode(latent runtime.Latent, meshCells int) (m *mesh.TriMesh, err error) {
	blobs, err := blobsFromLatent(latent)
	if err != nil {
		return nil, err
	}
	field := newBlobField(blobs)

	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("render surface: %v", r)
		}
	}()

	out := make(chan *render.Triangle3, 1024)
	done := make(chan []*render.Triangle3, 1)
	go func() {
		var tris []*render.Triangle3
		for t := range out {
			tris = append(tris, t)
		}
		done <- tris
	}()
	func() {
		defer close(out)
		dc.NewDualContouringDefault().Render(field, meshCells, out)
	}()
	tris := <-done

	m = &mesh.TriMesh{}
	index := map[sdf.V3]int{}
	for _, t := range tris {
		var face [3]int
		for i, v := range t.V {
			idx, ok := index[v]
			if !ok {
				idx = len(m.Vertices)
				index[v] = idx
				m.Vertices = append(m.Vertices, mesh.Vec3{X: v.X, Y: v.Y, Z: v.Z})
				m.Colors = append(m.Colors, field.colorAt(v))
			}
			face[i] = idx
		}
		if face[0] == face[1] || face[1] == face[2] || face[0] == face[2] {
			continue
		}
		m.Faces = append(m.Faces, face)
	}
	if len(m.Faces) == 0 {
		return nil, fmt.Errorf("surface produced no triangles")
	}
	return m, nil
}
