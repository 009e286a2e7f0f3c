package mesh

import (
	"fmt"
	"io"
)

// Vec3 is a point in 3D space.
type Vec3 struct {
	X, Y, Z float64
}

// Color is an RGB color with components in [0, 1].
type Color struct {
	R, G, B float64
}

// TriMesh is a triangle mesh.
type TriMesh struct {
	Vertices []Vec3
	// Faces holds 0-based vertex indices.
	Faces [][3]int
	// Colors is either empty or holds one color per vertex.
	Colors []Color
}

// HasVertexColors returns true if the mesh carries per-vertex colors.
func (m *TriMesh) HasVertexColors() bool {
	return len(m.Colors) > 0
}

// Validate checks that faces reference existing vertices and that colors
// (if any) match the vertices one to one.
func (m *TriMesh) Validate() error {
	if len(m.Vertices) == 0 {
		return fmt.Errorf("mesh has no vertices")
	}
	if len(m.Faces) == 0 {
		return fmt.Errorf("mesh has no faces")
	}
	if n := len(m.Colors); n > 0 && n != len(m.Vertices) {
		return fmt.Errorf("mesh has %d colors for %d vertices", n, len(m.Vertices))
	}
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= len(m.Vertices) {
				return fmt.Errorf("face %d references vertex %d out of range [0, %d)", i, idx, len(m.Vertices))
			}
		}
	}
	return nil
}

// Format is a text mesh format.
type Format string

const (
	// FormatOBJ is the Wavefront OBJ format.
	FormatOBJ Format = "obj"
	// FormatPLY is the ASCII PLY format.
	FormatPLY Format = "ply"
)

// Extension returns the file extension (without the dot) of the format.
func (f Format) Extension() string {
	return string(f)
}

// ParseFormat parses a format name. The empty string is OBJ.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatOBJ:
		return FormatOBJ, nil
	case FormatPLY:
		return FormatPLY, nil
	default:
		return "", fmt.Errorf("unsupported mesh format: %q", s)
	}
}

// Write serializes the mesh in the given format.
func (m *TriMesh) Write(w io.Writer, f Format) error {
	switch f {
	case FormatOBJ:
		return m.WriteOBJ(w)
	case FormatPLY:
		return m.WritePLY(w)
	default:
		return fmt.Errorf("unsupported mesh format: %q", f)
	}
}
