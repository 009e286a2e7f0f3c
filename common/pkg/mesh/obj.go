package mesh

import (
	"bufio"
	"io"
	"strconv"
)

// WriteOBJ writes the mesh as a Wavefront OBJ file.
//
// Vertices are written as "v x y z" or, when the mesh has colors, "v x y z r g b".
// Faces are written as "f a b c" with 1-based indices. Lines are separated by
// "\n" and there is no trailing newline.
func (m *TriMesh) WriteOBJ(w io.Writer) error {
	bw := bufio.NewWriter(w)
	withColors := m.HasVertexColors()

	first := true
	newLine := func() {
		if !first {
			_ = bw.WriteByte('\n')
		}
		first = false
	}

	for i, v := range m.Vertices {
		newLine()
		_, _ = bw.WriteString("v ")
		writeFloats(bw, v.X, v.Y, v.Z)
		if withColors {
			c := m.Colors[i]
			_ = bw.WriteByte(' ')
			writeFloats(bw, c.R, c.G, c.B)
		}
	}
	for _, f := range m.Faces {
		newLine()
		_, _ = bw.WriteString("f ")
		_, _ = bw.WriteString(strconv.Itoa(f[0] + 1))
		_ = bw.WriteByte(' ')
		_, _ = bw.WriteString(strconv.Itoa(f[1] + 1))
		_ = bw.WriteByte(' ')
		_, _ = bw.WriteString(strconv.Itoa(f[2] + 1))
	}
	return bw.Flush()
}

func writeFloats(bw *bufio.Writer, vs ...float64) {
	for i, v := range vs {
		if i > 0 {
			_ = bw.WriteByte(' ')
		}
		_, _ = bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
}
