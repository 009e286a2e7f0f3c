package mesh

import (
	"bufio"
	"fmt"
	"io"
	"math"
)

// WritePLY writes the mesh as an ASCII PLY file. Colors are quantized to
// unsigned bytes.
func (m *TriMesh) WritePLY(w io.Writer) error {
	bw := bufio.NewWriter(w)
	withColors := m.HasVertexColors()

	fmt.Fprintln(bw, "ply")
	fmt.Fprintln(bw, "format ascii 1.0")
	fmt.Fprintf(bw, "element vertex %d\n", len(m.Vertices))
	fmt.Fprintln(bw, "property float x")
	fmt.Fprintln(bw, "property float y")
	fmt.Fprintln(bw, "property float z")
	if withColors {
		fmt.Fprintln(bw, "property uchar red")
		fmt.Fprintln(bw, "property uchar green")
		fmt.Fprintln(bw, "property uchar blue")
	}
	fmt.Fprintf(bw, "element face %d\n", len(m.Faces))
	fmt.Fprintln(bw, "property list uchar int vertex_index")
	fmt.Fprintln(bw, "end_header")

	for i, v := range m.Vertices {
		writeFloats(bw, v.X, v.Y, v.Z)
		if withColors {
			c := m.Colors[i]
			fmt.Fprintf(bw, " %d %d %d", colorByte(c.R), colorByte(c.G), colorByte(c.B))
		}
		_ = bw.WriteByte('\n')
	}
	for _, f := range m.Faces {
		fmt.Fprintf(bw, "3 %d %d %d\n", f[0], f[1], f[2])
	}
	return bw.Flush()
}

func colorByte(v float64) uint8 {
	return uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))
}
