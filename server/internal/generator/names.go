package generator

import (
	"fmt"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/common/pkg/mesh"
)

// FileNames returns the names of the files written for a batch. A single
// mesh is "generated_model.<ext>" and a batch of n is "example_mesh_{i}.<ext>".
// A non-empty prefix is prepended with an underscore.
func FileNames(batchSize int, format mesh.Format, prefix string) []string {
	ext := format.Extension()
	names := make([]string, batchSize)
	for i := range names {
		var name string
		if batchSize == 1 {
			name = "generated_model." + ext
		} else {
			name = fmt.Sprintf("example_mesh_%d.%s", i, ext)
		}
		if prefix != "" {
			name = prefix + "_" + name
		}
		names[i] = name
	}
	return names
}
