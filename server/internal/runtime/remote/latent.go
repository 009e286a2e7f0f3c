package remote

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
)

// EncodeLatent encodes a latent as base64 of its little-endian float32 values.
func EncodeLatent(l runtime.Latent) string {
	buf := make([]byte, 4*len(l))
	for i, v := range l {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeLatent decodes a latent encoded by EncodeLatent.
func DecodeLatent(s string) (runtime.Latent, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %s", err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("latent has %d bytes, not a multiple of 4", len(buf))
	}
	l := make(runtime.Latent, len(buf)/4)
	for i := range l {
		l[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return l, nil
}
