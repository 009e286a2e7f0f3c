package local

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/runtime"
	"github.com/go-logr/logr"
)

const (
	defaultSigmaData = 0.5
	karrasRho        = 7.0

	// targetScale keeps a guided prediction at guidance 15 inside [-1, 1].
	targetScale = 1.0 / 16
)

// karrasSigmas returns n noise levels spaced as in Karras et al. (2022),
// from sigmaMax down to sigmaMin, followed by a final zero.
func karrasSigmas(n int, sigmaMin, sigmaMax float64) []float64 {
	minInv := math.Pow(sigmaMin, 1/karrasRho)
	maxInv := math.Pow(sigmaMax, 1/karrasRho)
	sigmas := make([]float64, n+1)
	for i := 0; i < n; i++ {
		var t float64
		if n > 1 {
			t = float64(i) / float64(n-1)
		}
		sigmas[i] = math.Pow(maxInv+t*(minInv-maxInv), karrasRho)
	}
	return sigmas
}

// promptTarget returns the clean latent a prompt conditions towards. The
// same prompt always maps to the same target.
func promptTarget(prompt string, dim int) []float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	sum := h.Sum64()
	rng := rand.New(rand.NewPCG(sum, sum^0x9e3779b97f4a7c15))
	t := make([]float64, dim)
	for i := range t {
		t[i] = (rng.Float64()*2 - 1) * targetScale
	}
	return t
}

func (b *Backend) noiseSource(index int) *rand.Rand {
	if b.opts.Seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(b.opts.Seed, uint64(index)))
}

type sampler struct {
	dim       int
	sigmaData float64
	guidance  float64
	opts      runtime.SampleOptions
	logger    logr.Logger
}

// denoise returns the classifier-free guided prediction of the clean latent.
// The unconditional branch predicts a zero latent, so the guided prediction
// is c_skip*x + c_out*g*target with the Karras preconditioning weights.
func (s *sampler) denoise(x, target []float64, sigma float64) []float64 {
	sd2 := s.sigmaData * s.sigmaData
	cSkip := sd2 / (sigma*sigma + sd2)
	cOut := 1 - cSkip
	d := make([]float64, len(x))
	for i := range x {
		v := cSkip*x[i] + cOut*s.guidance*target[i]
		if s.opts.ClipDenoised {
			v = math.Max(-1, math.Min(1, v))
		}
		d[i] = v
	}
	return d
}

// sample runs Heun's second order sampler with optional churn.
func (s *sampler) sample(ctx context.Context, prompt string, rng *rand.Rand) (runtime.Latent, error) {
	n := s.opts.KarrasSteps
	sigmas := karrasSigmas(n, s.opts.SigmaMin, s.opts.SigmaMax)
	target := promptTarget(prompt, s.dim)

	x := make([]float64, s.dim)
	for i := range x {
		x[i] = rng.NormFloat64() * sigmas[0]
	}

	gamma := math.Min(s.opts.SChurn/float64(n), math.Sqrt2-1)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sigma := sigmas[i]
		sigmaHat := sigma * (1 + gamma)
		if gamma > 0 {
			eps := math.Sqrt(sigmaHat*sigmaHat - sigma*sigma)
			for j := range x {
				x[j] += rng.NormFloat64() * eps
			}
		}

		den := s.denoise(x, target, sigmaHat)
		d := make([]float64, len(x))
		for j := range x {
			d[j] = (x[j] - den[j]) / sigmaHat
		}
		next := sigmas[i+1]
		dt := next - sigmaHat
		if next == 0 {
			for j := range x {
				x[j] += d[j] * dt
			}
		} else {
			x2 := make([]float64, len(x))
			for j := range x {
				x2[j] = x[j] + d[j]*dt
			}
			den2 := s.denoise(x2, target, next)
			for j := range x {
				d2 := (x2[j] - den2[j]) / next
				x[j] += (d[j] + d2) / 2 * dt
			}
		}

		if s.opts.Progress {
			s.logger.V(4).Info("Sampling", "step", i+1, "steps", n, "sigma", next)
		}
	}

	l := make(runtime.Latent, len(x))
	for i, v := range x {
		l[i] = float32(v)
	}
	return l, nil
}
