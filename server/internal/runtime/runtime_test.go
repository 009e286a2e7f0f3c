package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDevice(t *testing.T) {
	tcs := []struct {
		in      string
		want    Device
		wantErr bool
	}{
		{in: "", want: DeviceAuto},
		{in: "auto", want: DeviceAuto},
		{in: "cuda", want: DeviceCUDA},
		{in: "cpu", want: DeviceCPU},
		{in: "tpu", wantErr: true},
	}
	for _, tc := range tcs {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDevice(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSampleRequestValidate(t *testing.T) {
	valid := func() *SampleRequest {
		return &SampleRequest{
			Model:         &Model{Name: "text300M", LatentDim: 8},
			BatchSize:     2,
			GuidanceScale: 15,
			Texts:         []string{"a", "a"},
			Options: SampleOptions{
				UseKarras:   true,
				KarrasSteps: 64,
				SigmaMin:    1e-3,
				SigmaMax:    160,
			},
		}
	}

	tcs := []struct {
		name    string
		mutate  func(r *SampleRequest)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *SampleRequest) {}},
		{name: "no model", mutate: func(r *SampleRequest) { r.Model = nil }, wantErr: true},
		{name: "zero batch", mutate: func(r *SampleRequest) { r.BatchSize = 0 }, wantErr: true},
		{name: "text mismatch", mutate: func(r *SampleRequest) { r.Texts = r.Texts[:1] }, wantErr: true},
		{name: "zero guidance", mutate: func(r *SampleRequest) { r.GuidanceScale = 0 }, wantErr: true},
		{name: "zero steps", mutate: func(r *SampleRequest) { r.Options.KarrasSteps = 0 }, wantErr: true},
		{name: "inverted sigmas", mutate: func(r *SampleRequest) { r.Options.SigmaMax = 1e-4 }, wantErr: true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			r := valid()
			tc.mutate(r)
			err := r.Validate()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
