package config

import (
	"fmt"
	"os"
	"time"

	"github.com/FARI-brussels/FARI-brussels-demo-fari-haptic-device-generate3D-backend/server/internal/rate"
	"gopkg.in/yaml.v3"
)

const (
	// RuntimeTypeLocal runs sampling and decoding in-process on the CPU.
	RuntimeTypeLocal = "local"
	// RuntimeTypeRemote delegates sampling and decoding to a model runtime sidecar.
	RuntimeTypeRemote = "remote"

	defaultWorkers        = 1
	defaultQueueSize      = 8
	defaultRequestTimeout = 10 * time.Minute
	defaultMaxBatchSize   = 16

	defaultRemoteRequestTimeout = 10 * time.Minute
	defaultRemoteLoadRetryCount = 30
	defaultRemoteRetryInterval  = 2 * time.Second

	defaultLocalMeshCells = 48
	defaultLocalLatentDim = 4096
)

// Config is the configuration.
type Config struct {
	HTTPPort       int `yaml:"httpPort"`
	MonitoringPort int `yaml:"monitoringPort"`
	AdminPort      int `yaml:"adminPort"`

	// Device is "auto", "cuda" or "cpu".
	Device string `yaml:"device"`

	Models ModelsConfig `yaml:"models"`

	// ModelDir is the directory where model files are downloaded to.
	ModelDir string `yaml:"modelDir"`

	// ObjectStore is set if model files are downloaded from an object store at startup.
	ObjectStore *ObjectStoreConfig `yaml:"objectStore"`

	Runtime RuntimeConfig `yaml:"runtime"`

	Inference InferenceConfig `yaml:"inference"`

	Output OutputConfig `yaml:"output"`

	RateLimit rate.Config `yaml:"rateLimit"`

	// GracefulShutdownTimeout is the duration given to in-flight HTTP requests
	// to complete on shutdown. Default is 30 seconds.
	GracefulShutdownTimeout time.Duration `yaml:"gracefulShutdownTimeout"`
}

// ModelsConfig holds the symbolic names of the models to load.
type ModelsConfig struct {
	Transmitter     string `yaml:"transmitter"`
	TextModel       string `yaml:"textModel"`
	DiffusionConfig string `yaml:"diffusionConfig"`
}

func (c *ModelsConfig) setDefaults() {
	if c.Transmitter == "" {
		c.Transmitter = "transmitter"
	}
	if c.TextModel == "" {
		c.TextModel = "text300M"
	}
	if c.DiffusionConfig == "" {
		c.DiffusionConfig = "diffusion"
	}
}

// S3Config is the S3 configuration.
type S3Config struct {
	EndpointURL string `yaml:"endpointUrl"`
	Region      string `yaml:"region"`
	Bucket      string `yaml:"bucket"`
	// PathPrefix is the key prefix under which model files are stored.
	PathPrefix string `yaml:"pathPrefix"`

	AssumeRole *AssumeRoleConfig `yaml:"assumeRole"`
}

// AssumeRoleConfig is the assume role configuration.
type AssumeRoleConfig struct {
	RoleARN    string `yaml:"roleArn"`
	ExternalID string `yaml:"externalId"`
}

// ObjectStoreConfig is the object store configuration.
type ObjectStoreConfig struct {
	S3 S3Config `yaml:"s3"`
}

// Validate validates the object store configuration.
func (c *ObjectStoreConfig) Validate() error {
	if c.S3.Region == "" {
		return fmt.Errorf("s3 region must be set")
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("s3 bucket must be set")
	}
	if ar := c.S3.AssumeRole; ar != nil && ar.RoleARN == "" {
		return fmt.Errorf("s3 assumeRole roleArn must be set")
	}
	return nil
}

// RuntimeConfig is the configuration of the runtime backend.
type RuntimeConfig struct {
	Type string `yaml:"type"`

	Remote RemoteRuntimeConfig `yaml:"remote"`
	Local  LocalRuntimeConfig  `yaml:"local"`
}

// RemoteRuntimeConfig is the configuration of the model runtime sidecar.
type RemoteRuntimeConfig struct {
	// Address is the host:port of the runtime.
	Address string `yaml:"address"`
	// RequestTimeout bounds a single sample or decode call.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// LoadRetryCount is the number of attempts to reach the runtime at startup.
	LoadRetryCount int `yaml:"loadRetryCount"`
	// RetryInterval is the interval between startup attempts.
	RetryInterval time.Duration `yaml:"retryInterval"`
}

func (c *RemoteRuntimeConfig) validate() error {
	if c.Address == "" {
		return fmt.Errorf("address must be set")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must not be negative")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRemoteRequestTimeout
	}
	if c.LoadRetryCount == 0 {
		c.LoadRetryCount = defaultRemoteLoadRetryCount
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRemoteRetryInterval
	}
	return nil
}

// LocalRuntimeConfig is the configuration of the in-process CPU runtime.
type LocalRuntimeConfig struct {
	// MeshCells is the number of cells along the longest axis of the meshing grid.
	MeshCells int `yaml:"meshCells"`
	// LatentDim is the size of the sampled latents.
	LatentDim int `yaml:"latentDim"`
	// Seed makes sampling reproducible when non-zero.
	Seed uint64 `yaml:"seed"`
}

func (c *LocalRuntimeConfig) validate() error {
	if c.MeshCells < 0 || c.LatentDim < 0 {
		return fmt.Errorf("meshCells and latentDim must not be negative")
	}
	if c.MeshCells == 0 {
		c.MeshCells = defaultLocalMeshCells
	}
	if c.LatentDim == 0 {
		c.LatentDim = defaultLocalLatentDim
	}
	return nil
}

// InferenceConfig is the configuration of the inference processor.
type InferenceConfig struct {
	// Workers is the number of tasks executed concurrently on the device.
	Workers int `yaml:"workers"`
	// QueueSize is the number of tasks that can wait for a worker. Requests
	// beyond that are rejected.
	QueueSize int `yaml:"queueSize"`
	// RequestTimeout bounds the time a request waits for its result.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// MaxBatchSize is the largest batch_size accepted in a request.
	MaxBatchSize int `yaml:"maxBatchSize"`
}

func (c *InferenceConfig) validate() error {
	if c.Workers < 0 || c.QueueSize < 0 || c.MaxBatchSize < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("workers, queueSize, maxBatchSize and requestTimeout must not be negative")
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	return nil
}

// OutputConfig is the configuration of the generated files.
type OutputConfig struct {
	// DefaultDir is used when a request has no save_path. Empty means the
	// working directory.
	DefaultDir string `yaml:"defaultDir"`
	// MeshFormat is "obj" (default) or "ply".
	MeshFormat string `yaml:"meshFormat"`
	// UniqueFileNames prefixes file names with the request ID so that
	// concurrent requests do not overwrite each other's files.
	UniqueFileNames bool `yaml:"uniqueFileNames"`
}

func (c *OutputConfig) validate() error {
	switch c.MeshFormat {
	case "":
		c.MeshFormat = "obj"
	case "obj", "ply":
	default:
		return fmt.Errorf("unsupported meshFormat: %q", c.MeshFormat)
	}
	return nil
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 {
		return fmt.Errorf("httpPort must be greater than 0")
	}
	if c.MonitoringPort <= 0 {
		return fmt.Errorf("monitoringPort must be greater than 0")
	}
	if c.AdminPort <= 0 {
		return fmt.Errorf("adminPort must be greater than 0")
	}

	switch c.Device {
	case "":
		c.Device = "auto"
	case "auto", "cuda", "cpu":
	default:
		return fmt.Errorf("unknown device: %q", c.Device)
	}

	c.Models.setDefaults()

	if c.ObjectStore != nil {
		if err := c.ObjectStore.Validate(); err != nil {
			return fmt.Errorf("objectStore: %s", err)
		}
		if c.ModelDir == "" {
			return fmt.Errorf("modelDir must be set when objectStore is set")
		}
	}

	switch c.Runtime.Type {
	case RuntimeTypeRemote:
		if err := c.Runtime.Remote.validate(); err != nil {
			return fmt.Errorf("runtime.remote: %s", err)
		}
	case RuntimeTypeLocal:
		if err := c.Runtime.Local.validate(); err != nil {
			return fmt.Errorf("runtime.local: %s", err)
		}
	default:
		return fmt.Errorf("unsupported runtime type: %q", c.Runtime.Type)
	}

	if err := c.Inference.validate(); err != nil {
		return fmt.Errorf("inference: %s", err)
	}
	if err := c.Output.validate(); err != nil {
		return fmt.Errorf("output: %s", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rateLimit: %s", err)
	}

	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = 30 * time.Second
	}
	return nil
}

// Parse parses the configuration file at the given path, returning a new
// Config struct.
func Parse(path string) (Config, error) {
	var config Config

	b, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("config: read: %s", err)
	}

	if err = yaml.Unmarshal(b, &config); err != nil {
		return config, fmt.Errorf("config: unmarshal: %s", err)
	}
	return config, nil
}
