package pagedvllm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PreemptionMode selects what happens to a running group evicted under
// memory pressure.
type PreemptionMode string

const (
	// PreemptRecompute frees the group's blocks and requeues it on waiting;
	// its prefill is redone on readmission.
	PreemptRecompute PreemptionMode = "recompute"
	// PreemptSwap moves the group's blocks to the slow tier and requeues it
	// on swapped.
	PreemptSwap PreemptionMode = "swap"
)

// Config holds the configuration for the scheduler, the block manager and
// the engine around them.
type Config struct {
	Model                string         `yaml:"model"`
	MaxNumSeqs           int            `yaml:"max_num_seqs"`
	MaxModelLen          int            `yaml:"max_model_len"`
	BlockSize            int            `yaml:"block_size"`
	NumFastBlocks        int            `yaml:"num_fast_blocks"`
	NumSlowBlocks        int            `yaml:"num_slow_blocks"`
	PreemptionMode       PreemptionMode `yaml:"preemption_mode"`
	PriorityOrdering     bool           `yaml:"priority_ordering"`
	GPUMemoryUtilization float64        `yaml:"gpu_memory_utilization"`
	EOS                  int            `yaml:"eos"`
	RequestQueueSize     int            `yaml:"request_queue_size"`

	// PreemptionPolicy decides whether a running group is evicted. Nil
	// means DefaultPreemptionPolicy.
	PreemptionPolicy PreemptionPolicy `yaml:"-"`
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

func defaultConfig() *Config {
	return &Config{
		MaxNumSeqs:           256,
		MaxModelLen:          2048,
		BlockSize:            32,
		NumFastBlocks:        1024,
		NumSlowBlocks:        512,
		PreemptionMode:       PreemptRecompute,
		GPUMemoryUtilization: 0.9,
		EOS:                  -1,
		RequestQueueSize:     256,
	}
}

// NewConfig creates a new Config with default values
func NewConfig(opts ...ConfigOption) *Config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		panic(err)
	}

	return c
}

// LoadConfig reads a YAML config file over the defaults, then applies opts.
// Options win over the file. An empty path skips the file.
func LoadConfig(path string, opts ...ConfigOption) (*Config, error) {
	c := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Model != "" {
		if _, err := os.Stat(c.Model); os.IsNotExist(err) {
			return fmt.Errorf("model directory does not exist: %s", c.Model)
		}
	}

	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("max_num_seqs must be >= 1")
	}

	if c.BlockSize < 1 {
		return fmt.Errorf("block_size must be >= 1")
	}

	if c.MaxModelLen < 1 {
		return fmt.Errorf("max_model_len must be >= 1")
	}

	if c.NumFastBlocks < 1 {
		return fmt.Errorf("num_fast_blocks must be >= 1")
	}

	if c.NumSlowBlocks < 0 {
		return fmt.Errorf("num_slow_blocks must be >= 0")
	}

	switch c.PreemptionMode {
	case PreemptRecompute, PreemptSwap:
	default:
		return fmt.Errorf("unknown preemption mode %q", c.PreemptionMode)
	}

	if c.GPUMemoryUtilization <= 0 || c.GPUMemoryUtilization > 1 {
		return fmt.Errorf("gpu_memory_utilization must be in (0, 1]")
	}

	if c.RequestQueueSize < 1 {
		return fmt.Errorf("request_queue_size must be >= 1")
	}

	return nil
}

// ResolveBlocks sizes both tiers from byte budgets. The fast budget is scaled
// by GPUMemoryUtilization. A zero budget leaves that tier unchanged.
func (c *Config) ResolveBlocks(model *ModelConfig, fastBytes, slowBytes int64) error {
	if fastBytes > 0 {
		n, err := model.NumBlocksForBudget(int64(float64(fastBytes)*c.GPUMemoryUtilization), c.BlockSize)
		if err != nil {
			return fmt.Errorf("fast tier: %w", err)
		}
		if n < 1 {
			return fmt.Errorf("fast tier budget of %d bytes holds no %d-token block", fastBytes, c.BlockSize)
		}
		c.NumFastBlocks = n
	}

	if slowBytes > 0 {
		n, err := model.NumBlocksForBudget(slowBytes, c.BlockSize)
		if err != nil {
			return fmt.Errorf("slow tier: %w", err)
		}
		c.NumSlowBlocks = n
	}

	return nil
}

func (c *Config) preemptionPolicy() PreemptionPolicy {
	if c.PreemptionPolicy == nil {
		return DefaultPreemptionPolicy
	}
	return c.PreemptionPolicy
}

// WithModel sets the model directory
func WithModel(dir string) ConfigOption {
	return func(c *Config) {
		c.Model = dir
	}
}

// WithMaxNumSeqs sets the maximum number of running sequence groups
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum model length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithBlockSize sets the number of tokens per KV cache block
func WithBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.BlockSize = n
	}
}

// WithNumFastBlocks sets the number of fast-tier blocks
func WithNumFastBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumFastBlocks = n
	}
}

// WithNumSlowBlocks sets the number of slow-tier blocks
func WithNumSlowBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumSlowBlocks = n
	}
}

// WithPreemptionMode sets the preemption mode
func WithPreemptionMode(m PreemptionMode) ConfigOption {
	return func(c *Config) {
		c.PreemptionMode = m
	}
}

// WithPreemptionPolicy replaces the default preemption threshold
func WithPreemptionPolicy(p PreemptionPolicy) ConfigOption {
	return func(c *Config) {
		c.PreemptionPolicy = p
	}
}

// WithPriorityOrdering enables priority-aware insertion into waiting
func WithPriorityOrdering(b bool) ConfigOption {
	return func(c *Config) {
		c.PriorityOrdering = b
	}
}

// WithGPUMemoryUtilization sets the fraction of the fast budget used for KV blocks
func WithGPUMemoryUtilization(f float64) ConfigOption {
	return func(c *Config) {
		c.GPUMemoryUtilization = f
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithRequestQueueSize sets the capacity of the request submission channel
func WithRequestQueueSize(n int) ConfigOption {
	return func(c *Config) {
		c.RequestQueueSize = n
	}
}
