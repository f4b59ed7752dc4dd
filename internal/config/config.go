// Package config loads and validates the latencyprobe run configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level run configuration.
type Config struct {
	AWS       AWSConfig       `yaml:"aws"`
	Exchanges ExchangeConfig  `yaml:"exchanges"`
	Terraform TerraformConfig `yaml:"terraform"`
	Polling   PollingConfig   `yaml:"polling"`

	// OutputDir receives results_<region>_<timestamp>.json files, logs and the
	// rendered report.
	OutputDir string `yaml:"output_dir"`
	// WorkDir is the parent of the per-region terraform working directories.
	WorkDir string `yaml:"work_dir"`
	// RegionDelay is waited between the completion of one region and the start
	// of the next.
	RegionDelay time.Duration `yaml:"region_delay"`
}

type AWSConfig struct {
	Regions        []string          `yaml:"regions"`
	InstanceType   string            `yaml:"instance_type"`
	AMIMapping     map[string]string `yaml:"ami_mapping"`
	SSHUsername    string            `yaml:"ssh_username"`
	KeyPairName    string            `yaml:"key_pair_name"`
	PrivateKeyPath string            `yaml:"private_key_path"`
	AccessKey      string            `yaml:"access_key"`
	SecretKey      string            `yaml:"secret_key"`
	VerifyImages   bool              `yaml:"verify_images"`

	// PrivateKeyPassphrase is only used if the key is encrypted.
	PrivateKeyPassphrase string `yaml:"private_key_passphrase"`
}

// ExchangeConfig carries per-exchange API key material, keyed by exchange id.
// It is handed to the measurement agent as-is.
type ExchangeConfig struct {
	APIKeys map[string]map[string]string `yaml:"api_keys"`
}

type TerraformConfig struct {
	ExecPath    string `yaml:"exec_path"`
	TemplateDir string `yaml:"template_dir"` // empty: embedded template
	// AgentPath is the measurement agent copied into every working directory.
	AgentPath   string `yaml:"agent_path"`
	OutputKey   string `yaml:"output_key"`
}

type PollingConfig struct {
	RemoteDir      string        `yaml:"remote_dir"`
	Filename       string        `yaml:"filename"`
	Timeout        time.Duration `yaml:"timeout"`
	Interval       time.Duration `yaml:"interval"`
	ConnectBackoff time.Duration `yaml:"connect_backoff"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

const (
	DefaultInstanceType   = "t2.micro"
	DefaultSSHUsername    = "ubuntu"
	DefaultOutputDir      = "./results"
	DefaultWorkDir        = "."
	DefaultRegionDelay    = 30 * time.Second
	DefaultTerraformExec  = "terraform"
	DefaultAgentPath      = "collect_exchange_stats.py"
	DefaultOutputKey      = "instance_ip"
	DefaultRemoteDir      = "/tmp"
	DefaultFilename       = "exchange_stats.json"
	DefaultPollTimeout    = 300 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultConnectBackoff = 10 * time.Second
	DefaultConnectTimeout = 60 * time.Second
)

// Error is a fatal configuration problem detected before any provisioning.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrRequired  = errors.New("is required")
	ErrDuplicate = errors.New("is listed more than once")
	ErrUnmapped  = errors.New("has no image mapping")
	ErrInvalid   = errors.New("must be positive")
)

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("read config: %w", err)}
	}
	return Parse(b)
}

// Parse decodes, defaults and validates a YAML configuration document.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, &Error{Err: fmt.Errorf("yaml unmarshal: %w", err)}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AWS.InstanceType == "" {
		c.AWS.InstanceType = DefaultInstanceType
	}
	if c.AWS.SSHUsername == "" {
		c.AWS.SSHUsername = DefaultSSHUsername
	}
	if c.AWS.AccessKey == "" {
		c.AWS.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.AWS.SecretKey == "" {
		c.AWS.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if c.Exchanges.APIKeys == nil {
		c.Exchanges.APIKeys = map[string]map[string]string{}
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.RegionDelay == 0 {
		c.RegionDelay = DefaultRegionDelay
	}
	if c.Terraform.ExecPath == "" {
		c.Terraform.ExecPath = DefaultTerraformExec
	}
	if c.Terraform.AgentPath == "" {
		c.Terraform.AgentPath = DefaultAgentPath
	}
	if c.Terraform.OutputKey == "" {
		c.Terraform.OutputKey = DefaultOutputKey
	}

	p := &c.Polling
	if p.RemoteDir == "" {
		p.RemoteDir = DefaultRemoteDir
	}
	if p.Filename == "" {
		p.Filename = DefaultFilename
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultPollTimeout
	}
	if p.Interval == 0 {
		p.Interval = DefaultPollInterval
	}
	if p.ConnectBackoff == 0 {
		p.ConnectBackoff = DefaultConnectBackoff
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
}

// Validate reports the first configuration problem found, as an *Error.
func (c *Config) Validate() error {
	if len(c.AWS.Regions) == 0 {
		return &Error{Field: "aws.regions", Err: ErrRequired}
	}
	if len(c.AWS.AMIMapping) == 0 {
		return &Error{Field: "aws.ami_mapping", Err: ErrRequired}
	}
	seen := make(map[string]bool, len(c.AWS.Regions))
	for _, region := range c.AWS.Regions {
		if region == "" {
			return &Error{Field: "aws.regions", Err: fmt.Errorf("empty region name")}
		}
		if seen[region] {
			return &Error{Field: "aws.regions", Err: fmt.Errorf("%q %w", region, ErrDuplicate)}
		}
		seen[region] = true
		if c.AWS.AMIMapping[region] == "" {
			return &Error{Field: "aws.ami_mapping", Err: fmt.Errorf("region %q %w", region, ErrUnmapped)}
		}
	}
	if c.AWS.PrivateKeyPath == "" {
		return &Error{Field: "aws.private_key_path", Err: ErrRequired}
	}
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"polling.timeout", c.Polling.Timeout},
		{"polling.interval", c.Polling.Interval},
		{"polling.connect_backoff", c.Polling.ConnectBackoff},
		{"polling.connect_timeout", c.Polling.ConnectTimeout},
		{"region_delay", c.RegionDelay},
	} {
		if d.value < 0 {
			return &Error{Field: d.field, Err: ErrInvalid}
		}
	}
	return nil
}

// Image returns the image reference configured for region.
func (c *Config) Image(region string) string {
	return c.AWS.AMIMapping[region]
}
