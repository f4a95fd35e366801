package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models punchd.yml.
type Config struct {
	Store struct {
		// Driver is "sqlite" or "postgres".
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Commit struct {
		// Driver is "ledger" or "dolt".
		Driver string `yaml:"driver"`
		Author string `yaml:"author"`
	} `yaml:"commit"`
	Cards struct {
		Seed string `yaml:"seed"`
	} `yaml:"cards"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Verify    VerifyConfig    `yaml:"verify"`
	Governor  GovernorConfig  `yaml:"governor"`
	Diagnosis DiagnosisConfig `yaml:"diagnosis"`
	Signal    SignalConfig    `yaml:"signal"`
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Telemetry struct {
		OTLPEndpoint string  `yaml:"otlp_endpoint"`
		ServiceName  string  `yaml:"service_name"`
		Insecure     bool    `yaml:"insecure"`
		SampleRate   float64 `yaml:"sample_rate"`
	} `yaml:"telemetry"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type IngestConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RetryInitial   time.Duration `yaml:"retry_initial"`
	RetryMax       time.Duration `yaml:"retry_max"`
	RetryMaxElapse time.Duration `yaml:"retry_max_elapsed"`
	Spool          string        `yaml:"spool"`
}

type VerifyConfig struct {
	MaxDepth int           `yaml:"max_depth"`
	Timeout  time.Duration `yaml:"timeout"`
}

// GovernorConfig holds the runaway thresholds. None of them are correctness
// constants; they are tuned per deployment.
type GovernorConfig struct {
	Enabled                     bool          `yaml:"enabled"`
	ScanInterval                time.Duration `yaml:"scan_interval"`
	MaxToolCallsWithoutProgress int           `yaml:"max_tool_calls_without_progress"`
	MaxCost                     float64       `yaml:"max_cost"`
	MaxRepeats                  int           `yaml:"max_repeats"`
	SuspectRatio                float64       `yaml:"suspect_ratio"`
	MaxDepth                    int           `yaml:"max_depth"`
}

type DiagnosisConfig struct {
	ApprovalIdle    time.Duration `yaml:"approval_idle"`
	RepeatThreshold int           `yaml:"repeat_threshold"`
	CostCeiling     float64       `yaml:"cost_ceiling"`
	BudgetRatio     float64       `yaml:"budget_ratio"`
	MaxChildSpawns  int           `yaml:"max_child_spawns"`
	ReadTools       []string      `yaml:"read_tools"`
	EditTools       []string      `yaml:"edit_tools"`
	ModeSwitchTools []string      `yaml:"mode_switch_tools"`
	Rules           []CELRule     `yaml:"rules"`
}

// CELRule is an operator supplied diagnosis rule evaluated after the built-in ones.
type CELRule struct {
	Name       string  `yaml:"name"`
	Category   string  `yaml:"category"`
	Confidence float64 `yaml:"confidence"`
	Expr       string  `yaml:"expr"`
}

type SignalConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Redis    struct {
		Addr    string `yaml:"addr"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
}

type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

type ServerConfig struct {
	Addr      string  `yaml:"addr"`
	BasePath  string  `yaml:"base_path"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// JWTSecret enables HS256 bearer tokens; API keys work without it.
	JWTSecret string `yaml:"jwt_secret"`
	// AllowAnonymous grants every permission to unauthenticated requests.
	// Meant for a single-user local daemon.
	AllowAnonymous bool `yaml:"allow_anonymous"`
}

type StreamConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	Batch    int64  `yaml:"batch"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with punchd config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("config.store.dsn is required for postgres")
	}
	switch c.Commit.Driver {
	case "ledger":
	case "dolt":
		if c.Store.Driver != "postgres" {
			return fmt.Errorf("config.commit.driver dolt requires store.driver postgres (doltgres)")
		}
	default:
		return fmt.Errorf("config.commit.driver must be ledger or dolt, got %q", c.Commit.Driver)
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("config.ingest.queue_size must be positive")
	}
	if c.Verify.MaxDepth <= 0 {
		return fmt.Errorf("config.verify.max_depth must be positive")
	}
	g := c.Governor
	if g.MaxToolCallsWithoutProgress <= 0 || g.MaxRepeats <= 0 || g.MaxCost <= 0 {
		return fmt.Errorf("config.governor thresholds must be positive")
	}
	if g.SuspectRatio <= 0 || g.SuspectRatio >= 1 {
		return fmt.Errorf("config.governor.suspect_ratio must be in (0,1)")
	}
	if g.ScanInterval <= 0 {
		return fmt.Errorf("config.governor.scan_interval must be positive")
	}
	for i, r := range c.Diagnosis.Rules {
		if r.Name == "" || r.Expr == "" {
			return fmt.Errorf("diagnosis rule %d needs name and expr", i)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("diagnosis rule %s confidence must be in [0,1]", r.Name)
		}
	}
	for _, hook := range c.Signal.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.signal.webhooks entry has empty url")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "punchd.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `store:
  driver: sqlite
  dsn: ""

commit:
  driver: ledger
  author: punchd

cards:
  seed: ""

ingest:
  queue_size: 256
  idle_timeout: 2m
  retry_initial: 200ms
  retry_max: 10s
  retry_max_elapsed: 5m
  spool: ""

verify:
  max_depth: 10
  timeout: 30s

governor:
  enabled: true
  scan_interval: 10s
  max_tool_calls_without_progress: 50
  max_cost: 8.0
  max_repeats: 8
  suspect_ratio: 0.75
  max_depth: 10

diagnosis:
  approval_idle: 10m
  repeat_threshold: 5
  cost_ceiling: 8.0
  budget_ratio: 0.9
  max_child_spawns: 6
  read_tools: [read_file, list_files, search_files, list_code_definition_names, codebase_search]
  edit_tools: [write_to_file, apply_diff, edit_file, insert_content, search_and_replace]
  mode_switch_tools: [switch_mode, switchMode]
  rules: []

signal:
  webhooks: []
  redis:
    addr: ""
    channel: punchd.kill

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  rate_limit: 50
  rate_burst: 100
  jwt_secret: ""
  allow_anonymous: false

stream:
  addr: ""
  password: ""
  db: 0
  stream: punchd.events
  group: punchd
  consumer: punchd-1
  batch: 64

telemetry:
  otlp_endpoint: ""
  service_name: punchd
  insecure: true
  sample_rate: 1.0

log:
  level: info
  format: text
`
