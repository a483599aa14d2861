package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in a workspace.
const FileName = "ingestledger.yml"

// Config models ingestledger.yml.
type Config struct {
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Topics     Topics   `yaml:"topics"`
	// Webhooks apply to http(s) topics.
	Webhooks   Webhooks `yaml:"webhooks"`
	DeadLetter struct {
		DSN string `yaml:"dsn"`
	} `yaml:"dead_letter"`
	// RecordTypes maps workflow name -> status -> record types. "*" matches
	// any workflow or status.
	RecordTypes map[string]map[string][]string `yaml:"record_types"`
	Concurrency struct {
		Messages int `yaml:"messages"`
		Files    int `yaml:"files"`
	} `yaml:"concurrency"`
	Consumer   Consumer `yaml:"consumer"`
	Server     Server   `yaml:"server"`
	AWS        AWS      `yaml:"aws"`
	S3Messages struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"s3_messages"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Topics are notification destinations per record type. An empty topic
// disables publication for that type.
type Topics struct {
	Execution string `yaml:"execution"`
	Granule   string `yaml:"granule"`
	Pdr       string `yaml:"pdr"`
}

type Webhooks struct {
	Secret  string   `yaml:"secret"`
	Timeout string   `yaml:"timeout"`
	Events  []string `yaml:"events"`
}

// TimeoutDuration is the per-delivery webhook timeout.
func (w Webhooks) TimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(w.Timeout) == "" {
		return 10 * time.Second, nil
	}
	d, err := time.ParseDuration(w.Timeout)
	if err != nil {
		return 0, fmt.Errorf("config.webhooks.timeout: %w", err)
	}
	return d, nil
}

type Consumer struct {
	Queue           string  `yaml:"queue"`
	BatchSize       int     `yaml:"batch_size"`
	MaxReceiveCount int     `yaml:"max_receive_count"`
	RatePerSecond   float64 `yaml:"rate_per_second"`
	Wait            string  `yaml:"wait"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

type AWS struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

var knownRecordTypes = map[string]struct{}{
	"execution": {},
	"granule":   {},
	"pdr":       {},
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	for workflow, byStatus := range c.RecordTypes {
		if workflow == "" {
			return fmt.Errorf("config.record_types has empty workflow name")
		}
		for status, types := range byStatus {
			if status == "" {
				return fmt.Errorf("config.record_types.%s has empty status", workflow)
			}
			for _, t := range types {
				if _, ok := knownRecordTypes[t]; !ok {
					return fmt.Errorf("config.record_types.%s.%s has unknown record type %q", workflow, status, t)
				}
			}
		}
	}
	if c.Concurrency.Messages < 0 || c.Concurrency.Files < 0 {
		return fmt.Errorf("config.concurrency values must not be negative")
	}
	if c.Consumer.BatchSize < 0 || c.Consumer.MaxReceiveCount < 0 || c.Consumer.RatePerSecond < 0 {
		return fmt.Errorf("config.consumer values must not be negative")
	}
	if _, err := c.Consumer.WaitDuration(); err != nil {
		return err
	}
	if _, err := c.Webhooks.TimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// RecordTypesFor resolves the configured record types for a workflow run.
// The workflow name is tried before "*", then the status before "*".
func (c *Config) RecordTypesFor(workflow, status string) ([]string, bool) {
	if c == nil {
		return nil, false
	}
	for _, wf := range []string{workflow, "*"} {
		byStatus, ok := c.RecordTypes[wf]
		if !ok {
			continue
		}
		for _, st := range []string{status, "*"} {
			if types, ok := byStatus[st]; ok {
				return types, true
			}
		}
	}
	return nil, false
}

// WaitDuration is the idle wait between empty polls.
func (c Consumer) WaitDuration() (time.Duration, error) {
	if strings.TrimSpace(c.Wait) == "" {
		return time.Second, nil
	}
	d, err := time.ParseDuration(c.Wait)
	if err != nil {
		return 0, fmt.Errorf("config.consumer.wait: %w", err)
	}
	return d, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset keys keep
// their default values.
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

const defaultTemplate = `database:
  driver: sqlite
  dsn: ""

topics:
  execution: ""
  granule: ""
  pdr: ""

webhooks:
  secret: ""
  timeout: 10s
  events: []

dead_letter:
  dsn: ""

concurrency:
  messages: 4
  files: 8

consumer:
  queue: ""
  batch_size: 10
  max_receive_count: 3
  rate_per_second: 5
  wait: 1s

server:
  addr: 127.0.0.1:8080
  jwt_secret: ""

aws:
  region: us-east-1
  endpoint: ""

s3_messages:
  enabled: false

logging:
  level: info
`
