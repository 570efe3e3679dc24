// internal/config/config-pulse.go
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fisaks/plcpulse/internal/logging"
)

/* =========================
   Types
   ========================= */

type ServiceConfig struct {
	HTTP    HTTPConfig    `json:"http" yaml:"http"`
	MQTT    MQTTConfig    `json:"mqtt" yaml:"mqtt"`
	Poll    PollConfig    `json:"poll" yaml:"poll"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Device  *DeviceConfig `json:"device,omitempty" yaml:"device"` // connected at start-up when set
}

type HTTPConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

type MQTTConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	URL              string `json:"url" yaml:"url"`
	ClientName       string `json:"clientName" yaml:"clientName"`
	TopicPrefix      string `json:"topicPrefix" yaml:"topicPrefix"`
	ConnectTimeoutMs int    `json:"connectTimeoutMs" yaml:"connectTimeoutMs"`
	PublishTimeoutMs int    `json:"publishTimeoutMs" yaml:"publishTimeoutMs"`
	QueueSize        int    `json:"queueSize" yaml:"queueSize"`
}

type PollConfig struct {
	IntervalMs int `json:"intervalMs" yaml:"intervalMs"`
}

type StorageConfig struct {
	Backend string `json:"backend" yaml:"backend"` // "csv" | "sqlite"
	Dir     string `json:"dir" yaml:"dir"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

/* =========================
   Helpers
   ========================= */

func (p PollConfig) Interval() time.Duration { return time.Duration(p.IntervalMs) * time.Millisecond }
func (m MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutMs) * time.Millisecond
}
func (m MQTTConfig) PublishTimeout() time.Duration {
	return time.Duration(m.PublishTimeoutMs) * time.Millisecond
}

// Default is the configuration used when no file is present.
func Default() *ServiceConfig {
	cfg := &ServiceConfig{}
	if err := cfg.Validate(); err != nil {
		panic(err) // defaults must always validate
	}
	return cfg
}

/* =========================
   Strict load + validate
   ========================= */

// LoadServiceConfig reads a YAML (.yaml/.yml) or JSON file. JSON may carry
// // and /* */ comments. Unknown fields are rejected in both formats.
// A missing file yields Default().
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Warn("service config not found, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadServiceConfigYAML(bytes.NewReader(raw))
	default:
		return LoadServiceConfigJSON(bytes.NewReader(raw))
	}
}

func LoadServiceConfigJSON(r io.Reader) (*ServiceConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(stripJSONComments(raw)))
	dec.DisallowUnknownFields()

	var cfg ServiceConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func LoadServiceConfigYAML(r io.Reader) (*ServiceConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg ServiceConfig
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate fills defaults and accumulates every problem found.
func (c *ServiceConfig) Validate() error {
	var errs multiErr

	/* HTTP */
	if strings.TrimSpace(c.HTTP.Listen) == "" {
		c.HTTP.Listen = ":5000"
	}

	/* MQTT */
	if c.MQTT.URL == "" {
		c.MQTT.URL = "tcp://localhost:1883"
	}
	if c.MQTT.ClientName == "" {
		c.MQTT.ClientName = "plcpulse"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "plcpulse/" + c.MQTT.ClientName
	}
	c.MQTT.TopicPrefix = strings.TrimSuffix(c.MQTT.TopicPrefix, "/")
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		errs.add("mqtt.topicPrefix cannot contain wildcards")
	}
	if c.MQTT.ConnectTimeoutMs < 0 || c.MQTT.PublishTimeoutMs < 0 {
		errs.add("mqtt timeouts cannot be negative")
	}
	if c.MQTT.ConnectTimeoutMs == 0 {
		c.MQTT.ConnectTimeoutMs = 10000
	}
	if c.MQTT.PublishTimeoutMs == 0 {
		c.MQTT.PublishTimeoutMs = 5000
	}
	if c.MQTT.QueueSize < 0 {
		errs.add("mqtt.queueSize cannot be negative")
	}
	if c.MQTT.QueueSize == 0 {
		c.MQTT.QueueSize = 64
	}

	/* Poll */
	if c.Poll.IntervalMs < 0 {
		errs.add("poll.intervalMs cannot be negative")
	}
	if c.Poll.IntervalMs == 0 {
		c.Poll.IntervalMs = 1000
	}

	/* Storage */
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = "csv"
	case "csv", "sqlite":
	default:
		errs.addf("storage.backend must be 'csv' or 'sqlite' (got %q)", c.Storage.Backend)
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "logs"
	}

	/* Start-up device */
	if c.Device != nil {
		d := c.Device.WithDefaults()
		if err := d.Validate(); err != nil {
			errs.addf("device: %v", err)
		} else {
			c.Device = &d
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

/* =========================
   Comment stripping + utils
   ========================= */

var (
	lineComments  = regexp.MustCompile(`(?m)^\s*//[^\n\r]*`)
	blockComments = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// stripJSONComments only drops // comments that start a line so URLs such
// as tcp://host stay intact.
func stripJSONComments(in []byte) []byte {
	text := string(in)
	text = blockComments.ReplaceAllString(text, "")
	text = lineComments.ReplaceAllString(text, "")
	return []byte(text)
}

// small multi-error
type multiErr []string

func (m *multiErr) add(s string)            { *m = append(*m, s) }
func (m *multiErr) addf(f string, a ...any) { *m = append(*m, fmt.Sprintf(f, a...)) }
func (m multiErr) Error() string            { return "validation errors: " + strings.Join(m, "; ") }
