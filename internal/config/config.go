package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const minSuffixLength = 7

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Render    RenderConfig    `yaml:"render"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Logging   LoggingConfig   `yaml:"logging"`
	Service   ServiceConfig   `yaml:"service"`
}

type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout must outlast JobBudget so a printed job still gets its
	// response. Zero disables it.
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// JobBudget is the longest a /print request can take: printer lookup, then
// rendering, then the print command, each bounded by its own timeout.
func (c *Config) JobBudget() time.Duration {
	return c.Dispatch.DirectoryTimeout + c.Render.Timeout + c.Dispatch.Timeout
}

// Addr returns the host:port the listener binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type RenderConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	ChromePath string        `yaml:"chrome_path"`
	NoSandbox  bool          `yaml:"no_sandbox"`
}

type ArtifactsConfig struct {
	Dir          string        `yaml:"dir"`
	SuffixLength int           `yaml:"suffix_length"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

type DispatchConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	LPRPath          string        `yaml:"lpr_path"`
	PDFToPrinterPath string        `yaml:"pdftoprinter_path"`
	DirectoryTimeout time.Duration `yaml:"directory_timeout"`
}

type WebhookEndpoint struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type WebhooksConfig struct {
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
	RetryCount  int               `yaml:"retry_count"`
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	Timeout     time.Duration     `yaml:"timeout"`
	WorkerCount int               `yaml:"worker_count"`
	QueueSize   int               `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type ServiceConfig struct {
	Name     string `yaml:"name"`
	StopCode uint32 `yaml:"stop_code"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            1829,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    3 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Render: RenderConfig{
			Timeout: 60 * time.Second,
		},
		Artifacts: ArtifactsConfig{
			Dir:          filepath.Join(os.TempDir(), "printd"),
			SuffixLength: 12,
			StaleAfter:   time.Hour,
		},
		Dispatch: DispatchConfig{
			Timeout:          60 * time.Second,
			LPRPath:          "lpr",
			PDFToPrinterPath: "PDFtoPrinter.exe",
			DirectoryTimeout: 10 * time.Second,
		},
		Webhooks: WebhooksConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 2,
			QueueSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Service: ServiceConfig{
			Name:     "PrintdService",
			StopCode: 130,
		},
	}
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return defaults()
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides file values with PRINTD_* environment variables.
func (c *Config) ApplyEnv() {
	c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PRINTD_HOST"); v != "" {
		c.Server.Host = v
	}

	if v := getenv("PRINTD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := getenv("PRINTD_CORS_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		c.Server.CORSOrigins = origins
	}

	if v := getenv("PRINTD_CHROME_PATH"); v != "" {
		c.Render.ChromePath = v
	}

	if v := getenv("PRINTD_NO_SANDBOX"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Render.NoSandbox = b
		}
	}

	if v := getenv("PRINTD_ARTIFACT_DIR"); v != "" {
		c.Artifacts.Dir = v
	}

	if v := getenv("PRINTD_LPR_PATH"); v != "" {
		c.Dispatch.LPRPath = v
	}

	if v := getenv("PRINTD_PDFTOPRINTER_PATH"); v != "" {
		c.Dispatch.PDFToPrinterPath = v
	}

	if v := getenv("PRINTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := getenv("PRINTD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server shutdown timeout must be positive")
	}

	if c.Render.Timeout <= 0 {
		return fmt.Errorf("render timeout must be positive")
	}

	if c.Artifacts.Dir == "" {
		return fmt.Errorf("artifact directory is required")
	}

	if c.Artifacts.SuffixLength < minSuffixLength || c.Artifacts.SuffixLength > 32 {
		return fmt.Errorf("artifact suffix length must be between %d and 32, got %d", minSuffixLength, c.Artifacts.SuffixLength)
	}

	if c.Artifacts.StaleAfter < 0 {
		return fmt.Errorf("artifact stale_after must be non-negative")
	}

	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch timeout must be positive")
	}

	if c.Dispatch.DirectoryTimeout <= 0 {
		return fmt.Errorf("directory timeout must be positive")
	}

	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.JobBudget() {
		return fmt.Errorf("server write timeout %s must be 0 or exceed the job budget of %s (directory + render + dispatch timeouts)",
			c.Server.WriteTimeout, c.JobBudget())
	}

	for i, ep := range c.Webhooks.Endpoints {
		if !strings.HasPrefix(ep.URL, "http://") && !strings.HasPrefix(ep.URL, "https://") {
			return fmt.Errorf("webhook endpoint %d: url must be http(s), got %q", i, ep.URL)
		}
	}

	if c.Webhooks.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative, got %d", c.Webhooks.RetryCount)
	}

	if c.Webhooks.WorkerCount < 1 {
		return fmt.Errorf("webhook worker count must be at least 1")
	}

	if c.Webhooks.QueueSize < 1 {
		return fmt.Errorf("webhook queue size must be at least 1")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format)
	}

	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}

	if c.Service.StopCode < 128 || c.Service.StopCode > 255 {
		return fmt.Errorf("service stop code must be a user-defined control code (128-255), got %d", c.Service.StopCode)
	}

	return nil
}
