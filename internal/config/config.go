package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Relation names accepted in relations.enabled.
const (
	RelationBearer    = "bearer"
	RelationCookie    = "cookie"
	RelationSensitive = "sensitive_info"
)

// Sensitive variable naming schemes.
const (
	NamingConsistent = "consistent"
	NamingLegacy     = "legacy"
)

// Config application configuration structure
type Config struct {
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Output    OutputConfig    `yaml:"output" mapstructure:"output"`
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`
	Replay    ReplayConfig    `yaml:"replay" mapstructure:"replay"`
	Relations RelationsConfig `yaml:"relations" mapstructure:"relations"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Web       WebConfig       `yaml:"web" mapstructure:"web"`
}

// LogConfig log configuration
type LogConfig struct {
	Level       string        `yaml:"level" mapstructure:"level"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls CLI output style
type OutputConfig struct {
	Mode     string         `yaml:"mode" mapstructure:"mode"`
	Silence  bool           `yaml:"silence" mapstructure:"silence"`
	BodyView BodyViewConfig `yaml:"body_view" mapstructure:"body_view"`
}

// BodyViewConfig controls body formatting in console output
type BodyViewConfig struct {
	Enable          bool           `yaml:"enable" mapstructure:"enable"`
	MaxPreviewBytes int            `yaml:"max_preview_bytes" mapstructure:"max_preview_bytes"`
	FullBody        bool           `yaml:"full_body" mapstructure:"full_body"`
	Json            JSONViewConfig `yaml:"json" mapstructure:"json"`
	Form            FormViewConfig `yaml:"form" mapstructure:"form"`
	XML             XMLViewConfig  `yaml:"xml" mapstructure:"xml"`
	HTML            HTMLViewConfig `yaml:"html" mapstructure:"html"`
}

// JSONViewConfig JSON display options
type JSONViewConfig struct {
	Enable         bool `yaml:"enable" mapstructure:"enable"`
	Pretty         bool `yaml:"pretty" mapstructure:"pretty"`
	MaxIndentBytes int  `yaml:"max_indent_bytes" mapstructure:"max_indent_bytes"`
}

// FormViewConfig form display options
type FormViewConfig struct {
	Enable bool `yaml:"enable" mapstructure:"enable"`
}

// XMLViewConfig XML display options
type XMLViewConfig struct {
	Enable       bool `yaml:"enable" mapstructure:"enable"`
	Pretty       bool `yaml:"pretty" mapstructure:"pretty"`
	StripControl bool `yaml:"strip_control" mapstructure:"strip_control"`
}

// HTMLViewConfig HTML display options
type HTMLViewConfig struct {
	Enable       bool `yaml:"enable" mapstructure:"enable"`
	Pretty       bool `yaml:"pretty" mapstructure:"pretty"`
	StripControl bool `yaml:"strip_control" mapstructure:"strip_control"`
}

// TransportConfig configures the HTTP client used during replay.
// Durations are in seconds.
type TransportConfig struct {
	Timeout               int      `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries            int      `yaml:"max_retries" mapstructure:"max_retries"`
	MaxIdleConns          int      `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int      `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost       int      `yaml:"max_conns_per_host" mapstructure:"max_conns_per_host"`
	IdleConnTimeout       int      `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeout int      `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeout   int      `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	TLSInsecureSkipVerify bool     `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
	MaxBodyBytes          int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	BaseURL               string   `yaml:"base_url" mapstructure:"base_url"`
	HeaderBlacklist       []string `yaml:"header_blacklist" mapstructure:"header_blacklist"`
}

// ReplayConfig controls replay sessions
type ReplayConfig struct {
	RequeueOnError bool          `yaml:"requeue_on_error" mapstructure:"requeue_on_error"`
	StopOnError    bool          `yaml:"stop_on_error" mapstructure:"stop_on_error"`
	Delay          time.Duration `yaml:"delay" mapstructure:"delay"`
}

// RelationsConfig controls relation discovery
type RelationsConfig struct {
	Enabled       []string `yaml:"enabled" mapstructure:"enabled"`
	SensitiveKeys []string `yaml:"sensitive_keys" mapstructure:"sensitive_keys"`
	Naming        string   `yaml:"naming" mapstructure:"naming"`
}

// StorageConfig replay history storage
type StorageConfig struct {
	Enable    bool          `yaml:"enable" mapstructure:"enable"`
	Driver    string        `yaml:"driver" mapstructure:"driver"`
	Path      string        `yaml:"path" mapstructure:"path"`
	MaxRuns   int           `yaml:"max_runs" mapstructure:"max_runs"`
	Retention time.Duration `yaml:"retention" mapstructure:"retention"`
}

// WebConfig HTTP control API configuration
type WebConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AdminPath      string   `yaml:"admin_path" mapstructure:"admin_path"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ExportFormats  []string `yaml:"export_formats" mapstructure:"export_formats"`
	// APIToken, when set, must be sent as a bearer token on every API call.
	APIToken string `yaml:"api_token" mapstructure:"api_token"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	v.SetEnvPrefix("REQFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.reqflow")
		v.AddConfigPath("/etc/reqflow")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Unmarshal leaves zero values where neither file nor env set a key;
	// flags bound by the CLI are applied on top of this.
	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults apply default values to zero-value fields in the struct
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	// Booleans always come from viper, which already merges file and defaults.
	cfg.Log.FileLogging.Enable = v.GetBool("log.file_logging.enable")
	cfg.Log.FileLogging.Compress = v.GetBool("log.file_logging.compress")
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}
	if cfg.Log.FileLogging.MaxBackups == 0 {
		cfg.Log.FileLogging.MaxBackups = v.GetInt("log.file_logging.max_backups")
	}
	if cfg.Log.FileLogging.MaxAgeDays == 0 {
		cfg.Log.FileLogging.MaxAgeDays = v.GetInt("log.file_logging.max_age_days")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}
	cfg.Output.Silence = v.GetBool("output.silence")
	cfg.Output.BodyView.Enable = v.GetBool("output.body_view.enable")
	if cfg.Output.BodyView.MaxPreviewBytes == 0 {
		cfg.Output.BodyView.MaxPreviewBytes = v.GetInt("output.body_view.max_preview_bytes")
	}
	cfg.Output.BodyView.FullBody = v.GetBool("output.body_view.full_body")
	cfg.Output.BodyView.Json.Enable = v.GetBool("output.body_view.json.enable")
	cfg.Output.BodyView.Json.Pretty = v.GetBool("output.body_view.json.pretty")
	if cfg.Output.BodyView.Json.MaxIndentBytes == 0 {
		cfg.Output.BodyView.Json.MaxIndentBytes = v.GetInt("output.body_view.json.max_indent_bytes")
	}
	cfg.Output.BodyView.Form.Enable = v.GetBool("output.body_view.form.enable")
	cfg.Output.BodyView.XML.Enable = v.GetBool("output.body_view.xml.enable")
	cfg.Output.BodyView.XML.Pretty = v.GetBool("output.body_view.xml.pretty")
	cfg.Output.BodyView.XML.StripControl = v.GetBool("output.body_view.xml.strip_control")
	cfg.Output.BodyView.HTML.Enable = v.GetBool("output.body_view.html.enable")
	cfg.Output.BodyView.HTML.Pretty = v.GetBool("output.body_view.html.pretty")
	cfg.Output.BodyView.HTML.StripControl = v.GetBool("output.body_view.html.strip_control")

	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = v.GetInt("transport.timeout")
	}
	if cfg.Transport.MaxRetries == 0 {
		cfg.Transport.MaxRetries = v.GetInt("transport.max_retries")
	}
	if cfg.Transport.MaxIdleConns == 0 {
		cfg.Transport.MaxIdleConns = v.GetInt("transport.max_idle_conns")
	}
	if cfg.Transport.MaxIdleConnsPerHost == 0 {
		cfg.Transport.MaxIdleConnsPerHost = v.GetInt("transport.max_idle_conns_per_host")
	}
	if cfg.Transport.MaxConnsPerHost == 0 {
		cfg.Transport.MaxConnsPerHost = v.GetInt("transport.max_conns_per_host")
	}
	if cfg.Transport.IdleConnTimeout == 0 {
		cfg.Transport.IdleConnTimeout = v.GetInt("transport.idle_conn_timeout")
	}
	if cfg.Transport.ResponseHeaderTimeout == 0 {
		cfg.Transport.ResponseHeaderTimeout = v.GetInt("transport.response_header_timeout")
	}
	if cfg.Transport.TLSHandshakeTimeout == 0 {
		cfg.Transport.TLSHandshakeTimeout = v.GetInt("transport.tls_handshake_timeout")
	}
	if cfg.Transport.MaxBodyBytes == 0 {
		cfg.Transport.MaxBodyBytes = v.GetInt64("transport.max_body_bytes")
	}
	if cfg.Transport.BaseURL == "" {
		cfg.Transport.BaseURL = v.GetString("transport.base_url")
	}
	cfg.Transport.TLSInsecureSkipVerify = v.GetBool("transport.tls_insecure_skip_verify")
	if len(cfg.Transport.HeaderBlacklist) == 0 {
		cfg.Transport.HeaderBlacklist = v.GetStringSlice("transport.header_blacklist")
	}
	cfg.Transport.HeaderBlacklist = normalizeList(cfg.Transport.HeaderBlacklist)

	cfg.Replay.RequeueOnError = v.GetBool("replay.requeue_on_error")
	cfg.Replay.StopOnError = v.GetBool("replay.stop_on_error")
	if cfg.Replay.Delay == 0 {
		cfg.Replay.Delay = v.GetDuration("replay.delay")
	}

	if len(cfg.Relations.Enabled) == 0 {
		cfg.Relations.Enabled = v.GetStringSlice("relations.enabled")
	}
	cfg.Relations.Enabled = normalizeList(cfg.Relations.Enabled)
	if len(cfg.Relations.SensitiveKeys) == 0 {
		cfg.Relations.SensitiveKeys = v.GetStringSlice("relations.sensitive_keys")
	}
	if cfg.Relations.Naming == "" {
		cfg.Relations.Naming = v.GetString("relations.naming")
	}

	cfg.Storage.Enable = v.GetBool("storage.enable")
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	if cfg.Storage.MaxRuns == 0 {
		cfg.Storage.MaxRuns = v.GetInt("storage.max_runs")
	}
	if cfg.Storage.Retention == 0 {
		cfg.Storage.Retention = v.GetDuration("storage.retention")
	}

	if cfg.Web.Port == 0 {
		cfg.Web.Port = v.GetInt("web.port")
	}
	if cfg.Web.AdminPath == "" {
		cfg.Web.AdminPath = v.GetString("web.admin_path")
	}
	if cfg.Web.MaxBodyBytes == 0 {
		cfg.Web.MaxBodyBytes = v.GetInt64("web.max_body_bytes")
	}
	if len(cfg.Web.AllowedOrigins) == 0 {
		cfg.Web.AllowedOrigins = v.GetStringSlice("web.allowed_origins")
	}
	if len(cfg.Web.ExportFormats) == 0 {
		cfg.Web.ExportFormats = v.GetStringSlice("web.export_formats")
	}
	cfg.Web.ExportFormats = normalizeList(cfg.Web.ExportFormats)
	if cfg.Web.APIToken == "" {
		cfg.Web.APIToken = v.GetString("web.api_token")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./reqflow.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)
	v.SetDefault("output.body_view.enable", true)
	v.SetDefault("output.body_view.max_preview_bytes", int(4*1024))
	v.SetDefault("output.body_view.full_body", false)
	v.SetDefault("output.body_view.json.enable", true)
	v.SetDefault("output.body_view.json.pretty", true)
	v.SetDefault("output.body_view.json.max_indent_bytes", int(128*1024))
	v.SetDefault("output.body_view.form.enable", true)
	v.SetDefault("output.body_view.xml.enable", true)
	v.SetDefault("output.body_view.xml.pretty", true)
	v.SetDefault("output.body_view.xml.strip_control", true)
	v.SetDefault("output.body_view.html.enable", true)
	v.SetDefault("output.body_view.html.pretty", false)
	v.SetDefault("output.body_view.html.strip_control", true)

	v.SetDefault("transport.timeout", 30)
	v.SetDefault("transport.max_retries", 0)
	v.SetDefault("transport.max_idle_conns", 100)
	v.SetDefault("transport.max_idle_conns_per_host", 10)
	v.SetDefault("transport.max_conns_per_host", 0)
	v.SetDefault("transport.idle_conn_timeout", 90)
	v.SetDefault("transport.response_header_timeout", 15)
	v.SetDefault("transport.tls_handshake_timeout", 10)
	v.SetDefault("transport.tls_insecure_skip_verify", false)
	v.SetDefault("transport.max_body_bytes", int64(32*1024*1024))
	v.SetDefault("transport.base_url", "")
	v.SetDefault("transport.header_blacklist", []string{})

	v.SetDefault("replay.requeue_on_error", true)
	v.SetDefault("replay.stop_on_error", true)
	v.SetDefault("replay.delay", "0s")

	v.SetDefault("relations.enabled", []string{RelationBearer, RelationCookie, RelationSensitive})
	v.SetDefault("relations.sensitive_keys", []string{"username", "password", "email", "csrfmiddlewaretoken", "cookie"})
	v.SetDefault("relations.naming", NamingConsistent)

	v.SetDefault("storage.enable", true)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/reqflow.db")
	v.SetDefault("storage.max_runs", 200)
	v.SetDefault("storage.retention", "0s")

	v.SetDefault("web.port", 38889)
	v.SetDefault("web.admin_path", "/api")
	v.SetDefault("web.max_body_bytes", int64(50*1024*1024))
	v.SetDefault("web.allowed_origins", []string{"*"})
	v.SetDefault("web.export_formats", []string{"json", "yaml", "txt", "csv"})
	v.SetDefault("web.api_token", "")
}

// Validate validates the configuration and fills remaining defaults.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
		if c.Log.FileLogging.MaxBackups < 0 {
			return fmt.Errorf("log file max backups cannot be negative")
		}
		if c.Log.FileLogging.MaxAgeDays < 0 {
			return fmt.Errorf("log file max age cannot be negative")
		}
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}
	if c.Output.BodyView.MaxPreviewBytes < 0 {
		return fmt.Errorf("output.body_view.max_preview_bytes cannot be negative")
	}
	if c.Output.BodyView.Json.MaxIndentBytes < 0 {
		return fmt.Errorf("output.body_view.json.max_indent_bytes cannot be negative")
	}

	if c.Transport.Timeout < 0 {
		return fmt.Errorf("transport timeout cannot be negative")
	}
	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("transport max retries cannot be negative")
	}
	if c.Transport.MaxBodyBytes < 0 {
		return fmt.Errorf("transport max body bytes cannot be negative")
	}
	if c.Transport.BaseURL != "" && !strings.HasPrefix(c.Transport.BaseURL, "http://") && !strings.HasPrefix(c.Transport.BaseURL, "https://") {
		return fmt.Errorf("transport base_url must start with http:// or https://")
	}

	if c.Replay.Delay < 0 {
		return fmt.Errorf("replay delay cannot be negative")
	}

	for _, name := range c.Relations.Enabled {
		switch name {
		case RelationBearer, RelationCookie, RelationSensitive:
		default:
			return fmt.Errorf("unknown relation %q (want bearer, cookie or sensitive_info)", name)
		}
	}
	switch strings.ToLower(c.Relations.Naming) {
	case "", NamingConsistent:
		c.Relations.Naming = NamingConsistent
	case NamingLegacy:
		c.Relations.Naming = NamingLegacy
	default:
		return fmt.Errorf("relations naming must be 'consistent' or 'legacy'")
	}
	for i, key := range c.Relations.SensitiveKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("relations sensitive_keys[%d] cannot be empty", i)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Driver) == "" {
			c.Storage.Driver = "sqlite"
		}
	case "memory":
	default:
		return fmt.Errorf("storage driver must be sqlite or memory")
	}
	if c.Storage.Enable && c.Storage.Driver != "memory" && strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage path cannot be empty")
	}
	if c.Storage.MaxRuns < 0 {
		return fmt.Errorf("storage max_runs cannot be negative")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage retention cannot be negative")
	}

	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Web.Port)
	}
	if c.Web.AdminPath == "" {
		return fmt.Errorf("web admin path cannot be empty")
	}
	if !strings.HasPrefix(c.Web.AdminPath, "/") {
		return fmt.Errorf("web admin path must start with '/'")
	}
	if c.Web.MaxBodyBytes < 0 {
		return fmt.Errorf("web max body bytes cannot be negative")
	}
	for _, format := range c.Web.ExportFormats {
		switch format {
		case "json", "yaml", "txt", "csv":
		default:
			return fmt.Errorf("unsupported web export format %q", format)
		}
	}

	return nil
}

// RelationEnabled reports whether the named relation is switched on.
func (c *RelationsConfig) RelationEnabled(name string) bool {
	for _, n := range c.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

func normalizeList(list []string) []string {
	if len(list) == 0 {
		return list
	}
	set := make(map[string]struct{}, len(list))
	result := make([]string, 0, len(list))
	for _, item := range list {
		norm := strings.ToLower(strings.TrimSpace(item))
		if norm == "" {
			continue
		}
		if _, exists := set[norm]; exists {
			continue
		}
		set[norm] = struct{}{}
		result = append(result, norm)
	}
	return result
}
