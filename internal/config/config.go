package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Proxy   *ProxyConfig   `json:"proxy,omitempty" toml:"proxy,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`

	originalFilePath string
}

// OriginalFilePath returns the path LoadConfig read this Config from, or
// "" for a programmatically constructed Config or a nil receiver.
func (c *Config) OriginalFilePath() string {
	if c == nil {
		return ""
	}
	return c.originalFilePath
}

// Duration wraps time.Duration so it can be unmarshalled from the
// human-readable string form ("10s", "2m") in both the JSON and TOML
// config formats. The timeout fields of ServerConfig are plain *string
// values and do not use this type.
type Duration struct {
	d time.Duration
}

// Value returns the underlying time.Duration.
func (d Duration) Value() time.Duration { return d.d }

// String renders the duration the way time.Duration does.
func (d Duration) String() string { return d.d.String() }

// UnmarshalText implements encoding.TextUnmarshaler, which both
// encoding/json (for string-typed fields) and BurntSushi/toml use.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return fmt.Errorf("duration string cannot be empty")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("duration must be positive, got %q", s)
	}
	d.d = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler directly so a non-string JSON
// value (a bare number, a bool) is rejected with a clear message instead
// of whatever encoding/json's string-unmarshal path would produce.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration should be a string, got %s", string(data))
	}
	return d.UnmarshalText([]byte(s))
}

// ServerConfig holds general server settings.
type ServerConfig struct {
	Address                 *string `json:"address,omitempty" toml:"address,omitempty"`
	ExecutablePath          *string `json:"executable_path,omitempty" toml:"executable_path,omitempty"`
	ChildReadinessTimeout   *string `json:"child_readiness_timeout,omitempty" toml:"child_readiness_timeout,omitempty"`     // e.g., "10s"
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"

	// TLSCertFile and TLSKeyFile, when both set, make the listener speak
	// TLS with ALPN offering "h2" before handing the accepted connection
	// to the proxy. Leaving either unset serves plain h2c.
	TLSCertFile *string `json:"tls_cert_file,omitempty" toml:"tls_cert_file,omitempty"`
	TLSKeyFile  *string `json:"tls_key_file,omitempty" toml:"tls_key_file,omitempty"`
}

// ProxyConfig carries the settings specific to the HTTP/2-to-HTTP/1.1
// forward/reverse proxy: where requests are forwarded to, and the
// per-stream tuning knobs the transaction core needs at construction.
type ProxyConfig struct {
	// UpstreamAddress is the host:port every incoming stream is
	// forwarded to (reverse-proxy mode). Forward-proxy mode, where the
	// target comes from the request's :authority, is selected by
	// leaving this empty.
	UpstreamAddress string `json:"upstream_address,omitempty" toml:"upstream_address,omitempty"`
	// UpstreamScheme is "http" or "https"; defaults to "http".
	UpstreamScheme string `json:"upstream_scheme,omitempty" toml:"upstream_scheme,omitempty"`
	// UpstreamDialTimeoutMillis bounds the TCP handshake to the upstream.
	UpstreamDialTimeoutMillis int64 `json:"upstream_dial_timeout_ms,omitempty" toml:"upstream_dial_timeout_ms,omitempty"`

	InitialClientWindowSize int64  `json:"initial_client_window_size,omitempty" toml:"initial_client_window_size,omitempty"`
	InitialServerWindowSize int64  `json:"initial_server_window_size,omitempty" toml:"initial_server_window_size,omitempty"`
	WindowUpdateRingSize    int    `json:"window_update_ring_size,omitempty" toml:"window_update_ring_size,omitempty"`
	MinAvgWindowUpdate      int64  `json:"min_avg_window_update,omitempty" toml:"min_avg_window_update,omitempty"`
	SlowStreamThresholdMs   int64  `json:"slow_stream_threshold_ms,omitempty" toml:"slow_stream_threshold_ms,omitempty"`
	HistorySize             int    `json:"history_size,omitempty" toml:"history_size,omitempty"`
	MaxConcurrentStreams    uint32 `json:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
}

// Default values applied by LoadConfig when a field is left unset.
const (
	defaultServerAddress           = ":8443"
	defaultChildReadinessTimeout   = "10s"
	defaultGracefulShutdownTimeout = "30s"
	defaultLogLevel                = LogLevelInfo
	defaultAccessLogEnabled        = true
	defaultAccessLogTarget         = "stdout"
	defaultAccessLogFormat         = "json"
	defaultAccessLogRealIPHeader   = "X-Forwarded-For"
	defaultErrorLogTarget          = "stderr"

	defaultUpstreamScheme            = "http"
	defaultUpstreamDialTimeoutMillis = int64(10_000)
	defaultInitialClientWindowSize   = int64(65535)
	defaultInitialServerWindowSize   = int64(65535)
	defaultWindowUpdateRingSize      = 8
	defaultMinAvgWindowUpdate        = int64(1024)
	defaultSlowStreamThresholdMs     = int64(30_000)
	defaultHistorySize               = 32
	defaultMaxConcurrentStreams      = uint32(100)
)

// LoadConfig reads the configuration file at path, auto-detecting JSON
// versus TOML by extension (falling back to trying both when the
// extension is unrecognized), applies defaults for every unset field,
// validates the result, and returns it.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg, err := parseConfigBytes(data, path)
	if err != nil {
		return nil, err
	}
	cfg.originalFilePath = path

	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseConfigBytes(data []byte, path string) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		var cfg Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		return &cfg, nil
	case ".toml":
		var cfg Config
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
		return &cfg, nil
	default:
		var jsonCfg Config
		jsonErr := json.Unmarshal(data, &jsonCfg)
		if jsonErr == nil {
			return &jsonCfg, nil
		}
		var tomlCfg Config
		tomlErr := toml.Unmarshal(data, &tomlCfg)
		if tomlErr == nil {
			return &tomlCfg, nil
		}
		return nil, fmt.Errorf("failed to auto-detect and parse config as JSON or TOML (JSON error: %v; TOML error: %v)", jsonErr, tomlErr)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		addr := defaultServerAddress
		cfg.Server.Address = &addr
	}
	if cfg.Server.ChildReadinessTimeout == nil {
		t := defaultChildReadinessTimeout
		cfg.Server.ChildReadinessTimeout = &t
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		t := defaultGracefulShutdownTimeout
		cfg.Server.GracefulShutdownTimeout = &t
	}

	if cfg.Proxy == nil {
		cfg.Proxy = &ProxyConfig{}
	}
	if cfg.Proxy.UpstreamScheme == "" {
		cfg.Proxy.UpstreamScheme = defaultUpstreamScheme
	}
	if cfg.Proxy.UpstreamDialTimeoutMillis == 0 {
		cfg.Proxy.UpstreamDialTimeoutMillis = defaultUpstreamDialTimeoutMillis
	}
	if cfg.Proxy.InitialClientWindowSize == 0 {
		cfg.Proxy.InitialClientWindowSize = defaultInitialClientWindowSize
	}
	if cfg.Proxy.InitialServerWindowSize == 0 {
		cfg.Proxy.InitialServerWindowSize = defaultInitialServerWindowSize
	}
	if cfg.Proxy.WindowUpdateRingSize == 0 {
		cfg.Proxy.WindowUpdateRingSize = defaultWindowUpdateRingSize
	}
	if cfg.Proxy.MinAvgWindowUpdate == 0 {
		cfg.Proxy.MinAvgWindowUpdate = defaultMinAvgWindowUpdate
	}
	if cfg.Proxy.SlowStreamThresholdMs == 0 {
		cfg.Proxy.SlowStreamThresholdMs = defaultSlowStreamThresholdMs
	}
	if cfg.Proxy.HistorySize == 0 {
		cfg.Proxy.HistorySize = defaultHistorySize
	}
	if cfg.Proxy.MaxConcurrentStreams == 0 {
		cfg.Proxy.MaxConcurrentStreams = defaultMaxConcurrentStreams
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = defaultLogLevel
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		enabled := defaultAccessLogEnabled
		cfg.Logging.AccessLog.Enabled = &enabled
	}
	if cfg.Logging.AccessLog.Target == nil {
		target := defaultAccessLogTarget
		cfg.Logging.AccessLog.Target = &target
	}
	if cfg.Logging.AccessLog.Format == "" {
		cfg.Logging.AccessLog.Format = defaultAccessLogFormat
	}
	if cfg.Logging.AccessLog.RealIPHeader == nil {
		header := defaultAccessLogRealIPHeader
		cfg.Logging.AccessLog.RealIPHeader = &header
	}
	if cfg.Logging.AccessLog.TrustedProxies == nil {
		cfg.Logging.AccessLog.TrustedProxies = []string{}
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == nil {
		target := defaultErrorLogTarget
		cfg.Logging.ErrorLog.Target = &target
	}
}

func validateConfig(cfg *Config) error {
	if err := validateServerConfig(cfg.Server); err != nil {
		return err
	}
	if err := validateLoggingConfig(cfg.Logging); err != nil {
		return err
	}
	return nil
}

func validateServerConfig(sc *ServerConfig) error {
	if sc.Address != nil && *sc.Address == "" {
		return fmt.Errorf("server.address cannot be an empty string")
	}
	if sc.ExecutablePath != nil && *sc.ExecutablePath == "" {
		return fmt.Errorf("server.executable_path, if provided, cannot be empty")
	}
	if err := validateOptionalPositiveDuration(sc.ChildReadinessTimeout, "server.child_readiness_timeout"); err != nil {
		return err
	}
	if err := validateOptionalPositiveDuration(sc.GracefulShutdownTimeout, "server.graceful_shutdown_timeout"); err != nil {
		return err
	}
	if (sc.TLSCertFile == nil) != (sc.TLSKeyFile == nil) {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if sc.TLSCertFile != nil && *sc.TLSCertFile == "" {
		return fmt.Errorf("server.tls_cert_file, if provided, cannot be empty")
	}
	if sc.TLSKeyFile != nil && *sc.TLSKeyFile == "" {
		return fmt.Errorf("server.tls_key_file, if provided, cannot be empty")
	}
	return nil
}

func validateOptionalPositiveDuration(val *string, field string) error {
	if val == nil {
		return nil
	}
	if *val == "" {
		return fmt.Errorf("%s cannot be an empty string if specified", field)
	}
	d, err := time.ParseDuration(*val)
	if err != nil {
		return fmt.Errorf("invalid format for %s '%s': %w", field, *val, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be a positive duration, got '%s'", field, *val)
	}
	return nil
}

func validateLoggingConfig(lc *LoggingConfig) error {
	switch lc.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level '%s' is invalid; must be one of 'DEBUG', 'INFO', 'WARNING', 'ERROR'", lc.LogLevel)
	}

	if al := lc.AccessLog; al != nil {
		if err := validateLogTarget(al.Target, "logging.access_log.target"); err != nil {
			return err
		}
		if al.Format != "" && al.Format != "json" {
			return fmt.Errorf("logging.access_log.format '%s' is invalid; currently only 'json' is supported", al.Format)
		}
		if al.RealIPHeader != nil && *al.RealIPHeader == "" {
			return fmt.Errorf("logging.access_log.real_ip_header, if provided, cannot be empty")
		}
		for _, entry := range al.TrustedProxies {
			if net.ParseIP(entry) != nil {
				continue
			}
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("logging.access_log.trusted_proxies entry '%s' is not a valid CIDR or IP address", entry)
			}
		}
	}

	if el := lc.ErrorLog; el != nil {
		if err := validateLogTarget(el.Target, "logging.error_log.target"); err != nil {
			return err
		}
	}

	return nil
}

func validateLogTarget(target *string, field string) error {
	if target == nil {
		return nil
	}
	if *target == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if IsFilePath(*target) && !filepath.IsAbs(*target) {
		return fmt.Errorf("%s path '%s' must be absolute", field, *target)
	}
	return nil
}

// IsFilePath reports whether target names a file path rather than one of
// the special sink names "stdout"/"stderr".
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}
