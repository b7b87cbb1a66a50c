package logger

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/h2streamproxy/internal/config"
)

// LogFields is the structured-field map passed to Info/Error/Debug/Warn,
// forwarded to the underlying zerolog.Logger's Fields().
type LogFields = map[string]interface{}

// parsedProxiesContainer holds pre-parsed trusted proxy IP addresses and CIDR blocks.
type parsedProxiesContainer struct {
	cidrs []*net.IPNet
	ips   []net.IP
}

// AccessLogger handles access logging. The sink is a zerolog.Logger writing
// structured, one-line-per-request JSON; config.AccessLogConfig only
// controls where that sink writes and which proxies it trusts.
type AccessLogger struct {
	logger        zerolog.Logger
	config        config.AccessLogConfig
	mu            sync.Mutex
	output        io.WriteCloser
	parsedProxies parsedProxiesContainer
}

// ErrorLogger handles error logging, again via a zerolog.Logger sink.
type ErrorLogger struct {
	logger         zerolog.Logger
	config         config.ErrorLogConfig
	globalLogLevel config.LogLevel
	mu             sync.Mutex
	output         io.WriteCloser
}

// Logger is a general logger that contains specific loggers for access and errors.
type Logger struct {
	accessLog      *AccessLogger
	errorLog       *ErrorLogger
	globalLogLevel config.LogLevel
}

// stringOrDefault dereferences p, falling back to def when p is nil.
func stringOrDefault(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

// NewLogger creates and configures a new Logger instance.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	var err error
	l := &Logger{
		globalLogLevel: cfg.LogLevel,
	}

	// Setup Error Logger
	if cfg.ErrorLog != nil {
		errTarget := stringOrDefault(cfg.ErrorLog.Target, "stderr")
		var errorOutput io.WriteCloser = os.Stderr // Default
		if errTarget != "stderr" {
			if errTarget == "stdout" {
				errorOutput = os.Stdout
			} else if config.IsFilePath(errTarget) {
				// Ensure path is absolute (validated in config)
				// ReopenLogFiles reopens this same path.
				file, errOpen := os.OpenFile(errTarget, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if errOpen != nil {
					return nil, fmt.Errorf("failed to open error log file %s: %w", errTarget, errOpen)
				}
				errorOutput = file
			} else {
				// Should not happen if config validation is correct
				return nil, fmt.Errorf("invalid error log target: %s", errTarget)
			}
		}
		l.errorLog = &ErrorLogger{
			logger:         zerolog.New(errorOutput).With().Timestamp().Logger(),
			config:         *cfg.ErrorLog,
			globalLogLevel: cfg.LogLevel,
			output:         errorOutput,
		}
	} else {
		// This case should ideally be prevented by config defaulting.
		// If ErrorLog is nil, we might default to a stderr logger with default LogLevel.
		// For now, let's assume config ensures ErrorLog is non-nil.
		stderrTarget := "stderr"
		l.errorLog = &ErrorLogger{ // Default to stderr if not configured
			logger:         zerolog.New(os.Stderr).With().Timestamp().Logger(),
			config:         config.ErrorLogConfig{Target: &stderrTarget}, // Minimal default
			globalLogLevel: config.LogLevelInfo,                          // Default log level
			output:         os.Stderr,
		}
	}

	// Setup Access Logger
	if cfg.AccessLog != nil && (cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled) {
		accessTarget := stringOrDefault(cfg.AccessLog.Target, "stdout")
		var accessOutput io.WriteCloser = os.Stdout // Default
		if accessTarget != "stdout" {
			if accessTarget == "stderr" {
				accessOutput = os.Stderr
			} else if config.IsFilePath(accessTarget) {
				// Ensure path is absolute (validated in config)
				// ReopenLogFiles reopens this same path.
				file, errOpen := os.OpenFile(accessTarget, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if errOpen != nil {
					return nil, fmt.Errorf("failed to open access log file %s: %w", accessTarget, errOpen)
				}
				accessOutput = file
			} else {
				// Should not happen if config validation is correct
				return nil, fmt.Errorf("invalid access log target: %s", accessTarget)
			}
		}

		parsedProxies, errP := preParseTrustedProxies(cfg.AccessLog.TrustedProxies)
		if errP != nil {
			// Close any opened files before returning error
			if l.errorLog != nil && l.errorLog.output != os.Stderr && l.errorLog.output != os.Stdout {
				l.errorLog.output.Close()
			}
			if accessOutput != os.Stdout && accessOutput != os.Stderr {
				// This specific accessOutput might not be assigned to l.accessLog.output yet
				// but if it was opened, it should be closed.
				if f, ok := accessOutput.(*os.File); ok {
					f.Close()
				}
			}
			return nil, fmt.Errorf("failed to parse trusted proxies for access log: %w", errP)
		}
		l.accessLog = &AccessLogger{
			logger:        zerolog.New(accessOutput).With().Timestamp().Logger(),
			config:        *cfg.AccessLog,
			output:        accessOutput,
			parsedProxies: parsedProxies,
		}
	}

	// TODO: Implement SIGHUP signal handling for log file reopening.

	return l, err
}

// preParseTrustedProxies converts string representations of IPs and CIDRs
// into net.IP and *net.IPNet objects for efficient checking.
func preParseTrustedProxies(proxyStrings []string) (parsedProxiesContainer, error) {
	container := parsedProxiesContainer{
		cidrs: make([]*net.IPNet, 0),
		ips:   make([]net.IP, 0),
	}

	if proxyStrings == nil {
		return container, nil // No proxies to parse
	}

	for _, pStr := range proxyStrings {
		pStr = strings.TrimSpace(pStr)
		if pStr == "" {
			continue
		}
		if strings.Contains(pStr, "/") { // Likely a CIDR
			_, ipNet, err := net.ParseCIDR(pStr)
			if err != nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid CIDR string in trusted_proxies '%s': %w", pStr, err)
			}
			container.cidrs = append(container.cidrs, ipNet)
		} else { // Likely a single IP
			ip := net.ParseIP(pStr)
			if ip == nil {
				return parsedProxiesContainer{}, fmt.Errorf("invalid IP string in trusted_proxies '%s'", pStr)
			}
			container.ips = append(container.ips, ip)
		}
	}
	return container, nil
}

// isIPTrusted checks if a given IP address is in the list of trusted proxies.
func isIPTrusted(ip net.IP, trustedProxies parsedProxiesContainer) bool {
	if ip == nil {
		return false // A nil IP cannot be trusted
	}
	for _, trustedCIDR := range trustedProxies.cidrs {
		if trustedCIDR.Contains(ip) {
			return true
		}
	}
	for _, trustedIP := range trustedProxies.ips {
		if trustedIP.Equal(ip) {
			return true
		}
	}
	return false
}

// getRealClientIP determines the client's real IP address based on request headers
// and trusted proxy configuration.
// remoteAddr is the direct peer's address (e.g., from http.Request.RemoteAddr).
// headers are the HTTP request headers.
// realIPHeaderName is the name of the header to check (e.g., "X-Forwarded-For").
// trustedProxies contains the pre-parsed list of trusted proxy IPs and CIDRs.

func getRealClientIP(remoteAddr string, headers http.Header, realIPHeaderName string, trustedProxies parsedProxiesContainer) string {
	var determinedDirectPeerIP string
	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil {
		// Successfully split host:port. host is the host part.
		// It could be an IP literal like "1.2.3.4" or "::1", or a hostname "localhost".
		determinedDirectPeerIP = host
	} else {
		// net.SplitHostPort failed. remoteAddr is not in "host:port" format.
		// It might be a bare IP address (e.g. "1.2.3.4", "::1"),
		// or a hostname, or a path (e.g. for Unix sockets).
		// Try to parse it as an IP. If successful, use its canonical string form.
		ip := net.ParseIP(remoteAddr)
		if ip != nil {
			determinedDirectPeerIP = ip.String() // Use canonical string representation
		} else {
			// Not a parseable IP. Use remoteAddr as is (e.g. "localhost", "[::1]" if malformed by user, path).
			determinedDirectPeerIP = remoteAddr
		}
	}

	if realIPHeaderName == "" {
		return determinedDirectPeerIP
	}

	headerValue := headers.Get(realIPHeaderName)
	if headerValue == "" {
		return determinedDirectPeerIP
	}

	// X-Forwarded-For can be "client, proxy1, proxy2"
	// We need to parse from right to left.
	ipsInHeader := strings.Split(headerValue, ",")
	for i := len(ipsInHeader) - 1; i >= 0; i-- {
		ipStr := strings.TrimSpace(ipsInHeader[i])
		if ipStr == "" { // Handle potential empty strings from "foo,,bar"
			continue
		}

		ip := net.ParseIP(ipStr)
		if ip == nil {
			// "If ... the header is malformed, the direct peer IP is used."
			// A single unparseable IP string in the list makes the header chain unreliable here.
			return determinedDirectPeerIP
		}

		if !isIPTrusted(ip, trustedProxies) {
			return ipStr // This is the first non-trusted IP from the right
		}
	}

	// If we reach here, all IPs in the header were valid and trusted,
	// or the header was effectively empty after trimming spaces.
	return determinedDirectPeerIP
}

// LogAccess constructs and writes an access log entry.
// This is a placeholder for full implementation.
func (al *AccessLogger) LogAccess(
	req *http.Request,
	streamID uint32,
	status int,
	responseBytes int64,
	duration time.Duration,
) {
	if al == nil {
		return // Access logging is disabled or not configured
	}

	// Determine remote_addr and remote_port
	remoteAddrFull := req.RemoteAddr
	_, clientPortStr, err := net.SplitHostPort(remoteAddrFull)
	if err != nil {
		// Could be just an IP, or malformed.
		// For logging, we'll try to use remoteAddrFull as IP if it's not splitable.
		clientPortStr = "0" // Or some other indicator of unknown port
	}

	realIPHeaderName := ""
	if al.config.RealIPHeader != nil {
		realIPHeaderName = *al.config.RealIPHeader
	}
	resolvedRemoteAddr := getRealClientIP(remoteAddrFull, req.Header, realIPHeaderName, al.parsedProxies)

	ev := al.logger.Info().
		Str("remote_addr", resolvedRemoteAddr).
		Str("remote_port", clientPortStr).
		Str("protocol", req.Proto).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", status).
		Int64("resp_bytes", responseBytes).
		Int64("duration_ms", duration.Milliseconds()).
		Uint32("h2_stream_id", streamID)
	if ua := req.UserAgent(); ua != "" {
		ev = ev.Str("user_agent", ua)
	}
	if ref := req.Referer(); ref != "" {
		ev = ev.Str("referer", ref)
	}

	if al.config.Format == "json" {
		ev.Msg("access")
	} else {
		// Fallback or CLF format (not specified for this stage): still goes
		// through zerolog, just rendered as a single message string.
		ev.Msg(fmt.Sprintf("%s %s %s %d %d %dms (stream %d)",
			resolvedRemoteAddr, req.Method, req.RequestURI, status, responseBytes, duration.Milliseconds(), streamID))
	}
}

// Helper to map config.LogLevel to an internal severity level if needed, or just use it directly.
func getSeverity(level config.LogLevel) int {
	switch level {
	case config.LogLevelDebug:
		return 0
	case config.LogLevelInfo:
		return 1
	case config.LogLevelWarning:
		return 2
	case config.LogLevelError:
		return 3
	default:
		return 1 // Default to INFO
	}
}

// LogError constructs and writes an error log entry.
// This is a placeholder for full implementation.
func (el *ErrorLogger) LogError(level config.LogLevel, msg string, fields ...map[string]interface{}) {
	if el == nil {
		return // Error logging not configured
	}

	// Check against global log level
	if getSeverity(level) < getSeverity(el.globalLogLevel) {
		return // Message severity is below configured threshold
	}

	var zlevel zerolog.Level
	switch level {
	case config.LogLevelDebug:
		zlevel = zerolog.DebugLevel
	case config.LogLevelWarning:
		zlevel = zerolog.WarnLevel
	case config.LogLevelError:
		zlevel = zerolog.ErrorLevel
	default:
		zlevel = zerolog.InfoLevel
	}

	ev := el.logger.WithLevel(zlevel)
	if len(fields) > 0 {
		ev = ev.Fields(fields[0])
	}
	ev.Msg(msg)
}

// Convenience methods on the main Logger
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	if l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelInfo, msg, fields...)
	}
}

func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	if l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelError, msg, fields...)
	}
}

func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	if l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelDebug, msg, fields...)
	}
}

func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	if l.errorLog != nil {
		l.errorLog.LogError(config.LogLevelWarning, msg, fields...)
	}
}

func (l *Logger) Access(req *http.Request, streamID uint32, status int, responseBytes int64, duration time.Duration) {
	if l.accessLog != nil {
		l.accessLog.LogAccess(req, streamID, status, responseBytes, duration)
	}
}

// CloseLogFiles closes any open log files.
// This would be called during server shutdown.
func (l *Logger) CloseLogFiles() {
	if l.accessLog != nil && l.accessLog.output != nil {
		if f, ok := l.accessLog.output.(*os.File); ok {
			if f != os.Stdout && f != os.Stderr {
				f.Close()
			}
		}
	}
	if l.errorLog != nil && l.errorLog.output != nil {
		if f, ok := l.errorLog.output.(*os.File); ok {
			if f != os.Stdout && f != os.Stderr {
				f.Close()
			}
		}
	}
}

// ReopenLogFiles is intended for SIGHUP handling.
// It closes and reopens file-based log targets; stdout/stderr targets are
// left as they are.
func (l *Logger) ReopenLogFiles() error {
	l.errorLog.mu.Lock()
	defer l.errorLog.mu.Unlock()
	if l.errorLog != nil && config.IsFilePath(stringOrDefault(l.errorLog.config.Target, "stderr")) {
		if f, ok := l.errorLog.output.(*os.File); ok {
			if f != os.Stdout && f != os.Stderr { // Don't try to reopen stdio
				filePath := f.Name() // Get path from existing file
				if err := f.Close(); err != nil {
					// Log to stderr as a fallback if reopening fails critically
					fmt.Fprintf(os.Stderr, "error closing error log file %s during reopen: %v\n", filePath, err)
					// Continue to attempt reopening
				}

				newFile, errOpen := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if errOpen != nil {
					fmt.Fprintf(os.Stderr, "failed to reopen error log file %s: %v. logging may be impaired\n", filePath, errOpen)
					// Attempt to restore logging to stderr as a last resort
					l.errorLog.logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
					l.errorLog.output = os.Stderr
					return fmt.Errorf("failed to reopen error log file %s: %w", filePath, errOpen)
				}
				l.errorLog.logger = zerolog.New(newFile).With().Timestamp().Logger()
				l.errorLog.output = newFile
			}
		}
	}

	l.accessLog.mu.Lock()
	defer l.accessLog.mu.Unlock()
	if l.accessLog != nil && config.IsFilePath(stringOrDefault(l.accessLog.config.Target, "stdout")) {
		if f, ok := l.accessLog.output.(*os.File); ok {
			if f != os.Stdout && f != os.Stderr {
				filePath := f.Name()
				if err := f.Close(); err != nil {
					fmt.Fprintf(os.Stderr, "error closing access log file %s during reopen: %v\n", filePath, err)
				}
				newFile, errOpen := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if errOpen != nil {
					fmt.Fprintf(os.Stderr, "failed to reopen access log file %s: %v. logging may be impaired\n", filePath, errOpen)
					l.accessLog.logger = zerolog.New(os.Stdout).With().Timestamp().Logger() // Fallback
					l.accessLog.output = os.Stdout
					return fmt.Errorf("failed to reopen access log file %s: %w", filePath, errOpen)
				}
				l.accessLog.logger = zerolog.New(newFile).With().Timestamp().Logger()
				l.accessLog.output = newFile
			}
		}
	}
	return nil
}

// Ensure config.IsFilePath is available or reimplement logic if not directly accessible
// For now, assuming config.IsFilePath is exported from the config package.
// If not, it's: func isFilePath(target string) bool { return target != "stdout" && target != "stderr" }
