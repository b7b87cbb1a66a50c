package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"example.com/h2streamproxy/internal/config"
	"example.com/h2streamproxy/internal/h2conn"
	"example.com/h2streamproxy/internal/h2stream"
	"example.com/h2streamproxy/internal/httpframe"
	"example.com/h2streamproxy/internal/logger"
	"example.com/h2streamproxy/internal/upstream"
	"example.com/h2streamproxy/internal/util"
)

// Server manages the proxy's HTTP/2 server lifecycle: listening sockets,
// per-connection driving of h2conn.Connection, and graceful shutdown.
// There is no routing layer — every stream's transaction is handed to an
// upstream.Driver, either against a fixed configured origin (reverse
// proxy) or against the target named by the request's :authority
// (forward proxy), selected by whether cfg.Proxy.UpstreamAddress is set.
type Server struct {
	cfg *config.Config
	log *logger.Logger

	dialer      upstream.Dialer
	dialTimeout time.Duration
	tlsConfig   *tls.Config

	mu          sync.RWMutex
	listeners   []net.Listener
	listenerFDs []uintptr
	activeConns map[*h2conn.Connection]struct{}

	configFilePath string

	shutdownChan  chan struct{}
	doneChan      chan struct{}
	reloadChan    chan os.Signal
	stopAccepting chan struct{}

	isChild      bool
	childProcess *os.Process
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, lg *logger.Logger, originalCfgPath string) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Proxy == nil {
		return nil, fmt.Errorf("proxy configuration section (proxy) is missing")
	}

	dialTimeout := time.Duration(cfg.Proxy.UpstreamDialTimeoutMillis) * time.Millisecond
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:            cfg,
		log:            lg,
		dialer:         upstream.NewTCPDialer(dialTimeout),
		dialTimeout:    dialTimeout,
		activeConns:    make(map[*h2conn.Connection]struct{}),
		configFilePath: originalCfgPath,
		shutdownChan:   make(chan struct{}),
		doneChan:       make(chan struct{}),
		reloadChan:     make(chan os.Signal, 1),
		stopAccepting:  make(chan struct{}),
	}

	if (cfg.Server.TLSCertFile != nil) != (cfg.Server.TLSKeyFile != nil) {
		return nil, fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if cfg.Server.TLSCertFile != nil && cfg.Server.TLSKeyFile != nil {
		cert, err := tls.LoadX509KeyPair(*cfg.Server.TLSCertFile, *cfg.Server.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate/key pair: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2"},
			MinVersion:   tls.VersionTLS12,
		}
	}

	inheritedFDs, err := util.ParseInheritedListenerFDs(util.ListenFdsEnvKey)
	if err != nil {
		if os.Getenv(util.ListenFdsEnvKey) != "" {
			return nil, fmt.Errorf("error parsing inherited listener FDs from %s: %w", util.ListenFdsEnvKey, err)
		}
	}

	if len(inheritedFDs) > 0 {
		s.isChild = true
		s.listenerFDs = inheritedFDs
	}

	return s, nil
}

// initializeListeners sets up the server's network listeners.
// If the server is a child process (s.isChild is true), it uses inherited file descriptors
// from s.listenerFDs (parsed from LISTEN_FDS env var by NewServer).
// Otherwise, it creates new listeners based on s.cfg.Server.Address.
// All listeners will have FD_CLOEXEC cleared.
// The method populates s.listeners and s.listenerFDs.
func (s *Server) initializeListeners() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isChild {
		if len(s.listenerFDs) == 0 {
			return fmt.Errorf("server marked as child (isChild=true), but no inherited listener FDs found in s.listenerFDs")
		}
		s.log.Info("Initializing server with inherited listener FDs", logger.LogFields{"fds": s.listenerFDs})

		listeners := make([]net.Listener, len(s.listenerFDs))
		for i, fd := range s.listenerFDs {
			listener, err := util.NewListenerFromFD(fd)
			if err != nil {
				for j := 0; j < i; j++ {
					if listeners[j] != nil {
						listeners[j].Close()
					}
				}
				return fmt.Errorf("failed to create listener from inherited FD %d: %w", fd, err)
			}
			listeners[i] = listener
			s.log.Info("Successfully created listener from inherited FD", logger.LogFields{"fd": fd, "localAddr": listener.Addr().String()})
		}
		s.listeners = listeners
	} else {
		s.log.Info("Initializing server with new listeners (not inherited)", nil)

		var listenAddress string
		if s.cfg.Server == nil {
			return fmt.Errorf("server configuration section (server) is missing, cannot determine listen address")
		}
		if s.cfg.Server.Address == nil {
			return fmt.Errorf("server listen address (server.address) is not configured (is nil)")
		}
		if *s.cfg.Server.Address == "" {
			return fmt.Errorf("server listen address (server.address) is configured but is an empty string")
		}
		listenAddress = *s.cfg.Server.Address

		listener, fd, err := util.CreateListenerAndGetFD(listenAddress)
		if err != nil {
			return fmt.Errorf("failed to create new listener on %s: %w", listenAddress, err)
		}
		s.listeners = []net.Listener{listener}
		s.listenerFDs = []uintptr{fd}
		s.log.Info("Successfully created new listener", logger.LogFields{"address": listenAddress, "fd": fd, "localAddr": listener.Addr().String()})
	}

	if len(s.listeners) == 0 {
		return fmt.Errorf("no listeners were initialized for the server")
	}

	if s.tlsConfig != nil {
		for i, l := range s.listeners {
			s.listeners[i] = tls.NewListener(l, s.tlsConfig)
		}
		s.log.Info("TLS enabled on all listeners", nil)
	}

	return nil
}

// Run brings up the listeners and accepts connections until Shutdown is
// called or every listener's Accept loop exits. It returns once every
// accept loop has exited; connections already accepted are not waited for.
func (s *Server) Run() error {
	if err := s.initializeListeners(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()

	for _, l := range listeners {
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			s.acceptLoop(l)
		}(l)
	}

	wg.Wait()
	close(s.doneChan)
	return nil
}

func (s *Server) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.stopAccepting:
				return
			default:
			}
			s.log.Warn("accept failed", logger.LogFields{"error": err.Error(), "listener": l.Addr().String()})
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn drives one accepted net.Conn through its full HTTP/2
// lifetime: handshake, frame dispatch, and per-stream transaction
// driving via upstream.Driver, until the peer or an error ends it.
func (s *Server) handleConn(nc net.Conn) {
	streamCfg := s.streamConfig()
	settingsOverride := map[httpframe.SettingID]uint32{}
	if s.cfg.Proxy.MaxConcurrentStreams > 0 {
		settingsOverride[httpframe.SettingMaxConcurrentStreams] = s.cfg.Proxy.MaxConcurrentStreams
	}

	c := h2conn.NewConnection(nc, s.log, false, settingsOverride, s.driverFactory, streamCfg)

	s.mu.Lock()
	s.activeConns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.activeConns, c)
		s.mu.Unlock()
	}()

	if err := c.Serve(); err != nil {
		s.log.Debug("connection ended", logger.LogFields{"remote": nc.RemoteAddr().String(), "error": err.Error()})
	}
}

// driverFactory builds the upstream.Driver for a freshly header-decoded
// stream, picking the forward target per cfg.Proxy.UpstreamAddress.
func (s *Server) driverFactory(st *h2stream.Stream) h2stream.Continuation {
	target := s.resolveTarget(st)
	return upstream.NewDriver(st, target, s.dialer, s.dialTimeout, s.log)
}

// resolveTarget picks the upstream host:port for a stream: the fixed
// reverse-proxy address if configured, otherwise the request's
// :authority (forward-proxy mode), defaulting to port 80 if the
// authority carries none.
func (s *Server) resolveTarget(st *h2stream.Stream) string {
	if s.cfg.Proxy.UpstreamAddress != "" {
		return s.cfg.Proxy.UpstreamAddress
	}

	var authority string
	for _, f := range st.RequestHeader() {
		if f.Name == ":authority" {
			authority = f.Value
			break
		}
	}
	if authority == "" {
		return authority
	}
	if !strings.Contains(authority, ":") {
		return authority + ":80"
	}
	return authority
}

func (s *Server) streamConfig() h2stream.Config {
	p := s.cfg.Proxy

	clientWnd := p.InitialClientWindowSize
	if clientWnd <= 0 {
		clientWnd = int64(httpframe.DefaultInitialWindowSize)
	}
	serverWnd := p.InitialServerWindowSize
	if serverWnd <= 0 {
		serverWnd = int64(httpframe.DefaultInitialWindowSize)
	}
	ringSize := p.WindowUpdateRingSize
	if ringSize <= 0 {
		ringSize = 8
	}
	minAvg := p.MinAvgWindowUpdate
	if minAvg <= 0 {
		minAvg = 1024
	}
	historySize := p.HistorySize
	if historySize <= 0 {
		historySize = 32
	}
	slowThreshold := time.Duration(p.SlowStreamThresholdMs) * time.Millisecond
	if slowThreshold <= 0 {
		slowThreshold = 30 * time.Second
	}

	return h2stream.Config{
		InitialClientRwnd:    clientWnd,
		InitialServerRwnd:    serverWnd,
		WindowUpdateRingSize: ringSize,
		MinAvgWindowUpdate:   minAvg,
		SlowStreamThreshold:  slowThreshold,
		HistorySize:          historySize,
	}
}

// Shutdown stops accepting new connections and closes the listeners.
// In-flight connections are left to drain on their own; Run returns once
// every acceptLoop has exited.
func (s *Server) Shutdown() {
	close(s.stopAccepting)
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, l := range listeners {
		l.Close()
	}
}

// Done returns a channel closed once Run has returned.
func (s *Server) Done() <-chan struct{} {
	return s.doneChan
}
