// Package ipc provides inter-process communication for natsim status
// queries and user translations.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/igjeong/natsim/nat"
)

const (
	DefaultPort = 47847
	DefaultAddr = "127.0.0.1:47847"
)

// Commands understood by the server.
const (
	CommandPing      = "ping"
	CommandStatus    = "status"
	CommandTranslate = "translate"
)

// Error codes carried in responses so clients can restore the sentinel.
const (
	CodeInvalidAddress      = "invalid_address"
	CodePortOutOfRange      = "port_out_of_range"
	CodeAllocationExhausted = "allocation_exhausted"
	CodeInvalidTTL          = "invalid_ttl"
	CodeInternal            = "internal"
)

// StatusResponse contains the current state of the simulator.
type StatusResponse struct {
	Running          bool          `json:"running"`
	Uptime           time.Duration `json:"uptime"`
	UptimeStr        string        `json:"uptime_str"`
	ExternalIP       string        `json:"external_ip"`
	TickInterval     string        `json:"tick_interval"`
	ExpiryMode       string        `json:"expiry_mode"`
	SimulatorEnabled bool          `json:"simulator_enabled"`
	ReuseProbability float64       `json:"reuse_probability"`
	ActiveSessions   int           `json:"active_sessions"`
	ActiveEntries    uint64        `json:"active_entries"`
	TotalCreated     uint64        `json:"total_created"`
	TotalExpired     uint64        `json:"total_expired"`
	Ticks            uint64        `json:"ticks"`
	TickFailures     uint64        `json:"tick_failures"`
	Rejected         uint64        `json:"rejected"`
	Entries          []EntryInfo   `json:"entries,omitempty"`
	RecentEvents     []EventInfo   `json:"recent_events,omitempty"`
}

// EntryInfo represents a single translation.
type EntryInfo struct {
	InternalIP   string `json:"internal_ip"`
	InternalPort uint16 `json:"internal_port"`
	DestIP       string `json:"dest_ip"`
	DestPort     uint16 `json:"dest_port"`
	ExternalIP   string `json:"external_ip"`
	ExternalPort uint16 `json:"external_port"`
	TTL          int    `json:"ttl"`
}

// NewEntryInfo converts a table entry.
func NewEntryInfo(e nat.Entry) EntryInfo {
	return EntryInfo{
		InternalIP:   e.InternalIP.String(),
		InternalPort: e.InternalPort,
		DestIP:       e.DestIP.String(),
		DestPort:     e.DestPort,
		ExternalIP:   e.ExternalIP.String(),
		ExternalPort: e.ExternalPort,
		TTL:          e.TTL,
	}
}

// EventInfo represents a recent event.
type EventInfo struct {
	ID      int       `json:"id"`
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Summary string    `json:"summary,omitempty"`
}

// TranslateResponse is the outcome of a translate command.
type TranslateResponse struct {
	Entry   *EntryInfo `json:"entry,omitempty"`
	Created bool       `json:"created"`
	Error   string     `json:"error,omitempty"`
	Code    string     `json:"code,omitempty"`
}

// Request represents an IPC request.
type Request struct {
	Command     string `json:"command"`               // "ping", "status", "translate"
	Destination string `json:"destination,omitempty"` // "IP:port", translate only
}

// Backend answers the requests the server receives.
type Backend interface {
	Status() (*StatusResponse, error)
	Translate(ctx context.Context, destination string) (nat.Entry, bool, error)
}

// Server provides an IPC server for status queries and translations.
type Server struct {
	addr    string
	backend Backend
	logger  *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// ServerOption is a functional option for Server configuration.
type ServerOption func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new IPC server listening on addr.
func NewServer(addr string, backend Backend, opts ...ServerOption) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	s := &Server{
		addr:    addr,
		backend: backend,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *Server) String() string {
	return fmt.Sprintf("ipc.Server@%s", s.addr)
}

// Start begins listening for IPC connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	s.listener = listener
	s.running = true
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go s.acceptLoop(listener, s.stopChan)
	s.logger.Info("Listening", zap.Stringer("addr", listener.Addr()))
	return nil
}

// Stop stops the IPC server and waits for in-flight requests.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.listener.Close()
	s.mu.Unlock()

	s.wg.Wait()
}

// Serve runs the server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

// Addr returns the address the server is listening on, or nil if it is
// not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	return s.listener.Addr()
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

func (s *Server) acceptLoop(listener net.Listener, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			s.logger.Debug("Accept failed", zap.Error(err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Read request
	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		s.logger.Debug("Malformed request", zap.Error(err))
		return
	}

	// Process request
	var response interface{}
	switch req.Command {
	case CommandPing:
		response = map[string]string{"status": "ok"}
	case CommandStatus:
		status, err := s.backend.Status()
		if err != nil {
			response = map[string]string{"error": err.Error()}
			break
		}
		response = status
	case CommandTranslate:
		response = s.translate(req.Destination)
	default:
		response = map[string]string{"error": "unknown command"}
	}

	// Send response
	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(response); err != nil {
		s.logger.Debug("Failed to send response", zap.String("command", req.Command), zap.Error(err))
	}
}

func (s *Server) translate(destination string) *TranslateResponse {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry, created, err := s.backend.Translate(ctx, destination)
	if err != nil {
		return &TranslateResponse{Error: err.Error(), Code: errorCode(err)}
	}
	info := NewEntryInfo(entry)
	return &TranslateResponse{Entry: &info, Created: created}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, nat.ErrInvalidAddressFormat):
		return CodeInvalidAddress
	case errors.Is(err, nat.ErrPortOutOfRange):
		return CodePortOutOfRange
	case errors.Is(err, nat.ErrAllocationExhausted):
		return CodeAllocationExhausted
	case errors.Is(err, nat.ErrInvalidTTL):
		return CodeInvalidTTL
	default:
		return CodeInternal
	}
}

func codeError(code string) error {
	switch code {
	case CodeInvalidAddress:
		return nat.ErrInvalidAddressFormat
	case CodePortOutOfRange:
		return nat.ErrPortOutOfRange
	case CodeAllocationExhausted:
		return nat.ErrAllocationExhausted
	case CodeInvalidTTL:
		return nat.ErrInvalidTTL
	default:
		return nil
	}
}
