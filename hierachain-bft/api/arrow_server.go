package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	logging "github.com/ipfs/go-log/v2"
)

var logger = logging.Logger("bft/api")

// ErrServerRunning is returned when starting a server twice.
var ErrServerRunning = errors.New("server is already running")

// ArrowServer accepts request batches from clients over framed TCP.
type ArrowServer struct {
	handler *ArrowHandler
	auth    *Authenticator
	timeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewArrowServer creates a server that hands requests to admitter. auth may
// be nil to accept every client.
func NewArrowServer(admitter Admitter, auth *Authenticator) *ArrowServer {
	if auth == nil {
		auth = NewAuthenticator()
	}
	return &ArrowServer{
		handler: NewArrowHandler(admitter),
		auth:    auth,
		timeout: 5 * time.Second,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start listens on address and serves until Stop. It blocks.
func (s *ArrowServer) Start(address string) error {
	lis, err := s.listen(address)
	if err != nil {
		return err
	}
	s.serve(lis)
	return nil
}

// StartAsync listens on address and serves in the background.
func (s *ArrowServer) StartAsync(address string) error {
	lis, err := s.listen(address)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(lis)
	}()
	return nil
}

func (s *ArrowServer) listen(address string) (net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrServerRunning
	}
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	logger.Infow("admission server listening", "address", lis.Addr().String(), "auth", s.auth.IsEnabled())
	return lis, nil
}

// Addr returns the listening address, nil before Start.
func (s *ArrowServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *ArrowServer) serve(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Debugf("accept: %v", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

func (s *ArrowServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *ArrowServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers.
func (s *ArrowServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	if err := s.listener.Close(); err != nil {
		logger.Debugf("close listener: %v", err)
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// handleConnection authenticates a client, then answers one reply per
// request frame until the client hangs up.
func (s *ArrowServer) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if s.auth.IsEnabled() {
		if err := s.authenticate(conn); err != nil {
			logger.Warnf("client %s: %v", remote, err)
			return
		}
	}

	for {
		frame, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debugf("client %s: read: %v", remote, err)
			}
			return
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		reply := s.handler.ProcessBatch(ctx, frame)
		cancel()

		if err := WriteMessage(conn, reply); err != nil {
			logger.Debugf("client %s: write: %v", remote, err)
			return
		}
	}
}

func (s *ArrowServer) authenticate(conn net.Conn) error {
	frame, err := ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("read auth: %w", err)
	}
	var msg AuthMessage
	err = json.Unmarshal(frame, &msg)
	if err == nil && msg.Type != "auth" {
		err = fmt.Errorf("%w: got %q frame", ErrAuthRequired, msg.Type)
	}
	if err == nil {
		err = s.auth.ValidateToken(msg.Token)
	}

	resp := AuthResponse{Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	body, merr := json.Marshal(resp)
	if merr != nil {
		return merr
	}
	if werr := WriteMessage(conn, body); werr != nil {
		return werr
	}
	return err
}
