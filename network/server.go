package network

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Server accepts inbound TCP connections and hands each to a Handler.
type Server struct {
	listener net.Listener
	handler  *Handler

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop. An empty address binds
// an ephemeral port on all interfaces.
func Listen(address string, handler *Handler) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("listen on %q: handler is required", address)
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
	}

	server.wg.Add(1)
	go server.acceptLoop()
	log.Infow("listening", "address", listener.Addr().String())
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting, cancels every live connection and waits for them.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			log.Warnw("accept connection failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler.Serve(s.ctx, conn)
		}()
	}
}
