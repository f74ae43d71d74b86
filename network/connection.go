package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"packsync/crypto"
	"packsync/models"
)

var (
	// ErrIdleTimeout indicates the peer stayed silent past the idle timeout.
	ErrIdleTimeout = errors.New("network: connection idle timeout")
)

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	LocalPeerID string
	IdleTimeout time.Duration
}

// PeerConnection is a framed TCP connection after a completed handshake.
// Sends are serialized; inbound messages are decoded by a read loop.
type PeerConnection struct {
	conn net.Conn

	sessionKey crypto.SessionKey
	localID    string
	peer       models.PeerIdentity

	sendMu sync.Mutex

	idleTimeout time.Duration
	inbound     chan Message

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(conn net.Conn, sessionKey crypto.SessionKey, peer models.PeerIdentity, options ConnectionOptions) *PeerConnection {
	idle := options.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	if peer.Address == "" && conn.RemoteAddr() != nil {
		peer.Address = conn.RemoteAddr().String()
	}

	pc := &PeerConnection{
		conn:        conn,
		sessionKey:  append(crypto.SessionKey(nil), sessionKey...),
		localID:     options.LocalPeerID,
		peer:        peer,
		idleTimeout: idle,
		inbound:     make(chan Message, 16),
		closed:      make(chan struct{}),
	}

	go pc.readLoop()
	return pc
}

// Peer returns the identity the remote presented at handshake.
func (pc *PeerConnection) Peer() models.PeerIdentity {
	return pc.peer
}

// SessionKey returns the negotiated session key.
func (pc *PeerConnection) SessionKey() crypto.SessionKey {
	return pc.sessionKey
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// BytesSent and BytesReceived count frame bytes including headers.
func (pc *PeerConnection) BytesSent() int64     { return pc.bytesSent.Load() }
func (pc *PeerConnection) BytesReceived() int64 { return pc.bytesReceived.Load() }

// Send writes msg as one frame.
func (pc *PeerConnection) Send(msg Message) error {
	select {
	case <-pc.closed:
		if err := pc.LastError(); err != nil {
			return err
		}
		return io.EOF
	default:
	}

	payload, err := Encode(msg)
	if err != nil {
		return err
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if err := WriteFrame(pc.conn, payload); err != nil {
		pc.closeWithError(err)
		return err
	}
	pc.bytesSent.Add(int64(len(payload) + 4))
	// Streaming a large file is activity even though the peer stays quiet.
	_ = pc.conn.SetReadDeadline(time.Now().Add(pc.idleTimeout))
	return nil
}

// Receive waits for the next inbound message.
func (pc *PeerConnection) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-pc.inbound:
		return msg, nil
	case <-pc.closed:
		// Drain anything decoded before the close.
		select {
		case msg := <-pc.inbound:
			return msg, nil
		default:
		}
		if err := pc.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close terminates the connection.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	return nil
}

func (pc *PeerConnection) readLoop() {
	for {
		if err := pc.conn.SetReadDeadline(time.Now().Add(pc.idleTimeout)); err != nil {
			pc.closeWithError(fmt.Errorf("set read deadline: %w", err))
			return
		}

		payload, err := ReadFrame(pc.conn)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				pc.closeWithError(ErrIdleTimeout)
			case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
				pc.closeWithError(nil)
			default:
				pc.closeWithError(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		pc.bytesReceived.Add(int64(len(payload) + 4))

		msg, err := Decode(payload)
		if err != nil {
			pc.closeWithError(err)
			return
		}

		select {
		case pc.inbound <- msg:
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		_ = pc.conn.Close()
		close(pc.closed)
	})
}
