package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"packsync/models"
)

func newPipeConnection(t *testing.T) (*PeerConnection, net.Conn) {
	t.Helper()

	localConn, remoteConn := net.Pipe()
	t.Cleanup(func() {
		_ = remoteConn.Close()
	})

	pc := newPeerConnection(localConn, bytes.Repeat([]byte{0x11}, 32), models.PeerIdentity{ID: "peer"}, ConnectionOptions{
		LocalPeerID: "local",
		IdleTimeout: time.Second,
	})
	t.Cleanup(func() {
		_ = pc.Close()
	})
	return pc, remoteConn
}

func TestPeerConnectionReceivesDecodedMessages(t *testing.T) {
	pc, remote := newPipeConnection(t)

	go func() {
		_ = WriteMessage(remote, ManifestRequest{Name: "pack"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := pc.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	req, ok := got.(ManifestRequest)
	if !ok || req.Name != "pack" {
		t.Fatalf("unexpected message %#v", got)
	}
	if pc.BytesReceived() == 0 {
		t.Fatalf("expected received bytes to be counted")
	}
}

func TestPeerConnectionSend(t *testing.T) {
	pc, remote := newPipeConnection(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- pc.Send(FileAck{Path: "a.txt", Success: true})
	}()

	msg, err := ReadMessage(remote)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if ack, ok := msg.(FileAck); !ok || !ack.Success {
		t.Fatalf("unexpected message %#v", msg)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	payload, err := Encode(FileAck{Path: "a.txt", Success: true})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if got, want := pc.BytesSent(), int64(len(payload)+4); got != want {
		t.Fatalf("BytesSent = %d, want %d", got, want)
	}
}

func TestPeerConnectionReceiveHonoursContext(t *testing.T) {
	pc, _ := newPipeConnection(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pc.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPeerConnectionClosesOnMalformedFrame(t *testing.T) {
	pc, remote := newPipeConnection(t)

	go func() {
		_ = WriteFrame(remote, []byte(`{"type":"bogus"}`))
	}()

	select {
	case <-pc.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection did not close on malformed frame")
	}
	if !errors.Is(pc.LastError(), ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", pc.LastError())
	}
	if _, err := pc.Receive(context.Background()); err == nil {
		t.Fatalf("expected Receive on closed connection to fail")
	}
}

func TestPeerConnectionIdleTimeout(t *testing.T) {
	pc, _ := newPipeConnection(t)

	select {
	case <-pc.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("idle connection was not closed")
	}
	if !errors.Is(pc.LastError(), ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", pc.LastError())
	}
}

func TestPeerConnectionRemoteCloseIsEOF(t *testing.T) {
	pc, remote := newPipeConnection(t)
	_ = remote.Close()

	_, err := pc.Receive(context.Background())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
