package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"time"

	"packsync/crypto"
	"packsync/models"
	"packsync/validate"
)

// LocalIdentity is what this instance presents at handshake.
// Signing is optional; without it peers see this instance as unverified.
type LocalIdentity struct {
	PeerID  string
	Name    string
	Signing *crypto.SigningKeys
}

// HandshakeOptions configures handshake and connection behavior.
type HandshakeOptions struct {
	Identity          LocalIdentity
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if err := validate.ValidatePeerID(o.Identity.PeerID); err != nil {
		return fmt.Errorf("local identity: %w", err)
	}
	if s := o.Identity.Signing; s != nil && len(s.Private) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 private key is invalid")
	}
	return nil
}

func buildHello(identity LocalIdentity, ephemeralPublicKey []byte) (Hello, error) {
	hello := Hello{
		PeerID:          identity.PeerID,
		Name:            identity.Name,
		PublicKey:       ephemeralPublicKey,
		ProtocolVersion: ProtocolVersion,
	}
	if identity.Signing != nil {
		signature, err := crypto.SignPeerID(identity.Signing.Private, identity.PeerID)
		if err != nil {
			return Hello{}, fmt.Errorf("sign peer id: %w", err)
		}
		hello.SigningKey = append([]byte(nil), identity.Signing.Public...)
		hello.Signature = signature
	}
	return hello, nil
}

// helloError is the refusal to send for an unacceptable Hello, nil if acceptable.
func helloError(hello Hello) *ErrorMessage {
	if hello.ProtocolVersion != ProtocolVersion {
		return &ErrorMessage{
			Code:              CodeVersionMismatch,
			Message:           fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, hello.ProtocolVersion),
			SupportedVersions: []int{ProtocolVersion},
		}
	}
	if err := validate.ValidatePeerID(hello.PeerID); err != nil {
		return &ErrorMessage{Code: CodeInvalidPeerID, Message: err.Error()}
	}
	if len(hello.PublicKey) == 0 {
		return &ErrorMessage{Code: CodeEncryptionRequired, Message: "A public key is required; unencrypted sessions are not supported."}
	}
	if err := validate.ValidateText("name", hello.Name, validate.MaxDisplayNameLength); err != nil {
		return &ErrorMessage{Code: CodeInvalidField, Message: err.Error()}
	}
	return nil
}

// peerFromHello builds the remote identity. signatureInvalid is set when a
// signature was offered but did not verify.
func peerFromHello(hello Hello) (peer models.PeerIdentity, signatureInvalid bool) {
	peer = models.PeerIdentity{ID: hello.PeerID, Name: hello.Name}
	if len(hello.SigningKey) == 0 && len(hello.Signature) == 0 {
		return peer, false
	}
	if crypto.VerifyPeerID(hello.SigningKey, hello.PeerID, hello.Signature) {
		peer.SigningKey = append([]byte(nil), hello.SigningKey...)
		peer.Verified = true
		return peer, false
	}
	return peer, true
}

// Dial connects to a peer, performs the handshake and returns a ready connection.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	pc, err := clientHandshake(ctx, conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return pc, nil
}

func clientHandshake(ctx context.Context, conn net.Conn, opts HandshakeOptions) (*PeerConnection, error) {
	deadline := time.Now().Add(opts.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	localPrivate, localPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}
	hello, err := buildHello(opts.Identity, localPublic.Bytes())
	if err != nil {
		return nil, err
	}
	if err := WriteMessage(conn, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	reply, err := ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("read hello ack: %w", err)
	}
	ack, ok := reply.(HelloAck)
	if !ok {
		return nil, unexpected(TypeHelloAck, reply)
	}
	if refusal := helloError(Hello(ack)); refusal != nil {
		switch refusal.Code {
		case CodeEncryptionRequired:
			return nil, ErrEncryptionRequired
		case CodeVersionMismatch:
			return nil, ErrUnsupportedVersion
		default:
			return nil, fmt.Errorf("invalid hello ack: %s", refusal.Message)
		}
	}

	sessionKey, err := crypto.KeyExchange(localPrivate, ack.PublicKey, opts.Identity.PeerID, ack.PeerID)
	if err != nil {
		return nil, fmt.Errorf("key exchange: %w", err)
	}

	peer, signatureInvalid := peerFromHello(Hello(ack))
	if signatureInvalid {
		log.Warnw("peer signature did not verify", "peer", ack.PeerID)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, sessionKey, peer, ConnectionOptions{
		LocalPeerID: opts.Identity.PeerID,
		IdleTimeout: opts.IdleTimeout,
	}), nil
}
