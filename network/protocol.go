package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"packsync/models"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (100 MiB).
	MaxFrameSize = 100 * 1024 * 1024
	// ChunkSize is the plaintext size of one file chunk.
	ChunkSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial and handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultIdleTimeout closes connections that stay silent this long.
	DefaultIdleTimeout = 5 * time.Minute
)

// chunkCount is the number of chunks a payload of size bytes is split into.
// An empty payload still travels as one empty chunk.
func chunkCount(size int64) int {
	return int(max(1, (size+ChunkSize-1)/ChunkSize))
}

const (
	TypeHello                    = "hello"
	TypeHelloAck                 = "hello_ack"
	TypeManifestRequest          = "manifest_request"
	TypeManifestResponse         = "manifest_response"
	TypeSyncRequest              = "sync_request"
	TypeSyncAck                  = "sync_ack"
	TypeFileRequest              = "file_request"
	TypeFileHeader               = "file_header"
	TypeFileChunk                = "file_chunk"
	TypeFileAck                  = "file_ack"
	TypeSyncComplete             = "sync_complete"
	TypeError                    = "error"
	TypeFriendRequest            = "friend_request"
	TypeFriendResponse           = "friend_response"
	TypeServerModpackListRequest = "server_modpack_list_request"
	TypeServerModpackList        = "server_modpack_list"
	TypeModpackFileRequest       = "modpack_file_request"
)

// Error codes carried by ErrorMessage.
const (
	CodeEncryptionRequired  = "encryption_required"
	CodeVersionMismatch     = "version_mismatch"
	CodeInvalidPeerID       = "invalid_peer_id"
	CodeBlocked             = "blocked"
	CodeUnexpectedMessage   = "unexpected_message"
	CodeRateLimited         = "rate_limited"
	CodeInvalidName         = "invalid_name"
	CodeNotFound            = "not_found"
	CodeTooLarge            = "too_large"
	CodeUnauthorized        = "unauthorized"
	CodeForbiddenPath       = "forbidden_path"
	CodeExtensionNotAllowed = "extension_not_allowed"
	CodeInvalidField        = "invalid_field"
	CodeInvalidOffset       = "invalid_offset"
	CodeInternal            = "internal"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrEncryptionRequired indicates the peer offered no key exchange material.
	ErrEncryptionRequired = errors.New("network: peer did not provide a public key")
	// ErrUnexpectedMessage indicates a message that is invalid for the current state.
	ErrUnexpectedMessage = errors.New("network: unexpected message")
)

// Message is one protocol message. The set is closed: every implementation
// is registered in messageFactories.
type Message interface {
	MessageType() string
}

type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Hello opens a connection. PublicKey is the sender's ephemeral X25519 key;
// SigningKey and Signature optionally prove ownership of PeerID.
type Hello struct {
	PeerID          string `json:"peer_id"`
	Name            string `json:"name,omitempty"`
	PublicKey       []byte `json:"public_key,omitempty"`
	SigningKey      []byte `json:"signing_key,omitempty"`
	Signature       []byte `json:"signature,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
}

// HelloAck answers Hello with the same fields.
type HelloAck Hello

type ManifestRequest struct {
	Name string `json:"name"`
}

type ManifestResponse struct {
	Name     string          `json:"name"`
	Manifest models.Manifest `json:"manifest"`
}

type SyncRequest struct {
	Name string          `json:"name"`
	Diff models.SyncDiff `json:"diff"`
}

type SyncAck struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

type FileRequest struct {
	Path         string `json:"path"`
	ResumeOffset int64  `json:"resume_offset"`
}

type ModpackFileRequest struct {
	Modpack      string `json:"modpack"`
	Path         string `json:"path"`
	ResumeOffset int64  `json:"resume_offset"`
}

// FileHeader precedes the chunks of one file. Size is the number of payload
// bytes that follow (compressed size when Compressed); OriginalSize is the
// full size of the file on disk.
type FileHeader struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	Hash         string `json:"hash"`
	TotalChunks  int    `json:"total_chunks"`
	Compressed   bool   `json:"compressed"`
	OriginalSize int64  `json:"original_size"`
}

// FileChunk carries one sealed chunk: nonce || ciphertext.
type FileChunk struct {
	Path       string `json:"path"`
	ChunkIndex int    `json:"chunk_index"`
	Data       []byte `json:"data"`
	IsLast     bool   `json:"is_last"`
}

type FileAck struct {
	Path    string `json:"path"`
	Success bool   `json:"success"`
}

type SyncComplete struct {
	Name          string `json:"name,omitempty"`
	FilesReceived int    `json:"files_received"`
	BytesReceived int64  `json:"bytes_received"`
}

// ErrorMessage reports a refusal or protocol error.
type ErrorMessage struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
}

type FriendRequest struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	Message     string `json:"message,omitempty"`
}

type FriendResponse struct {
	Received bool `json:"received"`
}

type ServerModpackListRequest struct{}

type ServerModpackList struct {
	Modpacks []models.ModpackInfo `json:"modpacks"`
}

func (Hello) MessageType() string                    { return TypeHello }
func (HelloAck) MessageType() string                 { return TypeHelloAck }
func (ManifestRequest) MessageType() string          { return TypeManifestRequest }
func (ManifestResponse) MessageType() string         { return TypeManifestResponse }
func (SyncRequest) MessageType() string              { return TypeSyncRequest }
func (SyncAck) MessageType() string                  { return TypeSyncAck }
func (FileRequest) MessageType() string              { return TypeFileRequest }
func (ModpackFileRequest) MessageType() string       { return TypeModpackFileRequest }
func (FileHeader) MessageType() string               { return TypeFileHeader }
func (FileChunk) MessageType() string                { return TypeFileChunk }
func (FileAck) MessageType() string                  { return TypeFileAck }
func (SyncComplete) MessageType() string             { return TypeSyncComplete }
func (ErrorMessage) MessageType() string             { return TypeError }
func (FriendRequest) MessageType() string            { return TypeFriendRequest }
func (FriendResponse) MessageType() string           { return TypeFriendResponse }
func (ServerModpackListRequest) MessageType() string { return TypeServerModpackListRequest }
func (ServerModpackList) MessageType() string        { return TypeServerModpackList }

var messageFactories = map[string]func() Message{
	TypeHello:                    func() Message { return &Hello{} },
	TypeHelloAck:                 func() Message { return &HelloAck{} },
	TypeManifestRequest:          func() Message { return &ManifestRequest{} },
	TypeManifestResponse:         func() Message { return &ManifestResponse{} },
	TypeSyncRequest:              func() Message { return &SyncRequest{} },
	TypeSyncAck:                  func() Message { return &SyncAck{} },
	TypeFileRequest:              func() Message { return &FileRequest{} },
	TypeModpackFileRequest:       func() Message { return &ModpackFileRequest{} },
	TypeFileHeader:               func() Message { return &FileHeader{} },
	TypeFileChunk:                func() Message { return &FileChunk{} },
	TypeFileAck:                  func() Message { return &FileAck{} },
	TypeSyncComplete:             func() Message { return &SyncComplete{} },
	TypeError:                    func() Message { return &ErrorMessage{} },
	TypeFriendRequest:            func() Message { return &FriendRequest{} },
	TypeFriendResponse:           func() Message { return &FriendResponse{} },
	TypeServerModpackListRequest: func() Message { return &ServerModpackListRequest{} },
	TypeServerModpackList:        func() Message { return &ServerModpackList{} },
}

// RemoteError is an ErrorMessage received from the peer.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// Encode marshals msg into an envelope payload.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", msg.MessageType(), err)
	}
	payload, err := json.Marshal(envelope{Type: msg.MessageType(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return payload, nil
}

// Decode parses an envelope payload. Messages are returned by value,
// e.g. Hello rather than *Hello.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	factory, ok := messageFactories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, env.Type)
	}

	target := factory()
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, target); err != nil {
			return nil, fmt.Errorf("decode %s body: %w", env.Type, err)
		}
	}
	return deref(target), nil
}

func deref(msg Message) Message {
	switch m := msg.(type) {
	case *Hello:
		return *m
	case *HelloAck:
		return *m
	case *ManifestRequest:
		return *m
	case *ManifestResponse:
		return *m
	case *SyncRequest:
		return *m
	case *SyncAck:
		return *m
	case *FileRequest:
		return *m
	case *ModpackFileRequest:
		return *m
	case *FileHeader:
		return *m
	case *FileChunk:
		return *m
	case *FileAck:
		return *m
	case *SyncComplete:
		return *m
	case *ErrorMessage:
		return *m
	case *FriendRequest:
		return *m
	case *FriendResponse:
		return *m
	case *ServerModpackListRequest:
		return *m
	case *ServerModpackList:
		return *m
	default:
		return msg
	}
}

// WriteMessage encodes msg and writes it as one frame.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads and decodes one frame.
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadMessageWithTimeout reads one message under a read deadline.
func ReadMessageWithTimeout(conn net.Conn, timeout time.Duration) (Message, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadMessage(conn)
}

func remoteError(msg ErrorMessage) error {
	return &RemoteError{Code: msg.Code, Message: msg.Message}
}

func unexpected(expected string, got Message) error {
	if errMsg, ok := got.(ErrorMessage); ok {
		return remoteError(errMsg)
	}
	return fmt.Errorf("%w: expected %q, got %q", ErrUnexpectedMessage, expected, got.MessageType())
}
