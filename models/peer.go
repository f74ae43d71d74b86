package models

// PeerIdentity is what a remote instance presented at handshake.
type PeerIdentity struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	SigningKey []byte `json:"signing_key,omitempty"`
	Verified   bool   `json:"verified"`
	Address    string `json:"address,omitempty"`
}
