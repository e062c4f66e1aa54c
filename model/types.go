package model

import (
	"encoding/json"

	"xdao.co/sealgate/blobstore"
	"xdao.co/sealgate/credential"
	"xdao.co/sealgate/identity"
)

// Identity describes one content identity.
type Identity struct {
	Identity      string `json:"identity"`
	PublicationID string `json:"publicationId"`
	Label         string `json:"label"`
}

func FromIdentity(id identity.ContentIdentity) Identity {
	return Identity{
		Identity:      id.Hex(),
		PublicationID: id.PublicationID().String(),
		Label:         id.Label(),
	}
}

// Key is a locally stored signing key.
type Key struct {
	Identifier string `json:"identifier"`
	Role       string `json:"role,omitempty"`
	PublicKey  string `json:"publicKey"`
	Address    string `json:"address"`
	Path       string `json:"path,omitempty"`
}

// EncryptResult is the outcome of an encrypt or publish call. Blob is set
// by encrypt, Handle by publish.
type EncryptResult struct {
	Identity  Identity `json:"identity"`
	Threshold string   `json:"threshold"`
	Blob      []byte   `json:"blob,omitempty"`
	Handle    string   `json:"handle,omitempty"`
	Size      int64    `json:"size,omitempty"`
}

// DecryptRequest carries the candidate credentials for one decryption.
// Exactly one of Blob or Handle names the ciphertext.
type DecryptRequest struct {
	Identity    string            `json:"identity"`
	Blob        []byte            `json:"blob,omitempty"`
	Handle      string            `json:"handle,omitempty"`
	Credentials []json.RawMessage `json:"credentials"`
}

// Candidates parses the credential list. Entries that do not parse are
// dropped and counted: the resolver would reject them anyway, and a bad
// entry must not hide a good one.
func (r DecryptRequest) Candidates() ([]credential.Credential, int) {
	out := make([]credential.Credential, 0, len(r.Credentials))
	dropped := 0
	for _, raw := range r.Credentials {
		c, err := credential.Unmarshal(raw)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, c)
	}
	return out, dropped
}

// ParseIdentity validates the request identity.
func (r DecryptRequest) ParseIdentity() (identity.ContentIdentity, error) {
	if r.Identity == "" {
		return identity.ContentIdentity{}, NewError(ErrInvalidRequest, "missing identity")
	}
	return identity.ParseHex(r.Identity)
}

// ParseHandle validates the request's blob reference.
func (r DecryptRequest) ParseHandle() (blobstore.Handle, error) {
	switch {
	case len(r.Blob) > 0 && r.Handle != "":
		return blobstore.Handle{}, NewError(ErrInvalidRequest, "request has both blob and handle")
	case r.Handle == "":
		return blobstore.Handle{}, nil
	}
	return blobstore.ParseHandle(r.Handle)
}

// Decision is the only outcome a decrypt reports: Granted with plaintext,
// or Denied with a coded error.
type Decision struct {
	State     string      `json:"state"`
	Plaintext []byte      `json:"plaintext,omitempty"`
	Error     *CodedError `json:"error,omitempty"`
}

func Granted(plaintext []byte) Decision { return Decision{State: "Granted", Plaintext: plaintext} }

func Denied(err error) Decision { return Decision{State: "Denied", Error: FromError(err)} }
