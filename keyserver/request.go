package keyserver

import (
	"fmt"
	"io"
	"time"

	"xdao.co/sealgate/evidence"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/internal/wire"
	"xdao.co/sealgate/keys"
	"xdao.co/sealgate/sealerr"
)

const (
	requestVersion  byte = 0x01
	responseVersion byte = 0x01

	NonceSize = 32
)

var scopeTag = []byte("sealgate-keyserver-request-v1")

// Request asks a key server for the user key of Identity. The same signed
// request is sent to every server holding a share.
type Request struct {
	Identity     []byte
	Evidence     []byte
	EphemeralKey []byte
	IssuedAt     time.Time
	Nonce        [NonceSize]byte
	Alg          keys.Alg
	SignerKey    []byte
	Signature    []byte

	// reissue is set by NewRequest; decoded requests cannot be re-signed.
	reissue func() (*Request, error)
}

// NewRequest builds and signs a request. IssuedAt is truncated to
// milliseconds, the precision of the wire format.
func NewRequest(signer keys.Signer, id identity.ContentIdentity, tx evidence.Transaction, eph *EphemeralKey, now time.Time, rand io.Reader) (*Request, error) {
	base := Request{
		Identity:     id.Bytes(),
		Evidence:     tx.Encode(),
		EphemeralKey: eph.PublicBytes(),
		Alg:          signer.Alg(),
		SignerKey:    signer.PublicKey(),
	}
	start := time.Now()
	var issue func() (*Request, error)
	issue = func() (*Request, error) {
		req := base
		req.IssuedAt = time.UnixMilli(now.Add(time.Since(start)).UnixMilli())
		if _, err := io.ReadFull(rand, req.Nonce[:]); err != nil {
			return nil, fmt.Errorf("keyserver: nonce: %w", err)
		}
		sig, err := signer.Sign(req.SignedScope())
		if err != nil {
			return nil, fmt.Errorf("keyserver: sign request: %w", err)
		}
		req.Signature = sig
		req.reissue = issue
		return &req, nil
	}
	return issue()
}

// Reissue returns the same request signed again under a fresh nonce, with
// IssuedAt advanced by the time elapsed since NewRequest. Retrying
// transports send a reissued request so no attempt is rejected as a replay
// of an earlier one. A request that was decoded rather than built is
// returned unchanged.
func (r *Request) Reissue() (*Request, error) {
	if r.reissue == nil {
		return r, nil
	}
	return r.reissue()
}

func (r *Request) writeScope(w *wire.Writer) {
	w.Byte(requestVersion)
	w.Vector(r.Identity)
	w.Vector(r.Evidence)
	w.Vector(r.EphemeralKey)
	w.Uint64(uint64(r.IssuedAt.UnixMilli()))
	w.Raw(r.Nonce[:])
	w.String(string(r.Alg))
	w.Vector(r.SignerKey)
}

// SignedScope is the byte string covered by Signature.
func (r *Request) SignedScope() []byte {
	var w wire.Writer
	w.Vector(scopeTag)
	r.writeScope(&w)
	return w.Bytes()
}

// Sender is the ledger address of the signing key.
func (r *Request) Sender() ids.Address { return keys.AddressOf(r.Alg, r.SignerKey) }

func (r *Request) Encode() []byte {
	var w wire.Writer
	r.writeScope(&w)
	w.Vector(r.Signature)
	return w.Bytes()
}

// DecodeRequest parses an encoded request. Errors are MalformedCredential.
func DecodeRequest(b []byte) (*Request, error) {
	rd := wire.NewReader(b)
	if v := rd.Byte(); rd.Err() == nil && v != requestVersion {
		return nil, sealerr.New(sealerr.CodeMalformedCredential, fmt.Sprintf("request: unsupported version %d", v))
	}
	req := &Request{
		Identity:     rd.Vector(),
		Evidence:     rd.Vector(),
		EphemeralKey: rd.Vector(),
		IssuedAt:     time.UnixMilli(int64(rd.Uint64())),
	}
	copy(req.Nonce[:], rd.Fixed(NonceSize))
	req.Alg = keys.Alg(rd.String())
	req.SignerKey = rd.Vector()
	req.Signature = rd.Vector()
	if err := rd.Done(); err != nil {
		return nil, sealerr.Wrap(sealerr.CodeMalformedCredential, "request: malformed", err)
	}
	return req, nil
}

// Response carries one user key sealed to the request's ephemeral key.
type Response struct {
	ServerID string
	Enc      []byte
	Sealed   []byte
}

func (r *Response) Encode() []byte {
	var w wire.Writer
	w.Byte(responseVersion)
	w.String(r.ServerID)
	w.Vector(r.Enc)
	w.Vector(r.Sealed)
	return w.Bytes()
}

// DecodeResponse parses an encoded response. Errors are IntegrityError.
func DecodeResponse(b []byte) (*Response, error) {
	rd := wire.NewReader(b)
	if v := rd.Byte(); rd.Err() == nil && v != responseVersion {
		return nil, sealerr.New(sealerr.CodeIntegrityError, fmt.Sprintf("response: unsupported version %d", v))
	}
	resp := &Response{
		ServerID: rd.String(),
		Enc:      rd.Vector(),
		Sealed:   rd.Vector(),
	}
	if err := rd.Done(); err != nil {
		return nil, sealerr.Wrap(sealerr.CodeIntegrityError, "response: malformed", err)
	}
	return resp, nil
}
