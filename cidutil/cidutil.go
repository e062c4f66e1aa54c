// Package cidutil derives the content identifiers used as blob handles.
//
// Every blob is addressed by a CIDv1 with the "raw" multicodec and a
// sha2-256 multihash, so any backend (or a plain `ipfs block put`) agrees on
// the identifier for the same bytes.
package cidutil

import (
	"errors"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ErrMismatch is returned by Verify when bytes do not hash to the CID.
var ErrMismatch = errors.New("cidutil: bytes do not match cid")

// Sum returns the raw/sha2-256 CIDv1 of data.
func Sum(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// String is Sum rendered in the default multibase. It returns "" only if
// hashing fails, which sha2-256 does not.
func String(data []byte) string {
	id, err := Sum(data)
	if err != nil {
		return ""
	}
	return id.String()
}

// Verify rehashes data with the hash function named by id and compares.
// CIDs using a different multihash are supported as long as go-multihash
// knows the function.
func Verify(id cid.Cid, data []byte) error {
	if !id.Defined() {
		return cid.ErrInvalidCid{Err: errors.New("undefined cid")}
	}
	got, err := id.Prefix().Sum(data)
	if err != nil {
		return err
	}
	if !got.Equals(id) {
		return ErrMismatch
	}
	return nil
}
