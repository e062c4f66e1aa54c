package blobstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"
)

// Handle names a stored blob: its content identifier plus the exact byte
// length it had when stored. Its text form is "<cid>:<size>".
type Handle struct {
	CID  cid.Cid
	Size int64
}

func (h Handle) IsZero() bool { return !h.CID.Defined() }

func (h Handle) String() string {
	if h.IsZero() {
		return ""
	}
	return h.CID.String() + ":" + strconv.FormatInt(h.Size, 10)
}

// ParseHandle parses the text form produced by String.
func ParseHandle(s string) (Handle, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return Handle{}, fmt.Errorf("blobstore: handle %q: missing size", s)
	}
	id, err := cid.Decode(s[:i])
	if err != nil {
		return Handle{}, fmt.Errorf("blobstore: handle %q: %w", s, err)
	}
	n, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || n < 0 {
		return Handle{}, fmt.Errorf("blobstore: handle %q: invalid size", s)
	}
	return Handle{CID: id, Size: n}, nil
}

func (h Handle) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Handle) UnmarshalText(b []byte) error {
	v, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}
