package gateway

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"xdao.co/sealgate/ibe"
	"xdao.co/sealgate/identity"
	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/sealerr"
)

func sampleObject(t *testing.T) *EncryptedObject {
	t.Helper()
	id, err := identity.Encode(ids.ObjectID{5}, "label")
	require.NoError(t, err)
	return &EncryptedObject{
		Identity:  id,
		Threshold: 2,
		Shares: []ShareEntry{
			{ServerID: "a", Index: 1, Encrypted: bytes.Repeat([]byte{1}, ShareSize)},
			{ServerID: "b", Index: 2, Encrypted: bytes.Repeat([]byte{2}, ShareSize)},
		},
		Header:     bytes.Repeat([]byte{3}, ibe.HeaderSize),
		Nonce:      bytes.Repeat([]byte{4}, 12),
		Ciphertext: bytes.Repeat([]byte{5}, 20),
	}
}

func TestObjectCodecRoundTrip(t *testing.T) {
	o := sampleObject(t)
	back, err := ParseObject(o.Encode())
	require.NoError(t, err)
	require.Equal(t, o.Encode(), back.Encode())
	require.True(t, back.Identity.Equal(o.Identity))
}

func TestParseObjectRejectsInconsistentObjects(t *testing.T) {
	cases := map[string]func(o *EncryptedObject){
		"threshold above n": func(o *EncryptedObject) { o.Threshold = 3 },
		"zero threshold":    func(o *EncryptedObject) { o.Threshold = 0 },
		"duplicate index":   func(o *EncryptedObject) { o.Shares[1].Index = 1 },
		"zero index":        func(o *EncryptedObject) { o.Shares[0].Index = 0 },
		"duplicate server":  func(o *EncryptedObject) { o.Shares[1].ServerID = "a" },
		"short share":       func(o *EncryptedObject) { o.Shares[0].Encrypted = []byte{1} },
		"short header":      func(o *EncryptedObject) { o.Header = o.Header[:10] },
		"short nonce":       func(o *EncryptedObject) { o.Nonce = o.Nonce[:4] },
		"no shares":         func(o *EncryptedObject) { o.Shares = nil; o.Threshold = 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			o := sampleObject(t)
			mutate(o)
			_, err := ParseObject(o.Encode())
			require.True(t, sealerr.Is(err, sealerr.CodeIntegrityError), "got %v", err)
		})
	}

	_, err := ParseObject(append(sampleObject(t).Encode(), 0))
	require.True(t, sealerr.Is(err, sealerr.CodeIntegrityError))
}
