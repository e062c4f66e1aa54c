package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"xdao.co/sealgate/ids"
	"xdao.co/sealgate/sealerr"
)

func genPublication(t *rapid.T) ids.PublicationID {
	var id ids.PublicationID
	copy(id[:], rapid.SliceOfN(rapid.Byte(), ids.Size, ids.Size).Draw(t, "publication"))
	return id
}

func TestEncodeDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		pub := rapid.Custom(genPublication).Draw(rt, "pub")
		label := rapid.StringN(1, 64, MaxLabelLen).Draw(rt, "label")

		a, err := Encode(pub, label)
		if err != nil {
			rt.Fatalf("Encode: %v", err)
		}
		b, err := Encode(pub, label)
		if err != nil {
			rt.Fatalf("Encode: %v", err)
		}
		if !a.Equal(b) {
			rt.Fatalf("identity not deterministic")
		}

		back, err := Decode(a.Bytes())
		if err != nil {
			rt.Fatalf("Decode: %v", err)
		}
		if !back.Equal(a) || back.PublicationID() != pub || back.Label() != label {
			rt.Fatalf("decode mismatch")
		}
	})
}

func TestEncodeLayout(t *testing.T) {
	pub := ids.ObjectID{0xAA}
	id, err := Encode(pub, "art1")
	require.NoError(t, err)

	b := id.Bytes()
	require.Equal(t, Version1, b[0])
	require.Equal(t, pub[:], b[1:33])
	require.Equal(t, byte(4), b[33])
	require.Equal(t, "art1", string(b[34:]))
	require.Len(t, b, 38)
}

func TestEncodeRejectsBadLabels(t *testing.T) {
	pub := ids.ObjectID{1}
	for _, label := range []string{"", strings.Repeat("x", MaxLabelLen+1), string([]byte{0xff, 0xfe})} {
		_, err := Encode(pub, label)
		require.True(t, sealerr.Is(err, sealerr.CodeInvalidLabel), "label %q: %v", label, err)
	}

	_, err := Encode(pub, strings.Repeat("x", MaxLabelLen))
	require.NoError(t, err)
}

func TestDistinctInputsDistinctIdentities(t *testing.T) {
	a, err := Encode(ids.ObjectID{1}, "a")
	require.NoError(t, err)
	b, err := Encode(ids.ObjectID{2}, "a")
	require.NoError(t, err)
	c, err := Encode(ids.ObjectID{1}, "b")
	require.NoError(t, err)
	require.False(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestDecodeRejectsNonCanonical(t *testing.T) {
	id, err := Encode(ids.ObjectID{7}, "label")
	require.NoError(t, err)
	good := id.Bytes()

	trailing := append(append([]byte{}, good...), 0x00)
	_, err = Decode(trailing)
	require.True(t, sealerr.Is(err, sealerr.CodeIntegrityError))

	badVersion := append([]byte{}, good...)
	badVersion[0] = 0x02
	_, err = Decode(badVersion)
	require.True(t, sealerr.Is(err, sealerr.CodeIntegrityError))

	// 0x85 0x00 is a non-minimal encoding of 5.
	nonMinimal := append(append([]byte{}, good[:33]...), 0x85, 0x00)
	nonMinimal = append(nonMinimal, []byte("label")...)
	_, err = Decode(nonMinimal)
	require.True(t, sealerr.Is(err, sealerr.CodeIntegrityError))

	_, err = Decode(good[:len(good)-1])
	require.True(t, sealerr.Is(err, sealerr.CodeIntegrityError))
}

func TestHexRoundTrip(t *testing.T) {
	id, err := Encode(ids.ObjectID{3}, "issue-42")
	require.NoError(t, err)
	back, err := ParseHex(id.Hex())
	require.NoError(t, err)
	require.True(t, id.Equal(back))

	text, err := id.MarshalText()
	require.NoError(t, err)
	var parsed ContentIdentity
	require.NoError(t, parsed.UnmarshalText(text))
	require.True(t, parsed.Equal(id))
}
