package ids

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseObjectID(t *testing.T) {
	raw := strings.Repeat("ab", Size)

	a, err := ParseObjectID("0x" + raw)
	require.NoError(t, err)
	b, err := ParseObjectID(raw)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, "0x"+raw, a.String())

	_, err = ParseObjectID("0x1234")
	require.Error(t, err)
	_, err = ParseObjectID("zz")
	require.Error(t, err)
}

func TestTextRoundTripInJSON(t *testing.T) {
	type doc struct {
		ID    ObjectID `json:"id"`
		Owner Address  `json:"owner"`
	}
	in := doc{ID: ObjectID{1, 2, 3}, Owner: Address{9}}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out doc
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, in, out)
	require.False(t, out.ID.IsZero())
	require.True(t, ObjectID{}.IsZero())
}
