package canon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	A uint64 `cbor:"a"`
	B string `cbor:"b"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := sample{A: 7, B: "entries"}
	b, err := Encode(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Decode(b, &out))
	require.Equal(t, in, out)
}

func TestIsCanonicalFixedPoint(t *testing.T) {
	in := sample{A: 1, B: "x"}
	b, err := Encode(in)
	require.NoError(t, err)
	require.True(t, IsCanonical(b))
}

func TestDecodeRejectsTruncatedBytes(t *testing.T) {
	var out sample
	err := Decode([]byte{0xff}, &out)
	require.Error(t, err)
}

func TestIsCanonicalRejectsGarbage(t *testing.T) {
	require.False(t, IsCanonical([]byte{0xff, 0xff, 0xff}))
}

func TestRejectExplicitNullsPassesOnNonMap(t *testing.T) {
	b, err := Encode([]uint64{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, RejectExplicitNulls(b))
}

func TestMapKeysAreSortedCanonically(t *testing.T) {
	type unordered struct {
		Zebra uint64 `cbor:"zebra"`
		Alpha uint64 `cbor:"alpha"`
	}
	a, err := Encode(unordered{Zebra: 1, Alpha: 2})
	require.NoError(t, err)

	type ordered struct {
		Alpha uint64 `cbor:"alpha"`
		Zebra uint64 `cbor:"zebra"`
	}
	b, err := Encode(ordered{Alpha: 2, Zebra: 1})
	require.NoError(t, err)

	require.Equal(t, a, b, "field declaration order must not affect the canonical encoding")
}
