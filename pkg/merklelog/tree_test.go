package merklelog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OliverNakamoto/veribot/pkg/xhash"
)

func entryAt(ts, nonce uint64, payload string) Entry {
	p := []byte(payload)
	return Entry{
		Timestamp:   ts,
		Nonce:       nonce,
		Payload:     p,
		PayloadHash: xhash.ContentHash(p),
	}
}

func TestEmptyTreeRootIsZero(t *testing.T) {
	tr := New()
	require.True(t, tr.Root().IsZero())
	require.Equal(t, 0, tr.LeafCount())
}

func TestInsertRejectsOutOfOrder(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(entryAt(10, 0, "a")))
	err := tr.Insert(entryAt(5, 0, "b"))
	require.ErrorIs(t, err, ErrOutOfOrder)
}

func TestInsertAllowsSameTimestampDifferentNonce(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(entryAt(10, 0, "a")))
	require.NoError(t, tr.Insert(entryAt(10, 1, "b")))
	require.Equal(t, 2, tr.LeafCount())
}

func TestProveAndVerifySoundness(t *testing.T) {
	entries := []Entry{
		entryAt(1, 0, "a"),
		entryAt(2, 0, "b"),
		entryAt(3, 0, "c"),
		entryAt(4, 0, "d"),
		entryAt(5, 0, "e"),
	}
	tr, err := BuildFromSorted(entries)
	require.NoError(t, err)

	root := tr.Root()
	for i, e := range entries {
		proof, err := tr.Prove(i)
		require.NoError(t, err)
		require.True(t, Verify(root, e, proof), "leaf %d should verify", i)
	}
}

func TestVerifyFailsOnFlippedSiblingBit(t *testing.T) {
	entries := []Entry{entryAt(1, 0, "a"), entryAt(2, 0, "b"), entryAt(3, 0, "c")}
	tr, err := BuildFromSorted(entries)
	require.NoError(t, err)

	proof, err := tr.Prove(0)
	require.NoError(t, err)
	require.NotEmpty(t, proof.Path)

	proof.Path[0].Sibling[0] ^= 0x01
	require.False(t, Verify(tr.Root(), entries[0], proof))
}

func TestVerifyFailsOnMutatedLeaf(t *testing.T) {
	entries := []Entry{entryAt(1, 0, "a"), entryAt(2, 0, "b")}
	tr, err := BuildFromSorted(entries)
	require.NoError(t, err)

	proof, err := tr.Prove(0)
	require.NoError(t, err)

	mutated := entries[0]
	mutated.Nonce = 99
	require.False(t, Verify(tr.Root(), mutated, proof))
}

func TestOrderDependence(t *testing.T) {
	a := entryAt(1, 0, "a")
	b := entryAt(2, 0, "b")

	t1, err := BuildFromSorted([]Entry{a, b})
	require.NoError(t, err)
	_, err = BuildFromSorted([]Entry{b, a})
	require.ErrorIs(t, err, ErrOutOfOrder)
	t2 := New()
	require.NoError(t, t2.Insert(b))
	require.ErrorIs(t, t2.Insert(a), ErrOutOfOrder)
	// b-then-a violates the (timestamp, nonce) rule on purpose, so the
	// second insert is rejected — confirm the tree kept a single leaf
	// rather than silently reordering.
	require.Equal(t, 1, t2.LeafCount())
	require.NotEqual(t, t1.Root(), t2.Root())
}

func TestFindByPayloadUsesFastHashAccelerator(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Insert(entryAt(1, 0, "alpha")))
	require.NoError(t, tr.Insert(entryAt(2, 0, "beta")))

	idx, ok := tr.FindByPayload([]byte("beta"))
	require.True(t, ok)
	require.Equal(t, 1, idx)

	_, ok = tr.FindByPayload([]byte("missing"))
	require.False(t, ok)
}

func TestOddNodeCountDuplicatesLast(t *testing.T) {
	// Three leaves: level0 = [h0,h1,h2]; level1 = [H(h0,h1), H(h2,h2)];
	// root = H(level1[0], level1[1]). Exercise this directly against the
	// public proof/verify API rather than reaching into internals.
	entries := []Entry{entryAt(1, 0, "a"), entryAt(2, 0, "b"), entryAt(3, 0, "c")}
	tr, err := BuildFromSorted(entries)
	require.NoError(t, err)

	proof, err := tr.Prove(2)
	require.NoError(t, err)
	require.Len(t, proof.Path, 2, "third leaf climbs two levels in a 3-leaf tree")
	require.True(t, Verify(tr.Root(), entries[2], proof))
}
