package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalize_SortsKeysAndDigests(t *testing.T) {
	c, err := Canonicalize(map[string]any{"b": "2", "a": 1})
	require.NoError(t, err)

	require.Equal(t, `{"a":1,"b":"2"}`, c.Canonical)
	require.Len(t, c.Digest, 64)
	require.True(t, Verify(c.Canonical, c.Digest))
}

func TestVerify_RejectsTamperedOrNonCanonical(t *testing.T) {
	c, err := Canonicalize(struct {
		Amount string `json:"amount"`
	}{Amount: "10.00"})
	require.NoError(t, err)

	require.False(t, Verify(`{"amount":"99.00"}`, c.Digest))
	require.False(t, Verify(`{ "amount":"10.00"}`, Digest(`{ "amount":"10.00"}`)))
	require.True(t, Verify(c.Canonical, "  "+c.Digest+" "))
}
