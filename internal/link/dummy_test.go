package link

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDummyPair_Loopback(t *testing.T) {
	a, b := NewDummyPair("test", 64)
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())

	n, err := a.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = b.ReadNonblocking(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), buf[:n])

	require.Equal(t, a.ConfigHash(), b.ConfigHash())
}

func TestDummy_ReadWhenClosedReturnsZero(t *testing.T) {
	a, _ := NewDummyPair("test", 64)
	n, err := a.ReadNonblocking(make([]byte, 4))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
