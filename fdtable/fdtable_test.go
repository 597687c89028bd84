//go:build linux

package fdtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestGetAutoCreatesAndDetectsSocket(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	tb := New()
	info := tb.Get(fd, true)
	require.NotNil(t, info)
	assert.True(t, info.IsSocket())
	assert.Equal(t, NoTimeout, info.RecvTimeout())
}

func TestGetWithoutAutoCreateReturnsNilForUnknownFd(t *testing.T) {
	tb := New()
	assert.Nil(t, tb.Get(999, false))
}

func TestGetIsIdempotentForSameFd(t *testing.T) {
	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tb := New()
	a := tb.Get(fds[0], true)
	b := tb.Get(fds[0], true)
	assert.Same(t, a, b)
}

func TestDelClearsEntry(t *testing.T) {
	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tb := New()
	tb.Get(fds[0], true)
	tb.Del(fds[0])
	assert.Nil(t, tb.Get(fds[0], false))
}

func TestSetUserNonblockRoundTrip(t *testing.T) {
	fds, err := unix.Pipe2(unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	info := New().Get(fds[0], true)
	assert.False(t, info.UserNonblock())
	info.SetUserNonblock(true)
	assert.True(t, info.UserNonblock())
}
