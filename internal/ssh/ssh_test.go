package ssh

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/exchange-latency/latencyprobe/internal/ssh/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newKeys(t *testing.T) (ssh.Signer, ssh.PublicKey) {
	t.Helper()
	pair, err := NewED25519KeyPair()
	require.NoError(t, err)
	signer, err := pair.Signer()
	require.NoError(t, err)
	pub, err := pair.PublicKey()
	require.NoError(t, err)
	return signer, pub
}

func TestSFTPSession(t *testing.T) {
	signer, pub := newKeys(t)
	server := sshtest.NewServer(t, pub)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exchange_stats.json"), []byte(`{"region":"us-east-1"}`), 0o644))

	t.Run("list-and-read", func(t *testing.T) {
		sess, err := Dial(t.Context(), server.Host(), server.Port(), "ubuntu", signer, 2*time.Second, server.HostKey)
		require.NoError(t, err)
		defer func() { require.NoError(t, sess.Close()) }()

		entries, err := sess.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "exchange_stats.json", entries[0].Name())

		f, err := sess.Open(filepath.Join(dir, "exchange_stats.json"))
		require.NoError(t, err)
		b, err := io.ReadAll(f)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		assert.Equal(t, `{"region":"us-east-1"}`, string(b))
	})
	t.Run("missing-directory", func(t *testing.T) {
		sess, err := Dial(t.Context(), server.Host(), server.Port(), "ubuntu", signer, 2*time.Second)
		require.NoError(t, err)
		defer sess.Close()

		_, err = sess.ReadDir(filepath.Join(dir, "nope"))
		assert.ErrorIs(t, err, ErrSFTPList)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("unauthorized-key", func(t *testing.T) {
		other, _ := newKeys(t)
		_, err := Dial(t.Context(), server.Host(), server.Port(), "ubuntu", other, 2*time.Second)
		assert.ErrorIs(t, err, ErrSSHHandshake)
	})
	t.Run("host-key-mismatch", func(t *testing.T) {
		_, wrong := newKeys(t)
		_, err := Dial(t.Context(), server.Host(), server.Port(), "ubuntu", signer, 2*time.Second, wrong)
		assert.ErrorIs(t, err, ErrSSHHandshake)
	})
}

func TestConnectRefused(t *testing.T) {
	signer, _ := newKeys(t)
	// Grab a free port, then release it so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, l.Close())

	_, err = Connect(t.Context(), "127.0.0.1", port, "ubuntu", signer, time.Second)
	assert.ErrorIs(t, err, ErrSSHFailedDial)
}

func TestJoinHostPort(t *testing.T) {
	// invalid ipv4 address
	s, err := joinHostPort(t.Context(), "192.168.255.", 33)
	assert.Error(t, err)
	assert.Equal(t, "", s)
	// invalid ipv6 address
	s, err = joinHostPort(t.Context(), "2001:db8:3333:4444:5555:6666:7777", 33)
	assert.Error(t, err)
	assert.Equal(t, "", s)
	// valid ipv4 address
	s, err = joinHostPort(t.Context(), "192.168.255.50", 33)
	assert.NoError(t, err)
	assert.Equal(t, "192.168.255.50:33", s)
	// valid ipv6 address
	s, err = joinHostPort(t.Context(), "2001:db8:3333:4444:5555:6666:7777:8888", 33)
	assert.NoError(t, err)
	assert.Equal(t, "[2001:db8:3333:4444:5555:6666:7777:8888]:33", s)
	// valid hostname
	s, err = joinHostPort(t.Context(), "localhost", 33)
	assert.NoError(t, err)
	assert.Contains(t, []string{"127.0.0.1:33", "[::1]:33"}, s)
}
