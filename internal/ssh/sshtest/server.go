// Package sshtest provides an in-process SSH server with an SFTP subsystem
// rooted on the local filesystem, for exercising SSH/SFTP clients in tests.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

var ErrUnauthorized = errors.New("public key is not authorized")

// Server is an SSH server listening on a random loopback port.
//
// Every accepted 'session' channel may request the 'sftp' subsystem, which is
// served against the real filesystem; tests should use absolute paths under
// 't.TempDir()'. All other channel requests are rejected.
type Server struct {
	// HostKey is the public half of the server's host key.
	HostKey ssh.PublicKey

	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup

	conns atomic.Int32
}

// NewServer starts a server accepting only 'authorized'. The server is shut
// down when the test finishes.
func NewServer(t *testing.T, authorized ssh.PublicKey) *Server {
	t.Helper()
	require.NotNil(t, authorized, "an authorized public key is required")

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, ErrUnauthorized
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{
		HostKey:  hostSigner.PublicKey(),
		listener: listener,
		config:   config,
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host returns the loopback address the server listens on.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() uint16 {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	n, _ := strconv.ParseUint(port, 10, 16)
	return uint16(n)
}

// Connections reports how many TCP connections have been accepted.
func (s *Server) Connections() int {
	return int(s.conns.Load())
}

// Close stops accepting connections and waits for the accept loop to exit.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn performs the SSH handshake and accepts 'session' channels.
func (s *Server) handleConn(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go handleSession(channel, requests)
	}
}

// handleSession serves the 'sftp' subsystem and rejects everything else.
func handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		var payload struct{ Name string }
		if req.Type != "subsystem" || ssh.Unmarshal(req.Payload, &payload) != nil || payload.Name != "sftp" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		if req.WantReply {
			_ = req.Reply(true, nil)
		}
		go func() {
			defer channel.Close()
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
		}()
	}
}
