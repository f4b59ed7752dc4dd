package ssh

// sftp.go layers an SFTP subsystem over an established SSH client. A Session
// owns both connections and releases them together.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var (
	ErrSFTPInit  = fmt.Errorf("failed to start SFTP subsystem")
	ErrSFTPList  = fmt.Errorf("failed to list remote directory")
	ErrSFTPOpen  = fmt.Errorf("failed to open remote file")
	ErrSFTPClose = fmt.Errorf("failed to close SFTP session")
)

// Session is an SFTP session over a dedicated SSH connection.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// NewSession starts the SFTP subsystem on 'client'. The returned Session takes
// ownership of 'client'; on error 'client' is closed.
func NewSession(client *ssh.Client) (*Session, error) {
	sc, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", ErrSFTPInit, err)
	}
	return &Session{client: client, sftp: sc}, nil
}

// Dial connects to 'host' and starts an SFTP session. See Connect for the
// meaning of the remaining arguments.
func Dial(ctx context.Context, host string, port uint16, user string, keypair ssh.Signer, timeout time.Duration, hostKeys ...ssh.PublicKey) (*Session, error) {
	client, err := Connect(ctx, host, port, user, keypair, timeout, hostKeys...)
	if err != nil {
		return nil, err
	}
	return NewSession(client)
}

// ReadDir lists 'path' on the remote host. A missing directory yields an error
// matching 'os.ErrNotExist'.
func (s *Session) ReadDir(path string) ([]os.FileInfo, error) {
	entries, err := s.sftp.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrSFTPList, path, err)
	}
	return entries, nil
}

// Open opens the remote file at 'path' for reading.
func (s *Session) Open(path string) (io.ReadCloser, error) {
	f, err := s.sftp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrSFTPOpen, path, err)
	}
	return f, nil
}

// Close closes the SFTP subsystem and the underlying SSH connection.
func (s *Session) Close() error {
	err := errors.Join(s.sftp.Close(), s.client.Close())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSFTPClose, err)
	}
	return nil
}
