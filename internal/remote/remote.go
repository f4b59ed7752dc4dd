// Package remote waits for and retrieves the measurement artifact from a
// provisioned instance over SFTP.
package remote

import (
	"context"
	"io"
	"os"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/exchange-latency/latencyprobe/internal/ssh"
)

// Credentials authenticate a session against an instance.
type Credentials struct {
	User   string
	Signer gossh.Signer
}

// Session is an open file-transfer session.
type Session interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

// Dialer opens sessions to an instance address.
type Dialer interface {
	Dial(ctx context.Context, address string, creds Credentials) (Session, error)
}

// SFTPDialer dials SSH and starts the SFTP subsystem.
type SFTPDialer struct {
	Port    uint16        // 0 means 22
	Timeout time.Duration // bounds TCP dial and handshake
}

func (d SFTPDialer) Dial(ctx context.Context, address string, creds Credentials) (Session, error) {
	sess, err := ssh.Dial(ctx, address, d.Port, creds.User, creds.Signer, d.Timeout)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
