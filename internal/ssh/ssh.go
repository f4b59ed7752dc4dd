package ssh

// ssh.go implements a facade over 'x/crypto/ssh', simplifying SSH connection
// construction.

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	sshDefaultTimeout = 10 * time.Second
	sshDefaultPort    = 22
)

var (
	ErrSSHFailedDial   = fmt.Errorf("failed to establish TCP connection")
	ErrSSHHandshake    = fmt.Errorf("failed SSH handshake")
	ErrFailedHostParse = fmt.Errorf("failed to parse hostname")
	ErrHostKeyInvalid  = fmt.Errorf("target's host key is invalid")
)

// Connect establishes an SSH connection to 'host' on TCP port 'port'.
//
// 'host' can be any of: hostname, ipv4 address or ipv6 address. If 'host' is
// an empty string, ipv4 loopback is used.
//
// If 'port' is 0, a default value of '22' is used. If 'timeout' is 0, a
// default of 10 seconds bounds both the TCP dial and the SSH handshake.
//
// 'keypair' is used for public key authentication when connecting to 'host'.
//
// Any values provided to 'hostKeys' will be used to compare against the host
// key offered by 'host' when a connection is attempted. If no 'hostKeys' value
// is provided, all host keys will be accepted.
//
// A TCP-level failure is wrapped with ErrSSHFailedDial; authentication and
// protocol failures are wrapped with ErrSSHHandshake.
func Connect(ctx context.Context, host string, port uint16, user string, keypair ssh.Signer, timeout time.Duration, hostKeys ...ssh.PublicKey) (*ssh.Client, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = sshDefaultPort
	}
	if timeout <= 0 {
		timeout = sshDefaultTimeout
	}
	// A context deadline also bounds the handshake.
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(keypair),
		},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			// Without 'hostKeys' this behaves like 'ssh.InsecureIgnoreHostKey'.
			if len(hostKeys) == 0 {
				return nil
			}
			for _, hostKey := range hostKeys {
				if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
					return nil
				}
			}
			return ErrHostKeyInvalid
		},
		Timeout: timeout,
	}
	target, err := joinHostPort(ctx, host, port)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	// The handshake has no deadline of its own; bound it on the TCP conn and
	// clear the deadline once the client is established.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	cconn, chans, reqs, err := ssh.NewClientConn(conn, target, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrSSHHandshake, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(cconn, chans, reqs), nil
}

// joinHostPort parses and validates 'host' is a valid IPv4 or IPv6 address,
// then joins it with the port in the address-family-specific format.
//
// If 'host' is a hostname, the hostname will be resolved, then joinHostPort
// will recurse using the first of the resolved addresses.
func joinHostPort(ctx context.Context, host string, port uint16) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if addr := net.ParseIP(host); addr == nil {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
		return joinHostPort(ctx, addrs[0], port)
	} else if ipv4 := addr.To4(); ipv4 != nil {
		return fmt.Sprintf("%s:%d", ipv4.String(), port), nil
	} else {
		return fmt.Sprintf("[%s]:%d", addr.String(), port), nil
	}
}
