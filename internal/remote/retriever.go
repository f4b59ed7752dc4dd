package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/exchange-latency/latencyprobe/internal/log"
)

// RetrieveOp names the step of a retrieval that failed.
type RetrieveOp string

const (
	OpConnect RetrieveOp = "connect"
	OpOpen    RetrieveOp = "open"
	OpCreate  RetrieveOp = "create"
	OpCopy    RetrieveOp = "copy"
)

// ErrRetrieve is matched by every *RetrieveError.
var ErrRetrieve = errors.New("artifact retrieval failed")

type RetrieveError struct {
	Op         RetrieveOp
	RemotePath string
	LocalPath  string
	Err        error
}

func (e *RetrieveError) Error() string {
	return fmt.Sprintf("retrieve %s -> %s: %s: %v", e.RemotePath, e.LocalPath, e.Op, e.Err)
}

func (e *RetrieveError) Unwrap() error { return e.Err }

func (e *RetrieveError) Is(target error) bool { return target == ErrRetrieve }

// Retriever copies a single remote file to a local path.
type Retriever struct {
	dialer Dialer
}

func NewRetriever(dialer Dialer) *Retriever {
	return &Retriever{dialer: dialer}
}

// Retrieve copies 'remotePath' on 'address' to 'localPath'. The local file is
// created exclusively, so an existing file is never overwritten, and is
// removed again if the copy does not complete. The session is closed before
// Retrieve returns on every path.
func (r *Retriever) Retrieve(ctx context.Context, address string, creds Credentials, remotePath, localPath string) error {
	ctx = log.With(ctx, "address", address, "remote_path", remotePath, "local_path", localPath)
	fail := func(op RetrieveOp, err error) error {
		return &RetrieveError{Op: op, RemotePath: remotePath, LocalPath: localPath, Err: err}
	}

	log.Info(ctx, "copying remote artifact")
	sess, err := r.dialer.Dial(ctx, address, creds)
	if err != nil {
		return fail(OpConnect, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn(ctx, "failed to close remote session", "error", err)
		}
	}()

	src, err := sess.Open(remotePath)
	if err != nil {
		return fail(OpOpen, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fail(OpCreate, err)
	}
	dst, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fail(OpCreate, err)
	}

	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := os.Remove(localPath); rerr != nil {
			log.Warn(ctx, "failed to remove partial artifact", "error", rerr)
		}
		return fail(OpCopy, err)
	}

	log.Info(ctx, "artifact copied", "bytes", n)
	return nil
}
