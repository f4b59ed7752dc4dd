package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/exchange-latency/latencyprobe/internal/log"
)

// Files written into every working directory next to the template.
const (
	VarsFile           = "region.auto.tfvars.json"
	ExchangeConfigFile = "exchange_config.json"
	PrivateKeyFile     = "id_probe"
	PublicKeyFile      = "id_probe.pub"
)

// Target identifies what a working directory provisions.
type Target struct {
	Region       string
	Image        string
	InstanceType string // empty: the template's default
}

// Workspace renders a region's working directory from a template
// filesystem and the run's settings.
type Workspace struct {
	// Source holds the terraform configuration, see DefaultTemplate.
	Source fs.FS

	KeyPairName    string
	SSHUser        string
	PrivateKeyPath string
	// PublicKey is written in authorized_keys format.
	PublicKey []byte
	// AgentPath is the measurement agent uploaded to the instance. Optional.
	AgentPath string
	// Exchanges is handed to the agent verbatim.
	Exchanges map[string]map[string]string
}

type variables struct {
	Region         string `json:"region"`
	AMIID          string `json:"ami_id"`
	InstanceType   string `json:"instance_type,omitempty"`
	KeyPairName    string `json:"key_pair_name"`
	SSHUsername    string `json:"ssh_username"`
	PrivateKeyFile string `json:"private_key_file"`
	PublicKeyFile  string `json:"public_key_file"`
	AgentFile      string `json:"agent_file,omitempty"`
}

type exchangeConfig struct {
	Exchanges map[string]map[string]string `json:"exchanges"`
	Region    string                       `json:"region"`
}

// Prepare populates 'dir' for 'target'. Stale
// configuration from an earlier run is replaced; state files and the
// .terraform directory are left alone.
func (w *Workspace) Prepare(ctx context.Context, dir string, target Target) error {
	fail := func(err error) error {
		return &Error{Op: OpPrepare, Kind: WorkspaceFailed, Dir: dir, Err: err}
	}

	if w.Source == nil {
		return fail(errors.New("no terraform source"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(err)
	}
	if err := clean(dir); err != nil {
		return fail(fmt.Errorf("cleaning working directory: %w", err))
	}
	if err := copyFS(dir, w.Source); err != nil {
		return fail(fmt.Errorf("copying terraform source: %w", err))
	}

	if err := copyFile(w.PrivateKeyPath, filepath.Join(dir, PrivateKeyFile), 0o600); err != nil {
		return fail(fmt.Errorf("copying private key: %w", err))
	}
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), w.PublicKey, 0o644); err != nil {
		return fail(fmt.Errorf("writing public key: %w", err))
	}

	vars := variables{
		Region:         target.Region,
		AMIID:          target.Image,
		InstanceType:   target.InstanceType,
		KeyPairName:    w.KeyPairName,
		SSHUsername:    w.SSHUser,
		PrivateKeyFile: PrivateKeyFile,
		PublicKeyFile:  PublicKeyFile,
	}
	if w.AgentPath != "" {
		vars.AgentFile = filepath.Base(w.AgentPath)
		if err := copyFile(w.AgentPath, filepath.Join(dir, vars.AgentFile), 0o644); err != nil {
			return fail(fmt.Errorf("copying agent: %w", err))
		}
	}
	if err := writeJSON(filepath.Join(dir, VarsFile), vars, 0o644); err != nil {
		return fail(err)
	}

	// API keys: owner-only.
	exchanges := w.Exchanges
	if exchanges == nil {
		exchanges = map[string]map[string]string{}
	}
	if err := writeJSON(filepath.Join(dir, ExchangeConfigFile), exchangeConfig{Exchanges: exchanges, Region: target.Region}, 0o600); err != nil {
		return fail(err)
	}

	log.Debug(ctx, "prepared working directory", "dir", dir, "image", target.Image, "instance_type", target.InstanceType)
	return nil
}

// keep reports whether a directory entry belongs to terraform itself and
// must survive between runs.
func keep(d fs.DirEntry) bool {
	name := d.Name()
	return strings.HasPrefix(name, ".terraform") || strings.HasPrefix(name, "terraform.tfstate")
}

// clean removes configuration files left by an earlier run.
func clean(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if keep(d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || d.Type() == fs.ModeSymlink {
			return nil
		}

		name := d.Name()
		if strings.HasSuffix(name, ".tf") || strings.HasSuffix(name, ".tfvars.json") || strings.HasSuffix(name, ".tfvars") {
			return os.Remove(path)
		}
		return nil
	})
}

// copyFS copies 'source' into 'dir', skipping symlinks and terraform's own
// files.
func copyFS(dir string, source fs.FS) error {
	return fs.WalkDir(source, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != "." && keep(d) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type() == fs.ModeSymlink {
			return nil
		}

		targ := filepath.Join(dir, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(targ, 0o755)
		}

		r, err := source.Open(path)
		if err != nil {
			return err
		}
		defer r.Close()

		// Embedded files report 0444; only the executable bit is carried over.
		perm := fs.FileMode(0o644)
		if info, err := r.Stat(); err == nil && info.Mode().Perm()&0o111 != 0 {
			perm = 0o755
		}

		w, err := os.OpenFile(targ, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, r); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	r, err := os.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func writeJSON(path string, v any, perm fs.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, perm)
}
