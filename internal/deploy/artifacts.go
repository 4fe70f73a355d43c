package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

// ErrArtifactNotFound is returned by Artifacts.Path for an unknown hash.
var ErrArtifactNotFound = errors.New("deploy: artifact not found")

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Artifacts is a content-addressed directory of parser binaries. Each file
// is named by the hex SHA-256 of its contents.
type Artifacts struct {
	dir string
}

// NewArtifacts creates the directory if needed.
func NewArtifacts(dir string) (*Artifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	return &Artifacts{dir: dir}, nil
}

// Save stores r and returns its hash. Saving identical content twice is a
// no-op.
func (a *Artifacts) Save(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(a.dir, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("save artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("save artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("save artifact: %w", err)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	if err := os.Rename(tmp.Name(), filepath.Join(a.dir, hash)); err != nil {
		return "", 0, fmt.Errorf("save artifact: %w", err)
	}
	return hash, n, nil
}

// Path returns the file holding hash.
func (a *Artifacts) Path(hash string) (string, error) {
	if !hashPattern.MatchString(hash) {
		return "", ErrArtifactNotFound
	}
	p := filepath.Join(a.dir, hash)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrArtifactNotFound
		}
		return "", err
	}
	return p, nil
}
