package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	ManifestName    = ".checksums"
	manifestVersion = 1
)

// ErrNoManifest means the config directory has never been locked.
var ErrNoManifest = errors.New("no checksum manifest")

// Manifest pins the BLAKE3 digest of every YAML file in a config directory.
type Manifest struct {
	Version  int               `yaml:"version"`
	LockedAt time.Time         `yaml:"locked_at"`
	Files    map[string]string `yaml:"files"`
}

// DriftError reports a config file whose contents no longer match the manifest.
type DriftError struct {
	File     string
	Expected string
	Actual   string
}

func (e *DriftError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("%s is not listed in %s", e.File, ManifestName)
	}
	return fmt.Sprintf("%s changed since it was locked (blake3 %s, locked %s)", e.File, short(e.Actual), short(e.Expected))
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

// HashFile streams path through BLAKE3 and returns the hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LockReport describes the outcome of a config lock.
type LockReport struct {
	Dir          string
	ManifestPath string
	Written      bool
	Files        map[string]string
}

// Names returns the locked file names in order.
func (r *LockReport) Names() []string {
	names := make([]string, 0, len(r.Files))
	for name := range r.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lock hashes every *.yaml file in dir and, unless dryRun, writes the manifest.
func Lock(dir string, dryRun bool) (*LockReport, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no yaml files in %s", dir)
	}

	m := Manifest{
		Version:  manifestVersion,
		LockedAt: time.Now().UTC().Truncate(time.Second),
		Files:    make(map[string]string, len(paths)),
	}
	for _, p := range paths {
		digest, err := HashFile(p)
		if err != nil {
			return nil, err
		}
		m.Files[filepath.Base(p)] = digest
	}

	report := &LockReport{
		Dir:          dir,
		ManifestPath: filepath.Join(dir, ManifestName),
		Files:        m.Files,
	}
	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	// Load trusts this file, so only the owner may rewrite it.
	if err := os.WriteFile(report.ManifestPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	report.Written = true
	return report, nil
}

// ReadManifest loads dir's manifest. A missing file yields ErrNoManifest.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("%s: unsupported version %d", ManifestName, m.Version)
	}
	return &m, nil
}

// Verify checks path against the manifest, returning a *DriftError when the
// file is unlisted or its digest differs.
func (m *Manifest) Verify(path string) error {
	name := filepath.Base(path)
	want, ok := m.Files[name]
	if !ok {
		return &DriftError{File: name}
	}
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return &DriftError{File: name, Expected: want, Actual: got}
	}
	return nil
}
