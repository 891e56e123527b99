package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ytget/vrenv/internal/model"
	"github.com/ytget/vrenv/internal/platform"
)

// Catalog errors
var (
	ErrDuplicateEnvironment = errors.New("duplicate environment id")
	ErrMissingPayload       = errors.New("external environment has no payload")
	ErrInvalidPayload       = errors.New("invalid payload url")
	ErrDuplicatePayload     = errors.New("payload shared by several environments")
	ErrDuplicateKey         = errors.New("environment directory shared by several environments")
)

// Catalog lists the environments the app knows about. Built-ins ship with the
// app; external environments are fetched from their payload URL on demand.
type Catalog struct {
	Builtin  []model.Environment `yaml:"builtin"`
	External []model.Environment `yaml:"external"`

	fingerprint string
}

// DefaultCatalog returns the built-in environments shipped with the app
func DefaultCatalog() *Catalog {
	c := &Catalog{
		Builtin: []model.Environment{
			{ID: "offworld", Title: "Offworld"},
			{ID: "void", Title: "Void"},
		},
	}
	c.fingerprint = "builtin"
	return c
}

// LoadCatalog reads and validates a YAML catalog file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates catalog YAML
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.fingerprint = Fingerprint(data)
	return &c, nil
}

// Validate checks ids are unique, keys are usable as directory names and
// external environments carry an absolute http(s) payload. No two external
// environments may share a payload or a directory.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool)
	check := func(env model.Environment) error {
		if err := platform.ValidateKey(env.Key()); err != nil {
			return fmt.Errorf("environment %q: %w", env.ID, err)
		}
		if seen[env.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateEnvironment, env.ID)
		}
		seen[env.ID] = true
		return nil
	}

	for _, env := range c.Builtin {
		if err := check(env); err != nil {
			return err
		}
	}
	payloads := make(map[string]string)
	keys := make(map[string]string)
	for _, env := range c.External {
		if err := check(env); err != nil {
			return err
		}
		if other, ok := keys[env.Key()]; ok {
			return fmt.Errorf("%w: %s and %s use %q", ErrDuplicateKey, other, env.ID, env.Key())
		}
		keys[env.Key()] = env.ID
		if env.Payload == "" {
			return fmt.Errorf("%w: %s", ErrMissingPayload, env.ID)
		}
		u, err := url.Parse(env.Payload)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %s", ErrInvalidPayload, env.Payload)
		}
		if other, ok := payloads[env.Payload]; ok {
			return fmt.Errorf("%w: %s and %s use %s", ErrDuplicatePayload, other, env.ID, env.Payload)
		}
		payloads[env.Payload] = env.ID
	}
	return nil
}

// Fingerprint returns the content hash stored as the remote props marker
func (c *Catalog) Fingerprint() string {
	return c.fingerprint
}

// Fingerprint hashes catalog bytes
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
