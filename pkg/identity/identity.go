// Package identity holds the registry of transport identities: the
// connected-app OAuth2 client configurations a dispatch may send as.
// Identities are immutable after load; secret rotation is an out-of-band
// operator action followed by a restart.
package identity

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// ErrUnknown indicates the named identity is not registered.
	ErrUnknown = errors.New("identity: unknown transport identity")

	// ErrInvalid indicates an identity definition is incomplete.
	ErrInvalid = errors.New("identity: invalid definition")
)

// Identity is one connected sending account configuration.
type Identity struct {
	Name          string   `yaml:"name"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	TokenEndpoint string   `yaml:"token_endpoint"`
	SendEndpoint  string   `yaml:"send_endpoint"`
	Scopes        []string `yaml:"scopes"`
}

// LogValue keeps the client secret out of log output.
func (i Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", i.Name),
		slog.String("client_id", i.ClientID),
		slog.String("token_endpoint", i.TokenEndpoint),
	)
}

func (i Identity) validate() error {
	switch {
	case i.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalid)
	case i.ClientID == "":
		return fmt.Errorf("%w: %s: missing client_id", ErrInvalid, i.Name)
	case i.ClientSecret == "":
		return fmt.Errorf("%w: %s: missing client_secret", ErrInvalid, i.Name)
	case i.TokenEndpoint == "":
		return fmt.Errorf("%w: %s: missing token_endpoint", ErrInvalid, i.Name)
	case i.SendEndpoint == "":
		return fmt.Errorf("%w: %s: missing send_endpoint", ErrInvalid, i.Name)
	}
	return nil
}

// Registry resolves identities by name.
type Registry struct {
	byName map[string]Identity
}

// NewRegistry builds a registry from explicit identities.
func NewRegistry(identities ...Identity) (*Registry, error) {
	byName := make(map[string]Identity, len(identities))
	for _, id := range identities {
		if err := id.validate(); err != nil {
			return nil, err
		}
		if _, exists := byName[id.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalid, id.Name)
		}
		byName[id.Name] = id
	}
	return &Registry{byName: byName}, nil
}

// Parse reads a YAML identity list.
func Parse(r io.Reader) (*Registry, error) {
	var doc struct {
		Identities []Identity `yaml:"identities"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("identity: parse: %w", err)
	}
	return NewRegistry(doc.Identities...)
}

// Load reads a YAML identity file from disk.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("identity: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Get returns the identity or ErrUnknown.
func (r *Registry) Get(name string) (Identity, error) {
	id, ok := r.byName[name]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return id, nil
}

// Names lists registered identity names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
