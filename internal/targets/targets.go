// Package targets resolves logical target names to connection coordinates.
//
// The gateway core never talks to the upstream simulation API beyond this
// boundary: a [Resolver] turns a name such as "R1" into host, port, protocol
// and credentials. Resolution is read-only and safe to call during batch
// validation.
package targets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/gluk-w/claworc/console-gateway/internal/crypto"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"gopkg.in/yaml.v3"
)

// Protocol selects the transport used to reach a target.
type Protocol string

const (
	ProtocolTelnet Protocol = "telnet"
	ProtocolSSH    Protocol = "ssh"
)

// Kind selects how the gateway treats a target session.
type Kind string

const (
	// KindStream targets are interactive consoles read incrementally.
	KindStream Kind = "stream"
	// KindCommand targets dispatch discrete commands tracked as jobs.
	KindCommand Kind = "command"
)

// Coordinates is everything needed to open a transport to a target.
type Coordinates struct {
	Name       string   `yaml:"name" json:"name"`
	Host       string   `yaml:"host" json:"host"`
	Port       int      `yaml:"port" json:"port"`
	Protocol   Protocol `yaml:"protocol" json:"protocol"`
	Kind       Kind     `yaml:"kind" json:"kind"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password   string   `yaml:"-" json:"-"`
	KeyPath    string   `yaml:"key_path,omitempty" json:"key_path,omitempty"`
	DeviceType string   `yaml:"device_type,omitempty" json:"device_type,omitempty"`
}

// Validate checks the coordinates are complete and fills in defaults.
func (c *Coordinates) Validate() error {
	if c.Host == "" {
		return errcodes.New(errcodes.InvalidParameter, "target %q has no host", c.Name)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errcodes.New(errcodes.InvalidParameter, "target %q has invalid port %d", c.Name, c.Port)
	}
	switch c.Protocol {
	case "":
		c.Protocol = ProtocolTelnet
	case ProtocolTelnet, ProtocolSSH:
	default:
		return errcodes.New(errcodes.InvalidParameter, "target %q has unknown protocol %q", c.Name, c.Protocol)
	}
	switch c.Kind {
	case "":
		if c.Protocol == ProtocolSSH && c.DeviceType != "" {
			c.Kind = KindCommand
		} else {
			c.Kind = KindStream
		}
	case KindStream, KindCommand:
	default:
		return errcodes.New(errcodes.InvalidParameter, "target %q has unknown kind %q", c.Name, c.Kind)
	}
	if c.Protocol == ProtocolSSH && c.Username == "" {
		return errcodes.New(errcodes.InvalidParameter, "ssh target %q requires a username", c.Name)
	}
	return nil
}

// Resolver maps a target name to its coordinates.
type Resolver interface {
	Resolve(ctx context.Context, name string) (Coordinates, error)
}

// ErrNotFound is wrapped by resolvers when a name is unknown.
var ErrNotFound = errors.New("target not found")

func notFound(name string) error {
	return errcodes.Wrap(errcodes.TargetNotFound, ErrNotFound, "no target named %q", name)
}

// Static resolves from a fixed in-memory map.
type Static struct {
	mu      sync.RWMutex
	targets map[string]Coordinates
}

// NewStatic creates a resolver over the given coordinates, keyed by Name.
func NewStatic(coords ...Coordinates) *Static {
	s := &Static{targets: make(map[string]Coordinates)}
	for _, c := range coords {
		s.targets[c.Name] = c
	}
	return s
}

// Put adds or replaces a target.
func (s *Static) Put(c Coordinates) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[c.Name] = c
}

func (s *Static) Resolve(_ context.Context, name string) (Coordinates, error) {
	s.mu.RLock()
	c, ok := s.targets[name]
	s.mu.RUnlock()
	if !ok {
		return Coordinates{}, notFound(name)
	}
	if err := c.Validate(); err != nil {
		return Coordinates{}, err
	}
	return c, nil
}

// Names returns the known target names.
func (s *Static) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.targets))
	for name := range s.targets {
		names = append(names, name)
	}
	return names
}

// inventoryFile is the on-disk YAML layout.
type inventoryFile struct {
	Defaults struct {
		Username string `yaml:"username"`
		Password string `yaml:"password_enc"`
		Protocol string `yaml:"protocol"`
	} `yaml:"defaults"`
	Targets []struct {
		Coordinates `yaml:",inline"`
		PasswordEnc string `yaml:"password_enc"`
	} `yaml:"targets"`
}

// LoadInventory reads a YAML inventory file. Passwords are stored as Fernet
// tokens under password_enc and decrypted with the sealer.
func LoadInventory(path string, sealer *crypto.Sealer) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return ParseInventory(data, sealer)
}

// ParseInventory parses inventory YAML.
func ParseInventory(data []byte, sealer *crypto.Sealer) (*Static, error) {
	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	s := NewStatic()
	for i, t := range inv.Targets {
		c := t.Coordinates
		if c.Name == "" {
			return nil, fmt.Errorf("inventory target %d has no name", i)
		}
		if c.Username == "" {
			c.Username = inv.Defaults.Username
		}
		if c.Protocol == "" {
			c.Protocol = Protocol(strings.ToLower(inv.Defaults.Protocol))
		}
		enc := t.PasswordEnc
		if enc == "" {
			enc = inv.Defaults.Password
		}
		if enc != "" {
			if sealer == nil {
				return nil, fmt.Errorf("inventory target %q has an encrypted password but no key is configured", c.Name)
			}
			pw, err := sealer.Decrypt(enc)
			if err != nil {
				return nil, fmt.Errorf("inventory target %q: %w", c.Name, err)
			}
			c.Password = pw
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		s.Put(c)
	}
	log.Printf("[targets] loaded %d inventory targets", len(inv.Targets))
	return s, nil
}

// Chain tries each resolver in order and returns the first match. Errors
// other than not-found stop the chain.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, name string) (Coordinates, error) {
	for _, r := range c {
		coords, err := r.Resolve(ctx, name)
		if err == nil {
			return coords, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Coordinates{}, err
		}
	}
	return Coordinates{}, notFound(name)
}
