package lib

import (
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// ConfigFileName is the name of the configuration file inside the config directory.
const ConfigFileName = "resolve.config"

// defaultRule is the rule key that selects the fallback upstream.
const defaultRule = "else"

var (
	// ErrMalformedConfig wraps every failure to decode the configuration file.
	ErrMalformedConfig = errors.New("malformed config")

	// ErrNoDefaultServer is returned when the else rule is missing or names
	// a server that is not defined.
	ErrNoDefaultServer = errors.New("no default dns server defined")

	// ErrServerNotDefined matches any *ServerNotDefinedError.
	ErrServerNotDefined = errors.New("dns server not defined")
)

// ServerNotDefinedError reports a rule that names an undefined server.
type ServerNotDefinedError struct {
	Name string
}

func (e *ServerNotDefinedError) Error() string {
	return fmt.Sprintf("dns server %s not defined", e.Name)
}

func (e *ServerNotDefinedError) Is(target error) bool {
	return target == ErrServerNotDefined
}

// Upstream is the address of an upstream DNS server, optionally reached
// through a SOCKS5 proxy. The zero Socks5 means a direct connection.
type Upstream struct {
	Addr   netip.AddrPort `toml:"addr"`
	Socks5 netip.AddrPort `toml:"socks5"`
}

// HasSocks5 reports whether queries to u must be tunneled through a SOCKS5 proxy.
func (u Upstream) HasSocks5() bool {
	return u.Socks5.IsValid()
}

func (u Upstream) String() string {
	if u.HasSocks5() {
		return u.Addr.String() + " via socks5://" + u.Socks5.String()
	}
	return u.Addr.String()
}

// rawConfig is the undecorated content of the configuration file. Rules may
// still point at servers that do not exist.
type rawConfig struct {
	Listen netip.AddrPort      `toml:"listen"`
	Server map[string]Upstream `toml:"server"`
	Rule   map[string]string   `toml:"rule"`
}

// Config is the resolved routing table. It is immutable once returned by
// LoadConfig and safe for concurrent use.
type Config struct {
	listen   netip.AddrPort
	regions  map[string]Upstream
	fallback Upstream
}

// Listen returns the address the proxy listens on.
func (c *Config) Listen() netip.AddrPort {
	return c.listen
}

// Default returns the upstream used when no region rule matches.
func (c *Config) Default() Upstream {
	return c.fallback
}

// Lookup returns the upstream configured for region. Callers fall back to
// Default when ok is false.
func (c *Config) Lookup(region string) (u Upstream, ok bool) {
	u, ok = c.regions[region]
	return u, ok
}

// Regions returns the configured region labels in sorted order.
func (c *Config) Regions() []string {
	return slices.Sorted(maps.Keys(c.regions))
}

// Len returns the number of region rules, not counting the default.
func (c *Config) Len() int {
	return len(c.regions)
}

// LoadConfig reads ConfigFileName from dir and resolves it into a Config.
// Either the whole file is valid or an error is returned.
func LoadConfig(dir string, logger *zap.Logger) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	raw, err := loadRaw(path, logger)
	if err != nil {
		return nil, err
	}

	config, err := resolve(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	logger.Info("Loaded config",
		zap.String("path", path),
		zap.Stringer("listen", config.listen),
		zap.Stringer("default", config.fallback),
		zap.Int("regions", len(config.regions)),
	)
	return config, nil
}

func loadRaw(path string, logger *zap.Logger) (*rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw, err := decodeRaw(data, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return raw, nil
}

func decodeRaw(data []byte, logger *zap.Logger) (*rawConfig, error) {
	var raw rawConfig
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedConfig, err)
	}

	if !md.IsDefined("listen") || !raw.Listen.IsValid() {
		return nil, fmt.Errorf("%w: listen address is required", ErrMalformedConfig)
	}
	if hasZone(raw.Listen) {
		return nil, fmt.Errorf("%w: listen %s: zoned addresses are not supported", ErrMalformedConfig, raw.Listen)
	}
	for name, u := range raw.Server {
		if !md.IsDefined("server", name, "addr") || !u.Addr.IsValid() {
			return nil, fmt.Errorf("%w: server %s: addr is required", ErrMalformedConfig, name)
		}
		// An empty string decodes to the zero AddrPort, which would mean no hop.
		if md.IsDefined("server", name, "socks5") && !u.Socks5.IsValid() {
			return nil, fmt.Errorf("%w: server %s: invalid socks5 address", ErrMalformedConfig, name)
		}
		if hasZone(u.Addr) || hasZone(u.Socks5) {
			return nil, fmt.Errorf("%w: server %s: zoned addresses are not supported", ErrMalformedConfig, name)
		}
	}

	for _, key := range md.Undecoded() {
		logger.Warn("Ignoring unknown config key", zap.String("key", key.String()))
	}
	return &raw, nil
}

func hasZone(ap netip.AddrPort) bool {
	return ap.Addr().Zone() != ""
}

// resolve checks every rule against the server table. The default rule is
// validated first, then the remaining rules in sorted order; the first
// failure is returned.
func resolve(raw *rawConfig) (*Config, error) {
	servers := raw.Server
	rules := raw.Rule

	name, ok := rules[defaultRule]
	if !ok {
		return nil, ErrNoDefaultServer
	}
	delete(rules, defaultRule)
	fallback, ok := servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: server %s not defined", ErrNoDefaultServer, name)
	}

	regions := make(map[string]Upstream, len(rules))
	for _, region := range slices.Sorted(maps.Keys(rules)) {
		name := rules[region]
		u, ok := servers[name]
		if !ok {
			return nil, &ServerNotDefinedError{Name: name}
		}
		regions[region] = u
	}

	return &Config{
		listen:   raw.Listen,
		regions:  regions,
		fallback: fallback,
	}, nil
}
