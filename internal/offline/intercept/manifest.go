package intercept

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default manifest values.
const (
	DefaultGeneration   = "gamified-learning-v1"
	DefaultOfflineRoute = "/offline"
)

// DefaultShellRoutes are the application-shell pages cached at install.
var DefaultShellRoutes = []string{
	"/",
	"/student/dashboard",
	"/auth/login",
	"/auth/sign-up",
	"/offline",
}

// Manifest describes what the interception layer caches up front.
type Manifest struct {
	// Generation names the active cache. Changing it and calling Activate
	// discards every older generation.
	Generation string `yaml:"generation" toml:"generation" mapstructure:"generation"`
	// Origin is the scheme and host requests are intercepted for.
	Origin string `yaml:"origin" toml:"origin" mapstructure:"origin"`
	// ShellRoutes are fetched and stored by Install.
	ShellRoutes []string `yaml:"shell_routes" toml:"shell_routes" mapstructure:"shell_routes"`
	// OfflineRoute is served to navigations that miss both network and cache.
	OfflineRoute string `yaml:"offline_route" toml:"offline_route" mapstructure:"offline_route"`
}

// DefaultManifest returns the built-in manifest for origin.
func DefaultManifest(origin string) Manifest {
	return Manifest{
		Generation:   DefaultGeneration,
		Origin:       origin,
		ShellRoutes:  append([]string(nil), DefaultShellRoutes...),
		OfflineRoute: DefaultOfflineRoute,
	}
}

// LoadManifest reads a YAML or TOML manifest, chosen by file extension.
// Empty fields take their defaults.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Manifest{}, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &m); err != nil {
			return Manifest{}, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}
	default:
		return Manifest{}, fmt.Errorf("unsupported manifest format %q", filepath.Ext(path))
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Generation == "" {
		m.Generation = DefaultGeneration
	}
	if m.OfflineRoute == "" {
		m.OfflineRoute = DefaultOfflineRoute
	}
	if len(m.ShellRoutes) == 0 {
		m.ShellRoutes = append([]string(nil), DefaultShellRoutes...)
	}
}

// Validate checks the manifest is usable.
func (m Manifest) Validate() error {
	if m.Generation == "" {
		return fmt.Errorf("generation is required")
	}
	if _, err := m.OriginURL(); err != nil {
		return err
	}
	for _, r := range append([]string{m.OfflineRoute}, m.ShellRoutes...) {
		if !strings.HasPrefix(r, "/") {
			return fmt.Errorf("route %q must start with /", r)
		}
	}
	return nil
}

// OriginURL parses Origin.
func (m Manifest) OriginURL() (*url.URL, error) {
	u, err := url.Parse(m.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute URL", m.Origin)
	}
	return u, nil
}

// Routes returns the shell routes plus the offline route, without duplicates.
func (m Manifest) Routes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range append(append([]string(nil), m.ShellRoutes...), m.OfflineRoute) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
