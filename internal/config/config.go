// Package config loads the tool runtime configuration into immutable
// snapshots and republishes them when the underlying files change.
package config

import (
	"crypto/ed25519"
	"errors"
	"os"
	"time"

	"github.com/rsclarke/toolauth/internal/allowlist"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "NEXUS_TOOLKIT_CONFIG_PATH"

const (
	FileVersion         = 1
	DefaultMaxBodyBytes = 10 << 20
	DefaultClockSkew    = 5 * time.Second
	DefaultMaxValidity  = 60 * time.Second
)

var (
	ErrInvalid = errors.New("invalid config")
	ErrMissing = errors.New("missing config")
)

// Mode controls whether unsigned or unverifiable requests are rejected.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeOptional Mode = "optional"
	ModeRequired Mode = "required"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeDisabled, ModeOptional, ModeRequired:
		return Mode(s), true
	case "":
		return ModeRequired, true
	}
	return "", false
}

// ToolKey is a tool's own signing identity.
type ToolKey struct {
	ToolID       string
	KID          uint64
	Key          ed25519.PrivateKey
	MaxBodyBytes int64
}

func (k ToolKey) PublicKey() ed25519.PublicKey {
	return k.Key.Public().(ed25519.PublicKey)
}

// Snapshot is one fully validated configuration. It is never mutated after
// the Watcher publishes it; reloads build a new Snapshot.
type Snapshot struct {
	Generation    uint64
	Path          string
	AllowlistPath string
	LoadedAt      time.Time

	Mode         Mode
	Allowlist    *allowlist.Directory
	Tools        map[string]ToolKey
	MaxBodyBytes int64
	ClockSkew    time.Duration
	MaxValidity  time.Duration
}

// Default is the configuration used when no config path is set: signed HTTP
// disabled.
func Default() *Snapshot {
	return &Snapshot{
		LoadedAt:     time.Now(),
		Mode:         ModeDisabled,
		Tools:        map[string]ToolKey{},
		MaxBodyBytes: DefaultMaxBodyBytes,
		ClockSkew:    DefaultClockSkew,
		MaxValidity:  DefaultMaxValidity,
	}
}

// Tool returns the signing identity configured for toolID.
func (s *Snapshot) Tool(toolID string) (ToolKey, bool) {
	k, ok := s.Tools[toolID]
	return k, ok
}

// RequireTool checks that a snapshot can serve toolID: unless signed HTTP is
// disabled, the tool's own signing key must be configured.
func (s *Snapshot) RequireTool(toolID string) error {
	if s.Mode == ModeDisabled {
		return nil
	}
	if _, ok := s.Tools[toolID]; !ok {
		return fmt.Errorf("%w: no signing key for tool %q in %s mode", ErrMissing, toolID, s.Mode)
	}
	return nil
}

// MaxBodyBytesFor returns the request body limit for toolID, honouring a
// per-tool override.
func (s *Snapshot) MaxBodyBytesFor(toolID string) int64 {
	if k, ok := s.Tools[toolID]; ok && k.MaxBodyBytes > 0 {
		return k.MaxBodyBytes
	}
	return s.MaxBodyBytes
}

// PathFromEnv returns the config path from the environment, or "".
func PathFromEnv() string {
	return os.Getenv(EnvConfigPath)
}
