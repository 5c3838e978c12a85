package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsclarke/toolauth/internal/signature"
)

type fixture struct {
	dir       string
	leaderPub ed25519.PublicKey
	toolSeed  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, toolPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &fixture{
		dir:       t.TempDir(),
		leaderPub: pub,
		toolSeed:  hex.EncodeToString(toolPriv.Seed()),
	}
}

func (f *fixture) allowlistDoc() string {
	return fmt.Sprintf(`{"version": 1, "leaders": [
		{"leader_id": "leader_1", "keys": [{"kid": 0, "public_key": %q}]}
	]}`, signature.EncodePublicKey(f.leaderPub))
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (f *fixture) configDoc(mode string) string {
	return fmt.Sprintf(`{
		// tool runtime config
		"version": 1,
		"signed_http": {
			"mode": %q,
			"allowed_leaders_path": "leaders.json",
			"tools": {
				"tool_1": {"tool_kid": 7, "tool_signing_key": %q},
			},
		},
	}`, mode, f.toolSeed)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"", ModeRequired, true},
		{"required", ModeRequired, true},
		{"optional", ModeOptional, true},
		{"disabled", ModeDisabled, true},
		{"Required", "", false},
		{"off", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseMode(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDefault(t *testing.T) {
	s := Default()
	assert.Equal(t, ModeDisabled, s.Mode)
	assert.Equal(t, int64(DefaultMaxBodyBytes), s.MaxBodyBytes)
	assert.Equal(t, 5*time.Second, s.ClockSkew)
	assert.Equal(t, 60*time.Second, s.MaxValidity)
	assert.Nil(t, s.Allowlist)
}

func TestLoadFromEnvUnset(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	s, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, s.Mode)
}

func TestLoadWithAllowlistPath(t *testing.T) {
	f := newFixture(t)
	f.write(t, "leaders.json", f.allowlistDoc())
	path := f.write(t, "config.jsonc", f.configDoc("required"))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeRequired, s.Mode)
	assert.Equal(t, path, s.Path)
	assert.Equal(t, filepath.Join(f.dir, "leaders.json"), s.AllowlistPath)
	require.NotNil(t, s.Allowlist)

	pub, err := s.Allowlist.Resolve("leader_1", 0)
	require.NoError(t, err)
	assert.Equal(t, f.leaderPub, pub)

	tool, ok := s.Tool("tool_1")
	require.True(t, ok)
	assert.Equal(t, uint64(7), tool.KID)
	assert.Len(t, tool.PublicKey(), ed25519.PublicKeySize)
}

func TestLoadFromEnv(t *testing.T) {
	f := newFixture(t)
	f.write(t, "leaders.json", f.allowlistDoc())
	path := f.write(t, "config.json", f.configDoc("optional"))
	t.Setenv(EnvConfigPath, path)

	s, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ModeOptional, s.Mode)
}

func TestModeOmittedDefaultsToRequired(t *testing.T) {
	f := newFixture(t)
	doc := fmt.Sprintf(`{"version": 1, "signed_http": {
		"allowed_leaders": %s,
		"tools": {"tool_1": {"tool_kid": 0, "tool_signing_key": %q}}
	}}`, f.allowlistDoc(), f.toolSeed)

	s, err := Parse([]byte(doc), f.dir)
	require.NoError(t, err)
	assert.Equal(t, ModeRequired, s.Mode)
	assert.Equal(t, "", s.AllowlistPath)
	assert.Equal(t, 1, s.Allowlist.Len())
}

func TestOverrides(t *testing.T) {
	f := newFixture(t)
	doc := fmt.Sprintf(`{"version": 1, "invoke_max_body_bytes": 1024, "signed_http": {
		"mode": "required",
		"max_clock_skew_ms": 1000,
		"max_validity_ms": 30000,
		"allowed_leaders": %s,
		"tools": {
			"tool_1": {"tool_kid": 0, "tool_signing_key": %q, "invoke_max_body_bytes": 64},
			"tool_2": {"tool_kid": 1, "tool_signing_key": %q}
		}
	}}`, f.allowlistDoc(), f.toolSeed, f.toolSeed)

	s, err := Parse([]byte(doc), f.dir)
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.ClockSkew)
	assert.Equal(t, 30*time.Second, s.MaxValidity)
	assert.Equal(t, int64(64), s.MaxBodyBytesFor("tool_1"))
	assert.Equal(t, int64(1024), s.MaxBodyBytesFor("tool_2"))
	assert.Equal(t, int64(1024), s.MaxBodyBytesFor("unknown"))
}

func TestDisabledNeedsNoAllowlist(t *testing.T) {
	s, err := Parse([]byte(`{"version": 1, "signed_http": {"mode": "disabled"}}`), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, s.Mode)

	s, err = Parse([]byte(`{"version": 1}`), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, s.Mode)
}

func TestParseErrors(t *testing.T) {
	f := newFixture(t)
	tool := fmt.Sprintf(`"tools": {"tool_1": {"tool_kid": 0, "tool_signing_key": %q}}`, f.toolSeed)

	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"not json", `{`, ErrInvalid},
		{"wrong version", `{"version": 2}`, ErrInvalid},
		{"missing version", `{}`, ErrInvalid},
		{"unknown mode", `{"version": 1, "signed_http": {"mode": "sometimes"}}`, ErrInvalid},
		{"negative skew", `{"version": 1, "signed_http": {"mode": "disabled", "max_clock_skew_ms": -1}}`, ErrInvalid},
		{"bad signing key", `{"version": 1, "signed_http": {"mode": "disabled", "tools": {"tool_1": {"tool_kid": 0, "tool_signing_key": "zz"}}}}`, ErrInvalid},
		{"no tools", fmt.Sprintf(`{"version": 1, "signed_http": {"mode": "required", "allowed_leaders": %s}}`, f.allowlistDoc()), ErrMissing},
		{"no allowlist", fmt.Sprintf(`{"version": 1, "signed_http": {"mode": "required", %s}}`, tool), ErrMissing},
		{"both allowlists", fmt.Sprintf(`{"version": 1, "signed_http": {"mode": "required", "allowed_leaders_path": "x.json", "allowed_leaders": %s, %s}}`, f.allowlistDoc(), tool), ErrInvalid},
		{"allowlist file missing", fmt.Sprintf(`{"version": 1, "signed_http": {"mode": "required", "allowed_leaders_path": "nope.json", %s}}`, tool), ErrMissing},
		{"empty inline allowlist", fmt.Sprintf(`{"version": 1, "signed_http": {"mode": "optional", "allowed_leaders": {"version": 1, "leaders": []}, %s}}`, tool), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), f.dir)
			if tt.want == nil {
				// an empty allowlist is valid; every caller is unknown
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, ErrMissing)
}

func TestSigningKeyNotInErrors(t *testing.T) {
	f := newFixture(t)
	// the rejected key material must not appear in the message
	short := f.toolSeed[:62]
	doc := fmt.Sprintf(`{"version": 1, "signed_http": {"mode": "disabled", "tools": {"tool_1": {"tool_kid": 0, "tool_signing_key": %q}}}}`, short)

	_, err := Parse([]byte(doc), f.dir)
	require.ErrorIs(t, err, ErrInvalid)
	assert.NotContains(t, err.Error(), short)
}

func TestRequireTool(t *testing.T) {
	f := newFixture(t)
	f.write(t, "leaders.json", f.allowlistDoc())
	s, err := Parse([]byte(f.configDoc("optional")), f.dir)
	require.NoError(t, err)

	assert.NoError(t, s.RequireTool("tool_1"))
	err = s.RequireTool("tool_2")
	assert.ErrorIs(t, err, ErrMissing)
	assert.ErrorContains(t, err, "optional mode")

	assert.NoError(t, Default().RequireTool("tool_2"))
}
