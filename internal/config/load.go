package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"github.com/xeipuuv/gojsonschema"

	"github.com/rsclarke/toolauth/internal/allowlist"
	"github.com/rsclarke/toolauth/internal/signature"
)

// File is the on-disk config document.
type File struct {
	Version            int         `json:"version"`
	InvokeMaxBodyBytes *int64      `json:"invoke_max_body_bytes,omitempty"`
	SignedHTTP         *SignedHTTP `json:"signed_http,omitempty"`
}

type SignedHTTP struct {
	Mode               string              `json:"mode,omitempty"`
	AllowedLeadersPath string              `json:"allowed_leaders_path,omitempty"`
	AllowedLeaders     json.RawMessage     `json:"allowed_leaders,omitempty"`
	MaxClockSkewMS     *uint64             `json:"max_clock_skew_ms,omitempty"`
	MaxValidityMS      *uint64             `json:"max_validity_ms,omitempty"`
	Tools              map[string]ToolFile `json:"tools,omitempty"`
}

type ToolFile struct {
	ToolKID            uint64 `json:"tool_kid"`
	ToolSigningKey     string `json:"tool_signing_key"`
	InvokeMaxBodyBytes *int64 `json:"invoke_max_body_bytes,omitempty"`
}

var fileSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["version"],
	"properties": {
		"version": {"type": "integer"},
		"invoke_max_body_bytes": {"type": "integer", "minimum": 1},
		"signed_http": {
			"type": "object",
			"properties": {
				"mode": {"type": "string"},
				"allowed_leaders_path": {"type": "string"},
				"allowed_leaders": {"type": "object"},
				"max_clock_skew_ms": {"type": "integer", "minimum": 0},
				"max_validity_ms": {"type": "integer", "minimum": 1},
				"tools": {
					"type": "object",
					"additionalProperties": {
						"type": "object",
						"required": ["tool_kid", "tool_signing_key"],
						"properties": {
							"tool_kid": {"type": "integer", "minimum": 0},
							"tool_signing_key": {"type": "string", "minLength": 1},
							"invoke_max_body_bytes": {"type": "integer", "minimum": 1}
						}
					}
				}
			}
		}
	}
}`)

// Load reads and validates the config file at path. Errors wrap ErrInvalid
// or ErrMissing.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrMissing, err)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}

	snap, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	snap.Path = path
	return snap, nil
}

// LoadFromEnv loads the file named by NEXUS_TOOLKIT_CONFIG_PATH, or returns
// Default when it is unset.
func LoadFromEnv() (*Snapshot, error) {
	path := PathFromEnv()
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Parse validates a config document. Relative allowlist paths resolve against
// baseDir.
func Parse(data []byte, baseDir string) (*Snapshot, error) {
	data = jsonc.ToJSON(data)

	result, err := gojsonschema.Validate(fileSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
	}

	var f File
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return fromFile(&f, baseDir)
}

func fromFile(f *File, baseDir string) (*Snapshot, error) {
	if f.Version != FileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalid, f.Version)
	}

	snap := Default()
	if f.InvokeMaxBodyBytes != nil {
		snap.MaxBodyBytes = *f.InvokeMaxBodyBytes
	}

	sh := f.SignedHTTP
	if sh == nil {
		return snap, nil
	}

	mode, ok := ParseMode(sh.Mode)
	if !ok {
		return nil, fmt.Errorf("%w: unknown signed_http.mode %q", ErrInvalid, sh.Mode)
	}
	snap.Mode = mode

	if sh.MaxClockSkewMS != nil {
		snap.ClockSkew = time.Duration(*sh.MaxClockSkewMS) * time.Millisecond
	}
	if sh.MaxValidityMS != nil {
		snap.MaxValidity = time.Duration(*sh.MaxValidityMS) * time.Millisecond
	}

	tools, err := parseTools(sh.Tools)
	if err != nil {
		return nil, err
	}
	snap.Tools = tools

	if mode == ModeDisabled {
		return snap, nil
	}

	if len(tools) == 0 {
		return nil, fmt.Errorf("%w: signed_http.tools must configure at least one tool", ErrMissing)
	}

	hasPath := sh.AllowedLeadersPath != ""
	hasInline := len(sh.AllowedLeaders) > 0
	switch {
	case hasPath && hasInline:
		return nil, fmt.Errorf("%w: set only one of allowed_leaders_path and allowed_leaders", ErrInvalid)
	case hasPath:
		path := sh.AllowedLeadersPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		dir, err := allowlist.Load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %v", ErrMissing, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		snap.Allowlist = dir
		snap.AllowlistPath = path
	case hasInline:
		dir, err := allowlist.Parse(sh.AllowedLeaders)
		if err != nil {
			return nil, fmt.Errorf("%w: allowed_leaders: %v", ErrInvalid, err)
		}
		snap.Allowlist = dir
	default:
		return nil, fmt.Errorf("%w: signed_http requires allowed_leaders_path or allowed_leaders", ErrMissing)
	}

	return snap, nil
}

func parseTools(in map[string]ToolFile) (map[string]ToolKey, error) {
	tools := make(map[string]ToolKey, len(in))
	for id, t := range in {
		if id == "" {
			return nil, fmt.Errorf("%w: empty tool id", ErrInvalid)
		}
		key, err := signature.ParseSigningKey(t.ToolSigningKey)
		if err != nil {
			return nil, fmt.Errorf("%w: tool %q signing key: %v", ErrInvalid, id, err)
		}
		tk := ToolKey{ToolID: id, KID: t.ToolKID, Key: key}
		if t.InvokeMaxBodyBytes != nil {
			tk.MaxBodyBytes = *t.InvokeMaxBodyBytes
		}
		tools[id] = tk
	}
	return tools, nil
}
