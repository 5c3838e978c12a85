// Package allowlist holds the static set of leaders trusted to invoke a tool
// and resolves their public keys.
package allowlist

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/rsclarke/toolauth/internal/signature"
)

const FileVersion = 1

var (
	ErrInvalidFile   = errors.New("invalid allowed-leaders file")
	ErrUnknownCaller = errors.New("unknown leader")
	ErrUnknownKey    = errors.New("unknown leader key")
)

// File is the on-disk allowlist document.
type File struct {
	Version int           `json:"version"`
	Leaders []LeaderEntry `json:"leaders"`
}

type LeaderEntry struct {
	LeaderID  string     `json:"leader_id"`
	ActiveKID *uint64    `json:"active_kid,omitempty"`
	Keys      []KeyEntry `json:"keys"`
}

type KeyEntry struct {
	KID       uint64 `json:"kid"`
	PublicKey string `json:"public_key"`
}

// Entry is one trusted leader and its registered keys.
type Entry struct {
	CallerID  string
	Keys      map[uint64]ed25519.PublicKey
	ActiveKID *uint64
}

// Directory maps leader ids to their keys. It is never mutated after
// construction; a new Directory is built on every config reload.
type Directory struct {
	entries map[string]Entry
}

// New builds a Directory from already-decoded entries.
func New(entries []Entry) (*Directory, error) {
	d := &Directory{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.CallerID == "" {
			return nil, fmt.Errorf("%w: empty leader_id", ErrInvalidFile)
		}
		if _, dup := d.entries[e.CallerID]; dup {
			return nil, fmt.Errorf("%w: duplicate leader %q", ErrInvalidFile, e.CallerID)
		}
		if len(e.Keys) == 0 {
			return nil, fmt.Errorf("%w: leader %q has no keys", ErrInvalidFile, e.CallerID)
		}
		keys := make(map[uint64]ed25519.PublicKey, len(e.Keys))
		for kid, pub := range e.Keys {
			if len(pub) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("%w: leader %q kid %d: bad key length %d", ErrInvalidFile, e.CallerID, kid, len(pub))
			}
			keys[kid] = append(ed25519.PublicKey(nil), pub...)
		}
		if e.ActiveKID != nil {
			if _, ok := keys[*e.ActiveKID]; !ok {
				return nil, fmt.Errorf("%w: leader %q active_kid %d is not a registered key", ErrInvalidFile, e.CallerID, *e.ActiveKID)
			}
			active := *e.ActiveKID
			e.ActiveKID = &active
		}
		e.Keys = keys
		d.entries[e.CallerID] = e
	}
	return d, nil
}

// FromFile validates a decoded allowlist document.
func FromFile(f *File) (*Directory, error) {
	if f.Version != FileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFile, f.Version)
	}

	entries := make([]Entry, 0, len(f.Leaders))
	for _, l := range f.Leaders {
		keys := make(map[uint64]ed25519.PublicKey, len(l.Keys))
		for _, k := range l.Keys {
			if _, dup := keys[k.KID]; dup {
				return nil, fmt.Errorf("%w: leader %q has duplicate kid %d", ErrInvalidFile, l.LeaderID, k.KID)
			}
			pub, err := signature.ParsePublicKey(k.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("%w: leader %q kid %d: %v", ErrInvalidFile, l.LeaderID, k.KID, err)
			}
			keys[k.KID] = pub
		}
		entries = append(entries, Entry{CallerID: l.LeaderID, Keys: keys, ActiveKID: l.ActiveKID})
	}
	return New(entries)
}

// Load reads and validates an allowlist file.
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read allowed-leaders file: %w", err)
	}
	return Parse(data)
}

// Resolve returns the public key registered for (callerID, kid). There is no
// fallback to another key of the same leader.
func (d *Directory) Resolve(callerID string, kid uint64) (ed25519.PublicKey, error) {
	e, ok := d.entries[callerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCaller, callerID)
	}
	pub, ok := e.Keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s kid %d", ErrUnknownKey, callerID, kid)
	}
	return pub, nil
}

// ActiveKID returns the leader's declared active key id, if any.
func (d *Directory) ActiveKID(callerID string) (uint64, bool) {
	e, ok := d.entries[callerID]
	if !ok || e.ActiveKID == nil {
		return 0, false
	}
	return *e.ActiveKID, true
}

// Len returns the number of trusted leaders.
func (d *Directory) Len() int {
	return len(d.entries)
}

// Callers returns the trusted leader ids in sorted order.
func (d *Directory) Callers() []string {
	ids := make([]string, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// KIDs returns the registered key ids of a leader in ascending order.
func (d *Directory) KIDs(callerID string) []uint64 {
	e, ok := d.entries[callerID]
	if !ok {
		return nil
	}
	kids := make([]uint64, 0, len(e.Keys))
	for kid := range e.Keys {
		kids = append(kids, kid)
	}
	sort.Slice(kids, func(i, j int) bool { return kids[i] < kids[j] })
	return kids
}
