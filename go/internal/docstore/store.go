package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrInvalidPath is returned for paths that do not address a document.
	ErrInvalidPath = errors.New("invalid document path")
	// ErrClientClosed is returned when a client is used after Close.
	ErrClientClosed = errors.New("store client closed")
	// ErrConflict is returned when an optimistic write keeps losing to concurrent writers.
	ErrConflict = errors.New("concurrent write conflict")
)

// Path addresses a value in the store, e.g. "rooms/ABC123/players/<id>".
// The first two segments name the document; the rest address a value inside it.
type Path string

// RoomPath returns the path of a room document.
func RoomPath(roomID string) Path {
	return Path("rooms/" + roomID)
}

// PlayerPath returns the path of a player record nested in a room document.
func PlayerPath(roomID, playerID string) Path {
	return Path("rooms/" + roomID + "/players/" + playerID)
}

// Segments splits the path and validates it.
func (p Path) Segments() ([]string, error) {
	segs := strings.Split(strings.Trim(string(p), "/"), "/")
	if len(segs) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, s := range segs {
		if !ValidSegment(s) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return segs, nil
}

// ValidSegment reports whether s can be used as one path segment, such as a
// room code or player id. Separators and wildcards of every backend are refused.
func ValidSegment(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsFunc(s, func(r rune) bool {
		return r == '/' || r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r)
	})
}

// Split returns the document key and the path inside that document.
func (p Path) Split() (key string, inner []string, err error) {
	segs, err := p.Segments()
	if err != nil {
		return "", nil, err
	}
	return segs[0] + "/" + segs[1], segs[2:], nil
}

// Fields is a partial update. A nil value removes the field.
type Fields map[string]any

// Snapshot is the full current value at a subscribed path.
type Snapshot struct {
	Path     Path
	Value    any
	Exists   bool
	Revision uint64
}

// Decode unmarshals the snapshot value into out.
func (s Snapshot) Decode(out any) error {
	return Decode(s.Value, out)
}

// Backend is a shared document store. Each connected participant opens its own Client.
type Backend interface {
	Open(ctx context.Context) (Client, error)
	Close() error
}

// Client is one participant's connection to the shared store.
type Client interface {
	// Get reads the current value at path.
	Get(ctx context.Context, path Path) (Snapshot, error)
	// Create creates or overwrites the value at path.
	Create(ctx context.Context, path Path, value any) error
	// Update merges fields into the value at path without touching other fields.
	Update(ctx context.Context, path Path, fields Fields) error
	// Remove deletes the value at path.
	Remove(ctx context.Context, path Path) error
	// Subscribe calls fn with the full current value now and after every change,
	// in commit order. The returned func cancels the subscription.
	Subscribe(ctx context.Context, path Path, fn func(Snapshot)) (func(), error)
	// OnDisconnectRemove registers path for removal when this client disconnects.
	OnDisconnectRemove(ctx context.Context, path Path) error
	// Close disconnects the client, runs the disconnect hooks and cancels subscriptions.
	Close(ctx context.Context) error
}
