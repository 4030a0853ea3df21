package gate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode controls the lifetime of a record in the coordination tree.
type Mode int

const (
	// Persistent records survive session loss and must be deleted explicitly.
	Persistent Mode = iota
	// Ephemeral records are removed when the creating session ends.
	Ephemeral
	PersistentSequential
	EphemeralSequential
)

func (m Mode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	case PersistentSequential:
		return "persistent_sequential"
	case EphemeralSequential:
		return "ephemeral_sequential"
	}
	return "unknown"
}

func (m Mode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

func (m Mode) IsSequential() bool {
	return m == PersistentSequential || m == EphemeralSequential
}

// AnyVersion disables the version check of WriteRecord and Delete.
const AnyVersion int32 = -1

var (
	ErrNodeExists     = errors.New("gate: node already exists")
	ErrNoNode         = errors.New("gate: node does not exist")
	ErrNotEmpty       = errors.New("gate: node has children")
	ErrBadVersion     = errors.New("gate: version mismatch")
	ErrModeConflict   = errors.New("gate: existing node has a different mode")
	ErrConnectionLoss = errors.New("gate: connection lost")
	ErrSessionExpired = errors.New("gate: session expired")
	ErrClosed         = errors.New("gate: closed")
	ErrInvalidPath    = errors.New("gate: invalid path")
)

// IsRetryable reports whether err is a transient coordination failure the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionLoss) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Record is a snapshot of a node in the coordination tree.
type Record struct {
	Path           string
	Payload        []byte
	Version        int32
	EphemeralOwner int64
	Created        time.Time
	Modified       time.Time
}

// Gate is a session against a hierarchical coordination service.
//
// Ephemeral records created through a Gate disappear when its session ends. Every
// other component relies on that for failure detection, so implementations must
// never emulate ephemeral records with persistent ones.
type Gate interface {
	// CreatePath makes sure path exists. An existing node with the same mode is not an
	// error; a node with a conflicting mode (or an ephemeral node owned by another
	// session) fails with ErrModeConflict.
	CreatePath(ctx context.Context, path string, mode Mode) error

	// CreateRecord creates a node holding payload. It fails with ErrNodeExists when the
	// path is taken, which makes it usable as a first-writer-wins primitive. The
	// returned path includes the sequence suffix for sequential modes.
	CreateRecord(ctx context.Context, path string, mode Mode, payload []byte) (string, error)

	ReadRecord(ctx context.Context, path string) (*Record, error)
	WriteRecord(ctx context.Context, path string, payload []byte, version int32) (*Record, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string, version int32) error

	// DeleteTree removes path and all of its descendants. A missing path is not an error.
	DeleteTree(ctx context.Context, path string) error

	// Children returns the sorted names of the direct children of path.
	Children(ctx context.Context, path string) ([]string, error)

	SessionID() int64
	Connected() bool
	Close() error
}

// ensureParents creates every missing ancestor of path as a persistent node.
func ensureParents(ctx context.Context, g Gate, path string) error {
	parent := Parent(path)
	if parent == "/" {
		return nil
	}
	if err := g.CreatePath(ctx, parent, Persistent); err != nil {
		return fmt.Errorf("create parent %s: %w", parent, err)
	}
	return nil
}

// deleteTree is shared by the implementations; it walks depth first and tolerates
// nodes vanishing concurrently.
func deleteTree(ctx context.Context, g Gate, path string) error {
	children, err := g.Children(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNoNode) {
			return nil
		}
		return err
	}
	for _, child := range children {
		if err := deleteTree(ctx, g, Join(path, child)); err != nil {
			return err
		}
	}
	if err := g.Delete(ctx, path, AnyVersion); err != nil && !errors.Is(err, ErrNoNode) {
		return err
	}
	return nil
}
