package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryNode struct {
	payload  []byte
	version  int32
	owner    int64
	created  time.Time
	modified time.Time
	sequence int64
}

// MemoryTree is an in-process coordination tree. Several MemoryGate sessions can be
// connected to one tree to model independent cluster nodes in tests and in
// single-process development setups.
type MemoryTree struct {
	mu          sync.Mutex
	nodes       map[string]*memoryNode
	lastSession int64
	sessions    map[int64]*MemoryGate
}

func NewMemoryTree() *MemoryTree {
	now := time.Now()
	return &MemoryTree{
		nodes:    map[string]*memoryNode{"/": {created: now, modified: now}},
		sessions: make(map[int64]*MemoryGate),
	}
}

// Connect opens a new session on the tree.
func (t *MemoryTree) Connect() *MemoryGate {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastSession++
	g := &MemoryGate{tree: t, id: t.lastSession}
	t.sessions[g.id] = g
	return g
}

// endSessionLocked drops every ephemeral node owned by id.
func (t *MemoryTree) endSessionLocked(id int64) {
	for path, n := range t.nodes {
		if n.owner == id {
			delete(t.nodes, path)
		}
	}
	delete(t.sessions, id)
}

func (t *MemoryTree) hasChildrenLocked(path string) bool {
	prefix := strings.TrimSuffix(path, "/") + "/"
	for p := range t.nodes {
		if p != path && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// MemoryGate is a session on a MemoryTree.
type MemoryGate struct {
	tree    *MemoryTree
	id      int64
	expired bool
	closed  bool
}

var _ Gate = (*MemoryGate)(nil)

// Expire simulates the coordination service expiring this session, e.g. after a
// network partition. Its ephemeral nodes vanish and every later call fails with
// ErrSessionExpired.
func (g *MemoryGate) Expire() {
	g.tree.mu.Lock()
	defer g.tree.mu.Unlock()

	if g.expired || g.closed {
		return
	}
	g.expired = true
	g.tree.endSessionLocked(g.id)
}

func (g *MemoryGate) checkLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.closed {
		return ErrClosed
	}
	if g.expired {
		return ErrSessionExpired
	}
	return nil
}

func (g *MemoryGate) CreatePath(ctx context.Context, path string, mode Mode) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if mode.IsSequential() {
		return fmt.Errorf("gate: create path %s: mode %s not supported", path, mode)
	}
	if path == "/" {
		return nil
	}
	if err := ensureParents(ctx, g, path); err != nil {
		return err
	}

	g.tree.mu.Lock()
	defer g.tree.mu.Unlock()

	if err := g.checkLocked(ctx); err != nil {
		return err
	}
	if existing, ok := g.tree.nodes[path]; ok {
		if existing.owner == 0 && !mode.IsEphemeral() {
			return nil
		}
		if existing.owner == g.id && mode.IsEphemeral() {
			return nil
		}
		return fmt.Errorf("%w: %w: %s", ErrNodeExists, ErrModeConflict, path)
	}
	g.tree.nodes[path] = g.newNodeLocked(mode, nil)
	return nil
}

func (g *MemoryGate) newNodeLocked(mode Mode, payload []byte) *memoryNode {
	now := time.Now()
	n := &memoryNode{
		payload:  append([]byte(nil), payload...),
		created:  now,
		modified: now,
	}
	if mode.IsEphemeral() {
		n.owner = g.id
	}
	return n
}

func (g *MemoryGate) CreateRecord(ctx context.Context, path string, mode Mode, payload []byte) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	if err := ensureParents(ctx, g, path); err != nil {
		return "", err
	}

	g.tree.mu.Lock()
	defer g.tree.mu.Unlock()

	if err := g.checkLocked(ctx); err != nil {
		return "", err
	}
	parent, ok := g.tree.nodes[Parent(path)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoNode, Parent(path))
	}
	if mode.IsSequential() {
		parent.sequence++
		path = sequenceName(path, parent.sequence)
	}
	if _, exists := g.tree.nodes[path]; exists {
		return "", fmt.Errorf("%w: %s", ErrNodeExists, path)
	}
	g.tree.nodes[path] = g.newNodeLocked(mode, payload)
	return path, nil
}

func (g *MemoryGate) ReadRecord(ctx context.Context, path string) (*Record, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	g.tree.mu.Lock()
	defer g.tree.mu.Unlock()

	if err := g.checkLocked(ctx); err != nil {
		return nil, err
	}
	n, ok := g.tree.nodes[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, path)
	}
	return n.record(path), nil
}

func (n *memoryNode) record(path string) *Record {
	return &Record{
		Path:           path,
		Payload:        append([]byte(nil), n.payload...),
		Version:        n.version,
		EphemeralOwner: n.owner,
		Created:        n.created,
		Modified:       n.modified,
	}
}

func (g *MemoryGate) WriteRecord(ctx context.Context, path string, payload []byte, version int32) (*Record, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	g.tree.mu.Lock()
	defer g.tree.mu.Unlock()

	if err := g.checkLocked(ctx); err != nil {
		return nil, err
	}
	n, ok := g.tree.nodes[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, path)
	}
	if version != AnyVersion && version != n.version {
		return nil, fmt.Errorf("%w: %s has version %d, expected %d", ErrBadVersion, path, n.version, version)
	}
	n.payload = append([]byte(nil), payload...)
	n.version++
	n.modified = time.Now()
	return n.record(path), nil
}

func (g *MemoryGate) Exists(ctx context.Context, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}

	g.tree.mu.Lock()
	defer g.tree.mu.Unlock()

	if err := g.checkLocked(ctx); err != nil {
		return false, err
	}
	_, ok := g.tree.nodes[path]
	return ok, nil
}

func (g *MemoryGate) Delete(ctx context.Context, path string, version int32) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if path == "/" {
		return fmt.Errorf("%w: cannot delete root", ErrInvalidPath)
	}

	g.tree.mu.Lock()
	defer g.tree.mu.Unlock()

	if err := g.checkLocked(ctx); err != nil {
		return err
	}
	n, ok := g.tree.nodes[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoNode, path)
	}
	if version != AnyVersion && version != n.version {
		return fmt.Errorf("%w: %s has version %d, expected %d", ErrBadVersion, path, n.version, version)
	}
	if g.tree.hasChildrenLocked(path) {
		return fmt.Errorf("%w: %s", ErrNotEmpty, path)
	}
	delete(g.tree.nodes, path)
	return nil
}

func (g *MemoryGate) DeleteTree(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	return deleteTree(ctx, g, path)
}

func (g *MemoryGate) Children(ctx context.Context, path string) ([]string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	g.tree.mu.Lock()
	defer g.tree.mu.Unlock()

	if err := g.checkLocked(ctx); err != nil {
		return nil, err
	}
	if _, ok := g.tree.nodes[path]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, path)
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	var names []string
	for p := range g.tree.nodes {
		if p == path || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (g *MemoryGate) SessionID() int64 {
	return g.id
}

func (g *MemoryGate) Connected() bool {
	g.tree.mu.Lock()
	defer g.tree.mu.Unlock()
	return !g.expired && !g.closed
}

// Close ends the session; like ZooKeeper, this removes its ephemeral nodes.
func (g *MemoryGate) Close() error {
	g.tree.mu.Lock()
	defer g.tree.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	if !g.expired {
		g.tree.endSessionLocked(g.id)
	}
	return nil
}
