package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gyrex/internal/gate"
)

var ErrNotFound = errors.New("preferences: node not found")

// Node is a hierarchical key/value node. A stored node is written together with all
// of its descendants as the payload of one persistent record, so readers never see a
// partially written tree.
type Node struct {
	Values   map[string]string `json:"values,omitempty"`
	Children map[string]*Node  `json:"children,omitempty"`
}

func NewNode() *Node {
	return &Node{Values: map[string]string{}, Children: map[string]*Node{}}
}

func (n *Node) Get(key, def string) string {
	if v, ok := n.Values[key]; ok {
		return v
	}
	return def
}

func (n *Node) Set(key, value string) {
	n.Values[key] = value
}

// Child returns the named child, creating it when absent.
func (n *Node) Child(name string) *Node {
	c, ok := n.Children[name]
	if !ok {
		c = NewNode()
		n.Children[name] = c
	}
	return c
}

func (n *Node) ChildNames() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store persists preference nodes below a root path of the coordination tree.
type Store struct {
	gate gate.Gate
	root string
}

func NewStore(g gate.Gate, root string) *Store {
	return &Store{gate: g, root: root}
}

func (s *Store) path(name string) string {
	return gate.Join(s.root, name)
}

// Load reads the node at name with all of its descendants.
func (s *Store) Load(ctx context.Context, name string) (*Node, error) {
	path := s.path(name)
	rec, err := s.gate.ReadRecord(ctx, path)
	if errors.Is(err, gate.ErrNoNode) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	node := NewNode()
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, node); err != nil {
			return nil, fmt.Errorf("decode preferences %s: %w", path, err)
		}
	}
	node.normalize()
	return node, nil
}

func (n *Node) normalize() {
	if n.Values == nil {
		n.Values = map[string]string{}
	}
	if n.Children == nil {
		n.Children = map[string]*Node{}
	}
	for name, c := range n.Children {
		if c == nil {
			c = NewNode()
			n.Children[name] = c
		}
		c.normalize()
	}
}

// Save replaces the node at name, descendants included, with a single write.
func (s *Store) Save(ctx context.Context, name string, node *Node) error {
	path := s.path(name)
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode preferences %s: %w", path, err)
	}
	_, err = s.gate.WriteRecord(ctx, path, payload, gate.AnyVersion)
	if !errors.Is(err, gate.ErrNoNode) {
		return err
	}
	_, err = s.gate.CreateRecord(ctx, path, gate.Persistent, payload)
	if errors.Is(err, gate.ErrNodeExists) {
		_, err = s.gate.WriteRecord(ctx, path, payload, gate.AnyVersion)
	}
	return err
}

// Remove deletes the node at name and its descendants.
func (s *Store) Remove(ctx context.Context, name string) error {
	return s.gate.DeleteTree(ctx, s.path(name))
}

// ChildNames lists the nodes stored directly below name. A missing path has no
// children.
func (s *Store) ChildNames(ctx context.Context, name string) ([]string, error) {
	children, err := s.gate.Children(ctx, s.path(name))
	if errors.Is(err, gate.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(children))
	for _, child := range children {
		n, err := gate.UnescapeSegment(child)
		if err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	return s.gate.Exists(ctx, s.path(name))
}
