package netfield

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/netsync/clock"
	"github.com/drpcorg/netsync/netsync_errors"
	"github.com/drpcorg/netsync/protocol"
	"github.com/pkg/errors"
)

// Tree is an ordered collection of nodes. Child order is positional on the
// wire and is frozen once the tree gets a parent.
type Tree struct {
	base
	opts     Options
	owner    Holder
	root     bool
	children []Node
}

func NewTree(name string, opts Options) *Tree {
	opts.SetDefaults()
	return &Tree{base: base{name: name}, opts: opts}
}

// SetOwner records who exposes this tree. Diagnostics only.
func (t *Tree) SetOwner(owner Holder) {
	t.owner = owner
	if t.opts.Validate && owner != nil && owner.NetFields() != t {
		t.opts.Log.Warn("netfield: owner exposes a different tree", "tree", t.name)
	}
}

func (t *Tree) Owner() Holder {
	return t.owner
}

// MarkRoot flags the tree as a session root: it has no parent but counts
// as attached.
func (t *Tree) MarkRoot() {
	t.root = true
}

func (t *Tree) IsRoot() bool {
	return t.root
}

// Attached reports whether the tree is reachable from a root.
func (t *Tree) Attached() bool {
	return attached(t)
}

func attached(n Node) bool {
	for ; n != nil; n = n.Parent() {
		if c, ok := n.(container); ok && c.IsRoot() {
			return true
		}
	}
	return false
}

// Add appends node under name (the node keeps its own name if name is
// empty). Adding the same node twice is a no-op; adding a node that
// belongs to another container fails.
func (t *Tree) Add(node Node, name string) error {
	if node == nil {
		return fmt.Errorf("netfield: nil node added to %s", t.name)
	}
	if t.parent != nil {
		return errors.Wrapf(netsync_errors.ErrTreeAttached, "%s: %s", t.name, name)
	}
	label := name
	if label == "" {
		label = node.Name()
	}
	switch parent := node.Parent(); {
	case parent == Node(t):
		if t.opts.Validate {
			t.opts.Log.Warn("netfield: duplicate registration", "tree", t.name, "field", label)
		}
		return nil
	case parent != nil:
		t.opts.Log.Error("netfield: field already has a parent",
			"tree", t.name, "field", node.Name(), "parent", parent.Name())
		return errors.Wrapf(netsync_errors.ErrAlreadyParented, "%s: %s", t.name, label)
	}
	if t.opts.Validate {
		for _, child := range t.children {
			if child == node {
				t.opts.Log.Warn("netfield: duplicate registration", "tree", t.name, "field", label)
				return nil
			}
		}
	}
	if t.owner == nil {
		t.opts.Log.Warn("netfield: field added before the owner was set", "tree", t.name, "field", label)
	}
	// renamed only once accepted, a rejected node keeps its owner's name
	if name != "" {
		node.SetName(name)
	}
	t.children = append(t.children, node)
	node.SetParent(t)
	return nil
}

// AddFields adds every node under its own name, stopping at the first error.
func (t *Tree) AddFields(nodes ...Node) error {
	for _, node := range nodes {
		if err := t.Add(node, ""); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) Len() int {
	return len(t.children)
}

func (t *Tree) Children() []Node {
	return append([]Node(nil), t.children...)
}

// Dirty is derived from the children; a tree has no dirty state of its own.
func (t *Tree) Dirty() bool {
	for _, child := range t.children {
		if child.Dirty() {
			return true
		}
	}
	return false
}

func (t *Tree) MarkDirty() {
	for _, child := range t.children {
		child.MarkDirty()
	}
}

func (t *Tree) MarkClean() {
	for _, child := range t.children {
		child.MarkClean()
	}
}

// annotate prefixes err with the child's position in this tree. Containers
// carry their own name already.
func (t *Tree) annotate(err error, child Node) error {
	if _, ok := child.(container); ok {
		return errors.Wrap(err, t.name)
	}
	return errors.Wrapf(err, "%s: %s", t.name, child.Name())
}

// WriteDelta emits [bit vector][payload per set bit].
func (t *Tree) WriteDelta(w *protocol.Writer) error {
	bits := make([]bool, len(t.children))
	for i, child := range t.children {
		bits[i] = child.Dirty()
	}
	w.WriteBitVector(bits)
	for i, child := range t.children {
		if !bits[i] {
			continue
		}
		if err := child.WriteDelta(w); err != nil {
			return t.annotate(err, child)
		}
	}
	return nil
}

// ReadDelta checks the bit vector length against the child count before
// touching anything.
func (t *Tree) ReadDelta(r *protocol.Reader, v clock.Version) error {
	bits, err := r.ReadBitVector()
	if err != nil {
		return errors.Wrap(err, t.name)
	}
	if len(bits) != len(t.children) {
		return errors.Wrapf(netsync_errors.ErrTopologyMismatch, "%s: %d children, delta has %d bits",
			t.name, len(t.children), len(bits))
	}
	for i, child := range t.children {
		if !bits[i] {
			continue
		}
		if err := child.ReadDelta(r, v); err != nil {
			return t.annotate(err, child)
		}
	}
	return nil
}

func (t *Tree) WriteFull(w *protocol.Writer) error {
	for _, child := range t.children {
		if err := child.WriteFull(w); err != nil {
			return t.annotate(err, child)
		}
	}
	return nil
}

func (t *Tree) ReadFull(r *protocol.Reader, v clock.Version) error {
	for _, child := range t.children {
		if err := child.ReadFull(r, v); err != nil {
			return t.annotate(err, child)
		}
	}
	return nil
}

// CopyFrom makes t a deep copy of src by a full write and read. Both trees
// must share a topology; the result is clean.
func (t *Tree) CopyFrom(src *Tree) error {
	var w protocol.Writer
	if err := src.WriteFull(&w); err != nil {
		return err
	}
	r := protocol.NewReader(w.Bytes())
	if err := t.ReadFull(r, nil); err != nil {
		return err
	}
	if r.Len() != 0 {
		return errors.Wrapf(netsync_errors.ErrTopologyMismatch, "%s: %d bytes left after copy", t.name, r.Len())
	}
	t.MarkClean()
	return nil
}

func (t *Tree) shape() string {
	return "T" + strconv.Itoa(len(t.children))
}

// Fingerprint hashes the tree shape: child kinds, names and counts. Peers
// with equal fingerprints can exchange frames. Reference cells count as a
// single node since their content comes and goes.
func (t *Tree) Fingerprint() uint64 {
	return xxhash.Sum64(appendShape(nil, t))
}

func appendShape(buf []byte, n Node) []byte {
	kind := "?"
	if s, ok := n.(interface{ shape() string }); ok {
		kind = s.shape()
	}
	buf = append(buf, kind...)
	buf = append(buf, ':')
	buf = append(buf, n.Name()...)
	buf = append(buf, 0)
	if tree, ok := n.(*Tree); ok {
		for _, child := range tree.children {
			buf = appendShape(buf, child)
		}
	}
	return buf
}
