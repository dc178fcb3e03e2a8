package netfield

import (
	"github.com/drpcorg/netsync/clock"
	"github.com/drpcorg/netsync/netsync_errors"
	"github.com/drpcorg/netsync/protocol"
	"github.com/pkg/errors"
)

// delta kinds of a reference cell
const (
	refInner   byte = 0
	refReplace byte = 1
)

// Value is what a reference cell can hold.
type Value interface {
	comparable
	Holder
}

// Ref holds zero or one object and owns its field tree. The zero T is the
// empty cell.
type Ref[T Value] struct {
	base
	opts    Options
	root    bool
	value   T
	factory func() T
	hooks   []func(old, new T)
}

// NewRef makes an empty cell. factory builds blank instances when a peer
// sends a value the cell does not have yet.
func NewRef[T Value](name string, factory func() T, opts Options) *Ref[T] {
	opts.SetDefaults()
	return &Ref[T]{base: base{name: name}, opts: opts, factory: factory}
}

func (c *Ref[T]) MarkRoot() {
	c.root = true
}

func (c *Ref[T]) IsRoot() bool {
	return c.root
}

func (c *Ref[T]) Get() T {
	return c.value
}

func (c *Ref[T]) Has() bool {
	var zero T
	return c.value != zero
}

// OnValueChanged hooks fire once per assignment, equal values included.
func (c *Ref[T]) OnValueChanged(hook func(old, new T)) {
	c.hooks = append(c.hooks, hook)
}

// Set is a local assignment; the cell is resent whole on the next delta.
func (c *Ref[T]) Set(v T) {
	c.assign(v)
	c.dirty = true
}

func (c *Ref[T]) Clear() {
	var zero T
	c.Set(zero)
}

// assign moves ownership of v's tree to the cell. A value that belongs to
// another container is taken over with a warning.
func (c *Ref[T]) assign(v T) {
	var zero T
	old := c.value
	if old != zero {
		tree := old.NetFields()
		if tree.Parent() == Node(c) {
			tree.SetParent(nil)
		}
		CancelInterpolation(tree)
	}
	c.value = v
	if v != zero {
		tree := v.NetFields()
		c.adopt(tree)
		tree.MarkClean()
		CancelInterpolation(tree)
	}
	for _, hook := range c.hooks {
		hook(old, v)
	}
}

func (c *Ref[T]) adopt(tree *Tree) {
	if c.parent == nil && !c.root {
		return
	}
	if p := tree.Parent(); p != nil && p != Node(c) {
		c.opts.Log.Warn("netfield: reparenting a referenced value",
			"ref", Path(c), "tree", tree.Name(), "previous", Path(p))
	}
	tree.SetParent(c)
}

// SetParent attaches the cell; a value assigned while detached is adopted now.
func (c *Ref[T]) SetParent(parent Node) {
	c.parent = parent
	if parent != nil && c.Has() {
		c.adopt(c.value.NetFields())
	}
}

func (c *Ref[T]) Children() []Node {
	if !c.Has() {
		return nil
	}
	return []Node{c.value.NetFields()}
}

func (c *Ref[T]) Dirty() bool {
	return c.dirty || (c.Has() && c.value.NetFields().Dirty())
}

func (c *Ref[T]) MarkClean() {
	c.dirty = false
	if c.Has() {
		c.value.NetFields().MarkClean()
	}
}

func (c *Ref[T]) WriteFull(w *protocol.Writer) error {
	w.WriteBool(c.Has())
	if !c.Has() {
		return nil
	}
	return errors.Wrap(c.value.NetFields().WriteFull(w), c.name)
}

// ReadFull reuses the held instance when there is one.
func (c *Ref[T]) ReadFull(r *protocol.Reader, v clock.Version) error {
	if err := c.readValue(r, v, false); err != nil {
		return errors.Wrap(err, c.name)
	}
	c.dirty = false
	return nil
}

func (c *Ref[T]) readValue(r *protocol.Reader, v clock.Version, replace bool) error {
	present, err := r.ReadBool()
	if err != nil {
		return err
	}
	var zero T
	switch {
	case !present:
		if c.Has() {
			c.assign(zero)
		}
	case c.Has() && !replace:
		return c.value.NetFields().ReadFull(r, v)
	default:
		fresh := c.factory()
		if err := fresh.NetFields().ReadFull(r, v); err != nil {
			return err
		}
		c.assign(fresh)
	}
	return nil
}

// WriteDelta sends the whole value after an assignment, the inner tree
// delta otherwise.
func (c *Ref[T]) WriteDelta(w *protocol.Writer) error {
	if c.dirty || !c.Has() {
		_ = w.WriteByte(refReplace)
		if err := c.WriteFull(w); err != nil {
			return err
		}
		c.MarkClean()
		return nil
	}
	_ = w.WriteByte(refInner)
	if err := c.value.NetFields().WriteDelta(w); err != nil {
		return errors.Wrap(err, c.name)
	}
	return nil
}

// ReadDelta cannot conjure a value out of an inner delta; that takes a
// replace.
func (c *Ref[T]) ReadDelta(r *protocol.Reader, v clock.Version) error {
	kind, err := r.ReadByte()
	if err != nil {
		return errors.Wrap(err, c.name)
	}
	switch kind {
	case refInner:
		if !c.Has() {
			return errors.Wrap(netsync_errors.ErrNoValue, c.name)
		}
		err = c.value.NetFields().ReadDelta(r, v)
	case refReplace:
		err = c.readValue(r, v, true)
	default:
		err = errors.Errorf("bad reference delta kind %d", kind)
	}
	return errors.Wrap(err, c.name)
}

func (c *Ref[T]) shape() string {
	return "R"
}
