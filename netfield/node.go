// Package netfield implements the replicated object model: leaf values,
// ordered field trees and reference cells, all of which serialize either
// as a full snapshot or as a dirty-bit gated delta.
//
// Topology is positional. Two peers can only exchange frames for trees
// built with the same children in the same order; a delta whose dirty
// bit vector length differs from the local child count is rejected with
// netsync_errors.ErrTopologyMismatch before anything is applied.
//
// Parent links are lookups only. A node has at most one parent, and
// nothing here keeps a node alive through its parent field.
package netfield

import (
	"log/slog"

	"github.com/drpcorg/netsync/clock"
	"github.com/drpcorg/netsync/protocol"
	"github.com/drpcorg/netsync/utils"
)

// Node is anything that can live in a field tree. The concrete shapes are
// Field (leaf), Tree (collection) and Ref (reference cell).
type Node interface {
	Name() string
	SetName(name string)

	Dirty() bool
	MarkDirty()
	MarkClean()

	Parent() Node
	SetParent(parent Node)
	Children() []Node

	// WriteDelta emits the changes since the last delta and consumes the
	// dirty state of whatever it wrote.
	WriteDelta(w *protocol.Writer) error
	// ReadDelta applies what the matching WriteDelta emitted on a peer.
	// v is the sender's clock at the time of writing.
	ReadDelta(r *protocol.Reader, v clock.Version) error
	WriteFull(w *protocol.Writer) error
	ReadFull(r *protocol.Reader, v clock.Version) error
}

// Holder is implemented by game objects that expose their fields.
type Holder interface {
	NetFields() *Tree
}

// Options travel with every tree and reference cell.
type Options struct {
	// Validate turns on the expensive consistency checks: duplicate
	// registration scans and owner cross-checks.
	Validate bool
	// InterpolationTicks is the glide length of fields that interpolate
	// without a tick count of their own.
	InterpolationTicks int
	Log                utils.Logger
}

func (o *Options) SetDefaults() {
	if o.InterpolationTicks <= 0 {
		o.InterpolationTicks = clock.DefaultInterpolationTicks
	}
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

type base struct {
	name   string
	parent Node
	dirty  bool
}

func (b *base) Name() string {
	return b.name
}

func (b *base) SetName(name string) {
	b.name = name
}

func (b *base) Parent() Node {
	return b.parent
}

func (b *base) SetParent(parent Node) {
	b.parent = parent
}

func (b *base) Dirty() bool {
	return b.dirty
}

func (b *base) MarkDirty() {
	b.dirty = true
}

func (b *base) MarkClean() {
	b.dirty = false
}

func (b *base) Children() []Node {
	return nil
}

// Interpolator is implemented by leaves that glide towards inbound values.
type Interpolator interface {
	Interpolating() bool
	TickInterpolation()
	CancelInterpolation()
}

// Walk visits node and its descendants depth first until fn returns false.
func Walk(node Node, fn func(Node) bool) bool {
	if !fn(node) {
		return false
	}
	for _, child := range node.Children() {
		if !Walk(child, fn) {
			return false
		}
	}
	return true
}

// CancelInterpolation snaps every interpolating leaf under node.
func CancelInterpolation(node Node) {
	Walk(node, func(n Node) bool {
		if i, ok := n.(Interpolator); ok {
			i.CancelInterpolation()
		}
		return true
	})
}

// TickInterpolation advances every interpolating leaf under node by one step.
func TickInterpolation(node Node) {
	Walk(node, func(n Node) bool {
		if i, ok := n.(Interpolator); ok && i.Interpolating() {
			i.TickInterpolation()
		}
		return true
	})
}

// Path is the slash separated chain of names from the topmost ancestor.
func Path(node Node) string {
	path := node.Name()
	for p := node.Parent(); p != nil; p = p.Parent() {
		path = p.Name() + "/" + path
	}
	return path
}

// container is a node that annotates errors with its own name.
type container interface {
	Node
	IsRoot() bool
}
