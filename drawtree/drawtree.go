// Package drawtree implements the display surface's containment
// tree: an ordered sibling list (newest on top, matching
// painter's-algorithm compositing) that tracks each item's visible
// region as later items obscure it, used to find which existing
// drawables a freshly inserted one covers (spec.md §4.2's "placed
// into the display tree" and the Stream-behind feature of spec.md
// §4.5; grounded on
// _examples/original_source/server/tree.h's TreeItem/Container/Shadow
// hierarchy and its is_opaque_item rule).
package drawtree

import "github.com/spice-display/corestream/geom"

// Effect mirrors QXL_EFFECT_*: only OPAQUE contributes to obscuring
// items below it.
type Effect uint8

const (
	EffectBlend Effect = iota
	EffectOpaque
	EffectOpaqueBrush
)

// Kind distinguishes the three TreeItem variants the original
// maintains in one intrusive ring.
type Kind int

const (
	KindDrawable Kind = iota
	KindContainer
	KindShadow
)

// Item is one node in the tree. Drawable carries a caller-supplied
// payload (the owning *qxlparse.Drawable, kept as an opaque value to
// avoid a drawtree<->qxlparse import cycle).
type Item struct {
	Kind     Kind
	Region   geom.Region
	Effect   Effect
	Payload  interface{}
	Shadow   *Item // non-nil only for a KindDrawable carrying a shadow
	children []*Item
	parent   *Item
}

func isOpaque(it *Item) bool {
	return it.Kind == KindContainer || (it.Kind == KindDrawable && it.Effect == EffectOpaque)
}

// Tree is one display surface's containment tree: a single root
// container holding the surface's top-level sibling list.
type Tree struct {
	root *Item
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{root: &Item{Kind: KindContainer}}
}

// Obscured describes an existing item whose visible region shrank (or
// vanished) because of a newly inserted opaque item on top of it.
type Obscured struct {
	Item        *Item
	FullyHidden bool
}

// Insert places a new drawable at the top of the sibling order
// (painter's algorithm: most recently submitted draws last, i.e. on
// top). If the new item is opaque, its bbox is subtracted from every
// sibling already below it whose region intersects that bbox, and the
// result reports which of those siblings ended up fully hidden; a
// non-opaque item obscures nothing.
func (t *Tree) Insert(it *Item, bbox geom.Rect) []Obscured {
	it.parent = t.root
	var obscured []Obscured
	for _, sib := range t.root.children {
		if !isOpaque(it) {
			continue
		}
		if !sib.Region.Intersects(bbox) {
			continue
		}
		sib.Region = subtract(sib.Region, bbox)
		obscured = append(obscured, Obscured{Item: sib, FullyHidden: sib.Region.Empty()})
	}
	it.Region.Union(bbox)
	t.root.children = append([]*Item{it}, t.root.children...)
	return obscured
}

// subtract approximates region subtraction at the bounding-box level
// (drawtree deliberately does not reimplement a full scanline region
// algebra -- that is the canvas compositor's job, spec.md §1
// Non-goals). An item whose region intersects the cutter is treated
// as fully covered if the cutter contains it, otherwise left as-is;
// this is conservative in the "not fully hidden" direction, which is
// the safe default for Stream-behind (a false negative only costs an
// extra frame of lossless fallback, never a correctness bug).
func subtract(r geom.Region, cutter geom.Rect) geom.Region {
	out := geom.Region{}
	for _, rect := range r.Rects {
		if cutter.Contains(rect) {
			continue
		}
		out.Union(rect)
	}
	return out
}

// Remove detaches it from the tree.
func (t *Tree) Remove(it *Item) {
	for i, c := range t.root.children {
		if c == it {
			t.root.children = append(t.root.children[:i], t.root.children[i+1:]...)
			return
		}
	}
}

// Intersecting returns every item (top to bottom) whose current
// region intersects rect -- the query drive_stream_detach_behind
// needs to find streams whose visible area a new opaque drawable
// covers.
func (t *Tree) Intersecting(rect geom.Rect) []*Item {
	var hit []*Item
	for _, c := range t.root.children {
		if c.Region.Intersects(rect) {
			hit = append(hit, c)
		}
	}
	return hit
}

// AttachShadow links a shadow item to the drawable it shadows
// (draw_item's shadow field; shadow_new in the original).
func AttachShadow(drawable, shadow *Item) {
	shadow.Kind = KindShadow
	drawable.Shadow = shadow
}

// Len reports how many top-level items the tree currently holds.
func (t *Tree) Len() int { return len(t.root.children) }
