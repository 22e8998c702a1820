package drawtree

import (
	"testing"

	"github.com/spice-display/corestream/geom"
)

func rect(l, t, r, b int32) geom.Rect { return geom.Rect{Left: l, Top: t, Right: r, Bottom: b} }

func TestInsertObscuresFullyCoveredSibling(t *testing.T) {
	tree := New()
	bottom := &Item{Kind: KindDrawable, Effect: EffectOpaque}
	tree.Insert(bottom, rect(0, 0, 10, 10))

	top := &Item{Kind: KindDrawable, Effect: EffectOpaque}
	obscured := tree.Insert(top, rect(0, 0, 20, 20))

	if len(obscured) != 1 || obscured[0].Item != bottom || !obscured[0].FullyHidden {
		t.Fatalf("expected bottom to be reported fully hidden, got %+v", obscured)
	}
	if tree.Len() != 2 {
		t.Fatalf("expected 2 items in tree, got %d", tree.Len())
	}
}

func TestInsertNonOpaqueDoesNotObscure(t *testing.T) {
	tree := New()
	bottom := &Item{Kind: KindDrawable, Effect: EffectOpaque}
	tree.Insert(bottom, rect(0, 0, 10, 10))

	blend := &Item{Kind: KindDrawable, Effect: EffectBlend}
	obscured := tree.Insert(blend, rect(0, 0, 20, 20))
	if len(obscured) != 0 {
		t.Fatalf("a blended drawable must not obscure anything, got %+v", obscured)
	}
}

func TestIntersectingFindsOverlappingItems(t *testing.T) {
	tree := New()
	a := &Item{Kind: KindDrawable}
	tree.Insert(a, rect(0, 0, 10, 10))
	b := &Item{Kind: KindDrawable}
	tree.Insert(b, rect(100, 100, 110, 110))

	hits := tree.Intersecting(rect(5, 5, 15, 15))
	if len(hits) != 1 || hits[0] != a {
		t.Fatalf("expected only a to intersect, got %+v", hits)
	}
}

func TestRemoveDetachesItem(t *testing.T) {
	tree := New()
	a := &Item{Kind: KindDrawable}
	tree.Insert(a, rect(0, 0, 10, 10))
	if tree.Len() != 1 {
		t.Fatal("expected one item after insert")
	}
	tree.Remove(a)
	if tree.Len() != 0 {
		t.Fatal("expected zero items after remove")
	}
}
