// Package geom holds the small rectangle/region vocabulary shared by
// the command parser, the stream detector, and the external
// device/canvas collaborator interfaces (spec.md §3, §6), split out
// so none of those packages need to import each other just to share
// a Rect.
package geom

// Point is an integer device-space point.
type Point struct {
	X, Y int32
}

// Rect is a canonically-oriented rectangle: Left<=Right, Top<=Bottom
// (spec.md §3 Drawable invariant). Rect = [Left,Right) x [Top,Bottom).
type Rect struct {
	Left, Top, Right, Bottom int32
}

func (r Rect) Valid() bool {
	return r.Left <= r.Right && r.Top <= r.Bottom
}

func (r Rect) Width() int32  { return r.Right - r.Left }
func (r Rect) Height() int32 { return r.Bottom - r.Top }

func (r Rect) Area() int64 { return int64(r.Width()) * int64(r.Height()) }

func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

func (r Rect) Equal(o Rect) bool { return r == o }

func (r Rect) Contains(o Rect) bool {
	return o.Left >= r.Left && o.Top >= r.Top && o.Right <= r.Right && o.Bottom <= r.Bottom
}

func (r Rect) Intersects(o Rect) bool {
	return r.Left < o.Right && o.Left < r.Right && r.Top < o.Bottom && o.Top < r.Bottom
}

// Clip is either unrestricted (no rects) or a list of canonically
// oriented rectangles (spec.md §3 Drawable).
type Clip struct {
	Rects []Rect
}

func (c Clip) None() bool { return len(c.Rects) == 0 }

// Region is a coarse set of rectangles, enough to drive the
// lossy-region bookkeeping of SPEC_FULL.md §C.2 without a full
// scanline region algebra (out of scope per spec.md §1: the canvas
// compositor owns exact region math).
type Region struct {
	Rects []Rect
}

func (r *Region) Union(rect Rect) {
	r.Rects = append(r.Rects, rect)
}

func (r Region) Intersects(rect Rect) bool {
	for _, e := range r.Rects {
		if e.Intersects(rect) {
			return true
		}
	}
	return false
}

func (r Region) Empty() bool { return len(r.Rects) == 0 }
