package contentstream

import (
	"pdfredact/coords"
)

// QuadTree is a spatial index over placed operation boxes. Match
// regions query it instead of scanning every placement on dense pages.
type QuadTree struct {
	bounds   coords.Rect
	capacity int
	items    []quadItem
	nodes    []*QuadTree
}

type quadItem struct {
	rect  coords.Rect
	index int
}

func NewQuadTree(bounds coords.Rect, capacity int) *QuadTree {
	if capacity <= 0 {
		capacity = 8
	}
	return &QuadTree{bounds: bounds, capacity: capacity}
}

// Insert files index under rect. Rects outside the tree bounds are kept
// at the root so no placement is ever lost to a tight page box.
func (qt *QuadTree) Insert(rect coords.Rect, index int) {
	if !touches(qt.bounds, rect) {
		qt.items = append(qt.items, quadItem{rect: rect, index: index})
		return
	}
	qt.insert(rect, index)
}

func (qt *QuadTree) insert(rect coords.Rect, index int) {
	if qt.nodes != nil {
		for _, node := range qt.nodes {
			if contains(node.bounds, rect) {
				node.insert(rect, index)
				return
			}
		}
		qt.items = append(qt.items, quadItem{rect: rect, index: index})
		return
	}
	if len(qt.items) < qt.capacity {
		qt.items = append(qt.items, quadItem{rect: rect, index: index})
		return
	}
	qt.subdivide()
	old := qt.items
	qt.items = nil
	for _, it := range old {
		qt.insert(it.rect, it.index)
	}
	qt.insert(rect, index)
}

func (qt *QuadTree) subdivide() {
	xMid := (qt.bounds.MinX + qt.bounds.MaxX) / 2
	yMid := (qt.bounds.MinY + qt.bounds.MaxY) / 2
	qt.nodes = []*QuadTree{
		NewQuadTree(coords.Rect{MinX: qt.bounds.MinX, MinY: yMid, MaxX: xMid, MaxY: qt.bounds.MaxY}, qt.capacity),
		NewQuadTree(coords.Rect{MinX: xMid, MinY: yMid, MaxX: qt.bounds.MaxX, MaxY: qt.bounds.MaxY}, qt.capacity),
		NewQuadTree(coords.Rect{MinX: qt.bounds.MinX, MinY: qt.bounds.MinY, MaxX: xMid, MaxY: yMid}, qt.capacity),
		NewQuadTree(coords.Rect{MinX: xMid, MinY: qt.bounds.MinY, MaxX: qt.bounds.MaxX, MaxY: yMid}, qt.capacity),
	}
}

// Query returns the indices whose rects touch the range, including
// edge contact; callers apply their own overlap rule.
func (qt *QuadTree) Query(rangeRect coords.Rect) []int {
	var found []int
	for _, it := range qt.items {
		if touches(it.rect, rangeRect) {
			found = append(found, it.index)
		}
	}
	if qt.nodes != nil {
		for _, node := range qt.nodes {
			if touches(node.bounds, rangeRect) {
				found = append(found, node.Query(rangeRect)...)
			}
		}
	}
	return found
}

func touches(a, b coords.Rect) bool {
	return !(b.MinX > a.MaxX || b.MaxX < a.MinX || b.MinY > a.MaxY || b.MaxY < a.MinY)
}

func contains(outer, inner coords.Rect) bool {
	return inner.MinX >= outer.MinX && inner.MaxX <= outer.MaxX &&
		inner.MinY >= outer.MinY && inner.MaxY <= outer.MaxY
}
