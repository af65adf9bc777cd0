package validate

import (
	"github.com/paulmach/orb"
	"github.com/twpayne/go-geos"

	"github.com/lucasnoah/chronotiles/internal/geo"
)

// Repair technique names.
const (
	TechniqueCleanCoords = "clean_coords"
	TechniqueRewind      = "rewind"
	TechniqueBuffer      = "buffer"
	TechniqueUnkink      = "unkink"
)

// Step is one entry of the repair chain.
type Step struct {
	Name string
	// Applies gates the step; nil means always.
	Applies func(orb.Geometry) bool
	Fix     func(orb.Geometry) (orb.Geometry, error)
}

// DefaultChain is tried in order; the first output that validates wins.
func DefaultChain() []Step {
	return []Step{
		{Name: TechniqueCleanCoords, Fix: CleanCoords},
		{Name: TechniqueRewind, Fix: Rewind},
		{Name: TechniqueBuffer, Fix: ZeroBuffer},
		{Name: TechniqueUnkink, Applies: isPolygon, Fix: Unkink},
	}
}

func isPolygon(g orb.Geometry) bool {
	_, ok := g.(orb.Polygon)
	return ok
}

// mapPolygons applies fn to every polygon of g, dropping polygons fn
// empties, and keeps g's Polygon/MultiPolygon shape.
func mapPolygons(g orb.Geometry, fn func(orb.Polygon) orb.Polygon) orb.Geometry {
	switch t := g.(type) {
	case orb.Polygon:
		return fn(t)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, 0, len(t))
		for _, p := range t {
			if q := fn(p); len(q) > 0 {
				out = append(out, q)
			}
		}
		return out
	}
	return g
}

// CleanCoords removes repeated and collinear vertices and drops rings that
// collapse below four positions.
func CleanCoords(g orb.Geometry) (orb.Geometry, error) {
	return mapPolygons(g, func(p orb.Polygon) orb.Polygon {
		out := make(orb.Polygon, 0, len(p))
		for i, r := range p {
			c := cleanRing(r)
			if len(c) < 4 {
				if i == 0 {
					return nil
				}
				continue
			}
			out = append(out, c)
		}
		return out
	}), nil
}

func cleanRing(r orb.Ring) orb.Ring {
	pts := make([]orb.Point, 0, len(r))
	for _, p := range r {
		if len(pts) > 0 && pts[len(pts)-1].Equal(p) {
			continue
		}
		pts = append(pts, p)
	}
	// Treat the ring as cyclic and drop the closing point while simplifying.
	if len(pts) > 1 && pts[0].Equal(pts[len(pts)-1]) {
		pts = pts[:len(pts)-1]
	}
	changed := true
	for changed && len(pts) >= 3 {
		changed = false
		for i := 0; i < len(pts); i++ {
			prev := pts[(i+len(pts)-1)%len(pts)]
			next := pts[(i+1)%len(pts)]
			if collinear(prev, pts[i], next) {
				pts = append(pts[:i], pts[i+1:]...)
				changed = true
				break
			}
		}
	}
	if len(pts) == 0 {
		return nil
	}
	out := make(orb.Ring, 0, len(pts)+1)
	out = append(out, pts...)
	return append(out, pts[0])
}

// collinear reports whether b lies on the segment a-c, making it redundant.
func collinear(a, b, c orb.Point) bool {
	cross := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
	if cross != 0 {
		return false
	}
	dot := (b[0]-a[0])*(c[0]-a[0]) + (b[1]-a[1])*(c[1]-a[1])
	lenSq := (c[0]-a[0])*(c[0]-a[0]) + (c[1]-a[1])*(c[1]-a[1])
	return dot >= 0 && dot <= lenSq
}

// Rewind orients outer rings counter-clockwise and holes clockwise.
func Rewind(g orb.Geometry) (orb.Geometry, error) {
	return mapPolygons(g, func(p orb.Polygon) orb.Polygon {
		out := p.Clone()
		for i, r := range out {
			want := orb.CW
			if i == 0 {
				want = orb.CCW
			}
			if r.Orientation() != want {
				r.Reverse()
			}
		}
		return out
	}), nil
}

// ZeroBuffer dissolves self-intersections by buffering with distance 0.
func ZeroBuffer(g orb.Geometry) (orb.Geometry, error) {
	gg, err := geo.ToGEOS(g)
	if err != nil {
		return nil, err
	}
	return geo.FromGEOS(gg.Buffer(0, 8))
}

// Unkink splits a self-intersecting polygon into simple polygons by noding
// its linework, then recombines them as a MultiPolygon.
func Unkink(g orb.Geometry) (orb.Geometry, error) {
	gg, err := geo.ToGEOS(g)
	if err != nil {
		return nil, err
	}
	fixed, err := geo.FromGEOS(gg.MakeValidWithParams(geos.MakeValidLinework, geos.MakeValidDiscardCollapsed))
	if err != nil {
		return nil, err
	}
	return orb.MultiPolygon(geo.Polygons(fixed)), nil
}
