// Package merge collapses same-named boundary features into one feature per
// name and places one label point per merged feature.
package merge

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/lucasnoah/chronotiles/internal/geo"
)

// UnknownName is the group for features without a name.
const UnknownName = "Unknown"

// Options controls grouping and property retention.
type Options struct {
	// NameProperty is the property features are grouped by.
	NameProperty string
	// RetainProperties, when non-empty, is the set of properties kept on
	// output features. Empty keeps everything.
	RetainProperties []string
}

// Result holds the two sibling collections produced by Merge.
type Result struct {
	Polygons *geojson.FeatureCollection
	Labels   *geojson.FeatureCollection
	// Groups is the number of distinct names.
	Groups int
	// LabelFailures names the groups whose label point could not be placed.
	LabelFailures []string
}

type group struct {
	name     string
	features []*geojson.Feature
}

// Merge groups fc's features by name. Groups keep first-seen order.
func Merge(fc *geojson.FeatureCollection, opts Options) *Result {
	var groups []*group
	index := map[string]*group{}
	if fc != nil {
		for _, f := range fc.Features {
			if f == nil {
				continue
			}
			name := geo.Name(f.Properties, opts.NameProperty)
			if name == "" {
				name = UnknownName
			}
			g, ok := index[name]
			if !ok {
				g = &group{name: name}
				index[name] = g
				groups = append(groups, g)
			}
			g.features = append(g.features, f)
		}
	}

	res := &Result{
		Polygons: geojson.NewFeatureCollection(),
		Labels:   geojson.NewFeatureCollection(),
		Groups:   len(groups),
	}
	for _, g := range groups {
		merged := mergeGroup(g, opts)
		res.Polygons.Append(merged)

		label, err := LabelPoint(merged)
		if err != nil {
			res.LabelFailures = append(res.LabelFailures, g.name)
			continue
		}
		res.Labels.Append(label)
	}
	return res
}

func mergeGroup(g *group, opts Options) *geojson.Feature {
	first := g.features[0]
	if len(g.features) == 1 {
		out := *first
		out.Properties = retain(first.Properties, opts.RetainProperties)
		return &out
	}

	var mp orb.MultiPolygon
	for _, f := range g.features {
		mp = append(mp, geo.Polygons(f.Geometry)...)
	}
	out := geojson.NewFeature(mp)
	out.Properties = retain(first.Properties, opts.RetainProperties)
	return out
}

func retain(props geojson.Properties, keep []string) geojson.Properties {
	if len(keep) == 0 {
		return props.Clone()
	}
	out := make(geojson.Properties, len(keep))
	for _, k := range keep {
		if v, ok := props[k]; ok {
			out[k] = v
		}
	}
	return out
}

// LabelPoint returns a point feature on the surface of f's largest polygon,
// carrying a copy of f's properties.
func LabelPoint(f *geojson.Feature) (*geojson.Feature, error) {
	largest, ok := LargestPolygon(f.Geometry)
	if !ok {
		return nil, errors.New("no polygon with area")
	}
	pt, err := pointOnSurface(largest)
	if err != nil {
		return nil, err
	}
	label := geojson.NewFeature(pt)
	label.Properties = f.Properties.Clone()
	return label, nil
}

// LargestPolygon returns the constituent polygon of g with the largest
// planar area.
func LargestPolygon(g orb.Geometry) (orb.Polygon, bool) {
	var (
		best     orb.Polygon
		bestArea = -1.0
	)
	for _, p := range geo.Polygons(g) {
		if len(p) == 0 {
			continue
		}
		a := math.Abs(planar.Area(p))
		if a > bestArea {
			best, bestArea = p, a
		}
	}
	if bestArea <= 0 {
		return nil, false
	}
	return best, true
}

// pointOnSurface asks GEOS for a point guaranteed inside p, which a centroid
// is not for concave shapes.
func pointOnSurface(p orb.Polygon) (orb.Point, error) {
	gp, err := geo.ToGEOS(p)
	if err != nil {
		return orb.Point{}, err
	}
	var out orb.Geometry
	err = geo.Guard(func() error {
		var cerr error
		out, cerr = geo.FromGEOS(gp.PointOnSurface())
		return cerr
	})
	if err != nil {
		return orb.Point{}, err
	}
	pt, ok := out.(orb.Point)
	if !ok {
		return orb.Point{}, fmt.Errorf("point on surface returned %s", geo.GeometryType(out))
	}
	if math.IsNaN(pt[0]) || math.IsNaN(pt[1]) {
		return orb.Point{}, errors.New("point on surface is empty")
	}
	return pt, nil
}
