// Package geo reads and writes GeoJSON collections and bridges between the
// orb geometry model and GEOS.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/twpayne/go-geos"

	"github.com/lucasnoah/chronotiles/internal/pipeline"
)

const (
	TypePolygon      = "Polygon"
	TypeMultiPolygon = "MultiPolygon"
)

// ReadCollection parses the feature collection at path.
func ReadCollection(path string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return fc, nil
}

// EncodeCollection serializes fc.
func EncodeCollection(fc *geojson.FeatureCollection) ([]byte, error) {
	data, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("encode feature collection: %w", err)
	}
	return data, nil
}

// WriteCollection atomically writes fc to path and returns the bytes written.
func WriteCollection(path string, fc *geojson.FeatureCollection) ([]byte, error) {
	data, err := EncodeCollection(fc)
	if err != nil {
		return nil, err
	}
	if err := pipeline.WriteAtomic(path, data); err != nil {
		return nil, err
	}
	return data, nil
}

// GeometryType returns the GeoJSON type name of g, or "" for nil.
func GeometryType(g orb.Geometry) string {
	if g == nil {
		return ""
	}
	return g.GeoJSONType()
}

// IsPolygonal reports whether g is a Polygon or MultiPolygon.
func IsPolygonal(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return true
	}
	return false
}

// Name returns the string value of props[key], or "" when it is absent,
// null or blank.
func Name(props geojson.Properties, key string) string {
	v, ok := props[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

// ToGEOS converts an orb geometry into a GEOS geometry.
func ToGEOS(g orb.Geometry) (gg *geos.Geom, err error) {
	if g == nil {
		return nil, errors.New("nil geometry")
	}
	data, err := json.Marshal(geojson.NewGeometry(g))
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	err = Guard(func() error {
		var perr error
		gg, perr = geos.NewGeomFromGeoJSON(string(data))
		return perr
	})
	if err != nil {
		return nil, fmt.Errorf("build geos geometry: %w", err)
	}
	return gg, nil
}

// FromGEOS converts a GEOS geometry back into orb.
func FromGEOS(g *geos.Geom) (orb.Geometry, error) {
	var s string
	if err := Guard(func() error {
		s = g.ToGeoJSON(-1)
		return nil
	}); err != nil {
		return nil, err
	}
	parsed, err := geojson.UnmarshalGeometry([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("decode geos output: %w", err)
	}
	return parsed.Geometry(), nil
}

// Guard runs fn and turns a panic from the GEOS bindings into an error.
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("geos: %v", r)
		}
	}()
	return fn()
}

// Polygons flattens g into its non-empty polygon parts. Non-polygonal
// members of a collection are dropped.
func Polygons(g orb.Geometry) []orb.Polygon {
	switch t := g.(type) {
	case orb.Polygon:
		if len(t) == 0 || len(t[0]) == 0 {
			return nil
		}
		return []orb.Polygon{t}
	case orb.MultiPolygon:
		var out []orb.Polygon
		for _, p := range t {
			out = append(out, Polygons(p)...)
		}
		return out
	case orb.Collection:
		var out []orb.Polygon
		for _, m := range t {
			out = append(out, Polygons(m)...)
		}
		return out
	}
	return nil
}
