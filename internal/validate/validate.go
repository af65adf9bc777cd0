// Package validate checks merged boundary collections and repairs invalid
// polygons where it can.
package validate

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/lucasnoah/chronotiles/internal/geo"
)

// Issue codes.
const (
	CodeEmptyCollection     = "empty_collection"
	CodeMissingName         = "missing_name"
	CodeInvalidGeometryType = "invalid_geometry_type"
	CodeRepairedGeometry    = "repaired_geometry"
	CodeUnrepairable        = "unrepairable_geometry"
	CodeCheckFailed         = "validity_check_failed"
)

// Issue is one error or warning.
type Issue struct {
	Code    string `json:"code"`
	Feature int    `json:"feature"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// Repair records which technique fixed which feature.
type Repair struct {
	Technique string `json:"technique"`
	Feature   int    `json:"feature"`
	Name      string `json:"name,omitempty"`
}

// Result is the outcome of validating one collection. Passed is true when
// there are no errors; warnings and repairs never affect it.
type Result struct {
	Passed       bool     `json:"passed"`
	FeatureCount int      `json:"featureCount"`
	Errors       []Issue  `json:"errors"`
	Warnings     []Issue  `json:"warnings"`
	Repairs      []Repair `json:"repairs"`
}

// CheckFunc reports whether g is topologically valid, with a reason when
// it is not.
type CheckFunc func(g orb.Geometry) (valid bool, reason string, err error)

// Validator validates collections against a fixed repair chain.
type Validator struct {
	nameProperty string
	check        CheckFunc
	steps        []Step
}

// New returns a Validator using GEOS validity and the default chain.
func New(nameProperty string) *Validator {
	return &Validator{
		nameProperty: nameProperty,
		check:        IsValid,
		steps:        DefaultChain(),
	}
}

// Validate checks fc. Repaired geometries replace the originals in fc.
func (v *Validator) Validate(fc *geojson.FeatureCollection) *Result {
	res := &Result{Errors: []Issue{}, Warnings: []Issue{}, Repairs: []Repair{}}
	if fc == nil || len(fc.Features) == 0 {
		res.Errors = append(res.Errors, Issue{
			Code:    CodeEmptyCollection,
			Feature: -1,
			Message: "feature collection is missing or has no features",
		})
		return res
	}

	res.FeatureCount = len(fc.Features)
	for i, f := range fc.Features {
		v.validateFeature(i, f, res)
	}
	res.Passed = len(res.Errors) == 0
	return res
}

func (v *Validator) validateFeature(i int, f *geojson.Feature, res *Result) {
	if f == nil {
		res.Errors = append(res.Errors, Issue{Code: CodeInvalidGeometryType, Feature: i, Message: "null feature"})
		return
	}
	name := geo.Name(f.Properties, v.nameProperty)
	if name == "" {
		res.Warnings = append(res.Warnings, Issue{
			Code:    CodeMissingName,
			Feature: i,
			Message: fmt.Sprintf("feature has no %q property", v.nameProperty),
		})
		return
	}
	if !geo.IsPolygonal(f.Geometry) {
		typ := geo.GeometryType(f.Geometry)
		if typ == "" {
			typ = "null"
		}
		res.Errors = append(res.Errors, Issue{
			Code:    CodeInvalidGeometryType,
			Feature: i,
			Name:    name,
			Message: fmt.Sprintf("geometry type %s is not Polygon or MultiPolygon", typ),
		})
		return
	}

	valid, reason, err := v.check(f.Geometry)
	if err != nil {
		res.Warnings = append(res.Warnings, Issue{
			Code:    CodeCheckFailed,
			Feature: i,
			Name:    name,
			Message: err.Error(),
		})
		return
	}
	if valid {
		return
	}

	fixed, technique, ok := v.repair(f.Geometry)
	if !ok {
		res.Warnings = append(res.Warnings, Issue{
			Code:    CodeUnrepairable,
			Feature: i,
			Name:    name,
			Message: fmt.Sprintf("invalid geometry kept as-is: %s", reason),
		})
		return
	}
	f.Geometry = fixed
	res.Warnings = append(res.Warnings, Issue{
		Code:    CodeRepairedGeometry,
		Feature: i,
		Name:    name,
		Message: fmt.Sprintf("repaired with %s: %s", technique, reason),
	})
	res.Repairs = append(res.Repairs, Repair{Technique: technique, Feature: i, Name: name})
}

// repair walks the chain and returns the first output that validates.
func (v *Validator) repair(g orb.Geometry) (orb.Geometry, string, bool) {
	for _, step := range v.steps {
		if step.Applies != nil && !step.Applies(g) {
			continue
		}
		var out orb.Geometry
		err := geo.Guard(func() error {
			var ferr error
			out, ferr = step.Fix(g)
			return ferr
		})
		if err != nil || out == nil || !geo.IsPolygonal(out) || len(geo.Polygons(out)) == 0 {
			continue
		}
		valid, _, err := v.check(out)
		if err == nil && valid {
			return out, step.Name, true
		}
	}
	return nil, "", false
}

// IsValid is the GEOS topological validity check.
func IsValid(g orb.Geometry) (valid bool, reason string, err error) {
	gg, err := geo.ToGEOS(g)
	if err != nil {
		return false, "", err
	}
	err = geo.Guard(func() error {
		valid = gg.IsValid()
		if !valid {
			reason = gg.IsValidReason()
		}
		return nil
	})
	return valid, reason, err
}
