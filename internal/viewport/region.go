// Package viewport computes which tracked vehicles fall inside the region the
// map is currently showing.
package viewport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// RegionPredicate reports whether a position is inside a region. It is
// supplied by the rendering surface and only evaluated, never stored by
// identity beyond the next recomputation.
type RegionPredicate interface {
	Contains(lat, lon float64) bool
}

// RegionFunc adapts a plain function to RegionPredicate.
type RegionFunc func(lat, lon float64) bool

func (f RegionFunc) Contains(lat, lon float64) bool { return f(lat, lon) }

// BoundingBox is a lat/lon rectangle. When West is greater than East the box
// crosses the antimeridian.
type BoundingBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

func (b BoundingBox) Contains(lat, lon float64) bool {
	if lat < b.South || lat > b.North {
		return false
	}
	if b.West <= b.East {
		return lon >= b.West && lon <= b.East
	}
	return lon >= b.West || lon <= b.East
}

func (b BoundingBox) Validate() error {
	switch {
	case b.South < -90 || b.North > 90:
		return fmt.Errorf("latitude outside [-90, 90]: %v..%v", b.South, b.North)
	case b.South > b.North:
		return fmt.Errorf("south %v is north of north %v", b.South, b.North)
	case b.West < -180 || b.West > 180 || b.East < -180 || b.East > 180:
		return fmt.Errorf("longitude outside [-180, 180]: %v..%v", b.West, b.East)
	}
	return nil
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("bbox:%g,%g,%g,%g", b.South, b.West, b.North, b.East)
}

// Expression is a region written as a boolean expr-lang expression over lat
// and lon, e.g. `lat > 40.43 && lon < -79.95`.
type Expression struct {
	source  string
	program *vm.Program
}

func CompileExpression(source string) (*Expression, error) {
	program, err := expr.Compile(source, expr.Env(regionEnv(0, 0)), expr.AsBool())
	if err != nil {
		return nil, err
	}
	return &Expression{source: source, program: program}, nil
}

// Contains treats an evaluation failure as outside the region.
func (e *Expression) Contains(lat, lon float64) bool {
	out, err := expr.Run(e.program, regionEnv(lat, lon))
	if err != nil {
		return false
	}
	inside, _ := out.(bool)
	return inside
}

func (e *Expression) String() string { return e.source }

func regionEnv(lat, lon float64) map[string]any {
	return map[string]any{"lat": lat, "lon": lon}
}

var ErrEmptyRegion = errors.New("empty region")

// ParseRegion accepts "bbox:south,west,north,east" or an expression over lat
// and lon.
func ParseRegion(s string) (RegionPredicate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyRegion
	}

	if rest, ok := strings.CutPrefix(s, "bbox:"); ok {
		parts := strings.Split(rest, ",")
		if len(parts) != 4 {
			return nil, fmt.Errorf("bbox wants 4 comma separated values, got %d", len(parts))
		}
		var v [4]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("bbox value %d: %w", i, err)
			}
			v[i] = f
		}
		box := BoundingBox{South: v[0], West: v[1], North: v[2], East: v[3]}
		if err := box.Validate(); err != nil {
			return nil, err
		}
		return box, nil
	}

	e, err := CompileExpression(s)
	if err != nil {
		return nil, fmt.Errorf("region expression: %w", err)
	}
	return e, nil
}
