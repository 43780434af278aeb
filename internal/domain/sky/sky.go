// Package sky holds the flat-sky geometry used by the matcher.
package sky

import (
	"fmt"
	"math"
	"sort"
)

const (
	arcsecPerDeg = 3600.0
	degToRad     = math.Pi / 180
)

// ArcsecToDeg converts an angle in arcseconds to degrees.
func ArcsecToDeg(arcsec float64) float64 { return arcsec / arcsecPerDeg }

// DegToArcsec converts an angle in degrees to arcseconds.
func DegToArcsec(deg float64) float64 { return deg * arcsecPerDeg }

// Distance2 returns the squared separation in deg² between a position and an
// object. The RA offset is scaled by cos(dec) to project it onto the sky. At
// the poles the scale is undefined and the raw offset is used.
func Distance2(ra, dec, objRA, objDec float64) float64 {
	dRA := ra - objRA
	dDec := dec - objDec
	if math.Abs(dec) < 90 {
		dRA *= math.Cos(dec * degToRad)
	}
	return dRA*dRA + dDec*dDec
}

// Tolerance2 converts an arcsecond tolerance into the squared-degree units
// returned by Distance2.
func Tolerance2(toleranceArcsec float64) float64 {
	t := ArcsecToDeg(toleranceArcsec)
	return t * t
}

// Cells returns the sorted grid-cell keys covered by a square box of
// halfWidth degrees around (ra, dec). Cells are cellDeg on a side and
// columns wrap at RA 360.
func Cells(ra, dec, halfWidth, cellDeg float64) []string {
	if cellDeg <= 0 {
		cellDeg = 1
	}
	cols := int(math.Ceil(360 / cellDeg))
	i0 := int(math.Floor((ra - halfWidth) / cellDeg))
	i1 := int(math.Floor((ra + halfWidth) / cellDeg))
	j0 := int(math.Floor((math.Max(dec-halfWidth, -90)) / cellDeg))
	j1 := int(math.Floor((math.Min(dec+halfWidth, 90)) / cellDeg))
	if i1-i0+1 >= cols {
		i0, i1 = 0, cols-1
	}

	seen := make(map[string]struct{})
	keys := make([]string, 0, (i1-i0+1)*(j1-j0+1))
	for i := i0; i <= i1; i++ {
		col := ((i % cols) + cols) % cols
		for j := j0; j <= j1; j++ {
			k := fmt.Sprintf("%d:%d", col, j)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
