// Package model contains the catalog records passed between layers.
package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Detector geometry of the 10x10 sensor mosaic.
const (
	sensorGridSide = 10
	sensorPixels   = 4200
)

// NoPixel marks detector coordinates that were not supplied.
const NoPixel = -1

// Position is a sky position in degrees.
type Position struct {
	RA  float64 `json:"ra" yaml:"ra"`
	Dec float64 `json:"dec" yaml:"dec"`
}

// Validate checks the position is finite and inside the celestial sphere.
func (p Position) Validate() error {
	switch {
	case math.IsNaN(p.RA) || math.IsInf(p.RA, 0):
		return fmt.Errorf("ra is not finite: %v", p.RA)
	case math.IsNaN(p.Dec) || math.IsInf(p.Dec, 0):
		return fmt.Errorf("dec is not finite: %v", p.Dec)
	case p.RA < 0 || p.RA >= 360:
		return fmt.Errorf("ra out of range [0, 360): %v", p.RA)
	case p.Dec < -90 || p.Dec > 90:
		return fmt.Errorf("dec out of range [-90, 90]: %v", p.Dec)
	}
	return nil
}

// ExternalMags holds optional reference-catalog magnitudes.
type ExternalMags struct {
	U *float64 `json:"u,omitempty" yaml:"u,omitempty"`
	G *float64 `json:"g,omitempty" yaml:"g,omitempty"`
	R *float64 `json:"r,omitempty" yaml:"r,omitempty"`
	I *float64 `json:"i,omitempty" yaml:"i,omitempty"`
	Z *float64 `json:"z,omitempty" yaml:"z,omitempty"`
}

// Exposure is the metadata of one ingested image.
type Exposure struct {
	ID         string    `json:"id"`
	Instrument string    `json:"instrument"`
	Filter     string    `json:"filter"`
	Airmass    float64   `json:"airmass"`
	ExpTime    float64   `json:"exptime"`
	Seeing     float64   `json:"fwhm"`
	ObservedAt time.Time `json:"dateobs"`
	// ZeroPoint stays nil until the exposure is calibrated.
	ZeroPoint *float64 `json:"photzp,omitempty"`
}

// DefaultInstrument is assumed when an exposure does not name one.
const DefaultInstrument = "5odi"

// maxExposureIDLen matches the storage column width.
const maxExposureIDLen = 64

// NewExposure builds a validated exposure.
func NewExposure(e Exposure) (Exposure, error) {
	const op = "model.new_exposure"
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		return Exposure{}, WrapKind(op, ErrMalformedInput, fmt.Errorf("missing exposure id"))
	}
	if len(e.ID) > maxExposureIDLen {
		return Exposure{}, WrapKind(op, ErrMalformedInput, fmt.Errorf("exposure id longer than %d", maxExposureIDLen))
	}
	if e.Instrument == "" {
		e.Instrument = DefaultInstrument
	}
	for name, v := range map[string]float64{"airmass": e.Airmass, "exptime": e.ExpTime, "fwhm": e.Seeing} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Exposure{}, WrapKind(op, ErrMalformedInput, fmt.Errorf("%s is not finite", name))
		}
	}
	if e.ExpTime < 0 {
		return Exposure{}, WrapKind(op, ErrMalformedInput, fmt.Errorf("negative exptime %v", e.ExpTime))
	}
	if e.ObservedAt.IsZero() {
		e.ObservedAt = time.Now().UTC()
	}
	return e, nil
}

// Measurement is one detection ("visit") of a source in one exposure.
type Measurement struct {
	ID         int64    `json:"id"`
	ExposureID string   `json:"exposure_id"`
	ObjectID   *int64   `json:"object_id,omitempty"`
	Pos        Position `json:"position"`
	Mag        float64  `json:"mag"`
	MagErr     float64  `json:"mag_err"`
	Sensor     int      `json:"ota"`
	X          int      `json:"x"`
	Y          int      `json:"y"`
}

// NewMeasurement builds a validated, unlinked measurement.
func NewMeasurement(exposureID string, pos Position, mag, magErr float64) (Measurement, error) {
	const op = "model.new_measurement"
	if strings.TrimSpace(exposureID) == "" {
		return Measurement{}, WrapKind(op, ErrMalformedInput, fmt.Errorf("missing exposure id"))
	}
	if err := pos.Validate(); err != nil {
		return Measurement{}, WrapKind(op, ErrMalformedInput, err)
	}
	if math.IsNaN(mag) || math.IsInf(mag, 0) {
		return Measurement{}, WrapKind(op, ErrMalformedInput, fmt.Errorf("mag is not finite"))
	}
	if math.IsNaN(magErr) || math.IsInf(magErr, 0) || magErr < 0 {
		return Measurement{}, WrapKind(op, ErrMalformedInput, fmt.Errorf("invalid mag error %v", magErr))
	}
	return Measurement{
		ExposureID: exposureID,
		Pos:        pos,
		Mag:        mag,
		MagErr:     magErr,
		Sensor:     NoPixel,
		X:          NoPixel,
		Y:          NoPixel,
	}, nil
}

// Linked reports whether the measurement already references an object.
func (m Measurement) Linked() bool { return m.ObjectID != nil }

// GlobalXY maps sensor-local pixels onto the full mosaic. The sensor index
// encodes the grid cell as column*10+row.
func (m Measurement) GlobalXY() (int, int) {
	col, row := m.Sensor/sensorGridSide, m.Sensor%sensorGridSide
	return sensorPixels*col + m.X, sensorPixels*row + m.Y
}

// ReferenceObject is a deduplicated sky source. Its position is fixed when it
// is created.
type ReferenceObject struct {
	ID   int64        `json:"id"`
	Pos  Position     `json:"position"`
	Mags ExternalMags `json:"mags"`
}

// NewReferenceObject builds a validated object that has not been stored yet.
func NewReferenceObject(pos Position, mags ExternalMags) (ReferenceObject, error) {
	if err := pos.Validate(); err != nil {
		return ReferenceObject{}, WrapKind("model.new_object", ErrMalformedInput, err)
	}
	return ReferenceObject{Pos: pos, Mags: mags}, nil
}

// Unmatched is the projection of a measurement awaiting reconciliation.
type Unmatched struct {
	ID  int64
	Pos Position
}
