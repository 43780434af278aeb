// Package synth generates synthetic survey exposures for demos and load
// tests, and drives a running photdb service with them.
package synth

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/okian/photdb/internal/domain/catalog"
	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/internal/domain/sky"
)

// Magnitude and detector ranges of generated sources.
const (
	brightMag     = 16.0
	faintMag      = 22.0
	minMagErr     = 0.01
	magErrSlope   = 0.02
	sensorCount   = 100
	sensorPixels  = 4200
	expTime       = 300.0
	exposureIDFmt = "20060102T150405.0"
)

// ErrInvalidConfig reports a generator configuration that cannot describe a field.
var ErrInvalidConfig = errors.New("invalid synth config")

// Config describes a synthetic field observed several times.
type Config struct {
	Exposures int
	Sources   int
	// RA and Dec are the field centre in degrees; FieldDeg its side.
	RA       float64
	Dec      float64
	FieldDeg float64
	// JitterArcsec is the 1-sigma scatter of detected positions.
	JitterArcsec float64
	// DetectFraction is the chance a source is detected in one exposure.
	DetectFraction float64
	// RefFraction of the sources carry a reference position in the first exposure.
	RefFraction float64
	Filter      string
	Seed        uint64
	Start       time.Time
}

// DefaultConfig returns a small field with sub-arcsecond scatter.
func DefaultConfig() Config {
	return Config{
		Exposures:      5,
		Sources:        1000,
		RA:             150.1,
		Dec:            2.2,
		FieldDeg:       0.5,
		JitterArcsec:   0.1,
		DetectFraction: 0.9,
		RefFraction:    0.2,
		Filter:         "odi_g",
		Seed:           1,
		Start:          time.Date(2015, 12, 4, 0, 53, 6, 0, time.UTC),
	}
}

func (c Config) validate() error {
	switch {
	case c.Exposures <= 0:
		return fmt.Errorf("%w: exposures must be positive", ErrInvalidConfig)
	case c.Sources <= 0:
		return fmt.Errorf("%w: sources must be positive", ErrInvalidConfig)
	case c.FieldDeg <= 0 || c.FieldDeg > 10:
		return fmt.Errorf("%w: field must be in (0, 10] degrees", ErrInvalidConfig)
	case c.Dec-c.FieldDeg/2 < -89 || c.Dec+c.FieldDeg/2 > 89:
		return fmt.Errorf("%w: field reaches a pole", ErrInvalidConfig)
	case c.JitterArcsec < 0:
		return fmt.Errorf("%w: jitter must not be negative", ErrInvalidConfig)
	case c.DetectFraction < 0 || c.DetectFraction > 1:
		return fmt.Errorf("%w: detect fraction must be in [0, 1]", ErrInvalidConfig)
	case c.RefFraction < 0 || c.RefFraction > 1:
		return fmt.Errorf("%w: ref fraction must be in [0, 1]", ErrInvalidConfig)
	}
	if err := (model.Position{RA: c.RA, Dec: c.Dec}).Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Source is one true object of the synthetic field.
type Source struct {
	Pos model.Position
	Mag float64
}

// Survey is a generated field and the batches observing it.
type Survey struct {
	Sources []Source
	Batches []catalog.Batch
}

// Detections counts the rows over all batches.
func (s Survey) Detections() int {
	n := 0
	for _, b := range s.Batches {
		n += len(b.Rows)
	}
	return n
}

// Generate builds a survey. The same Config always yields the same survey.
func Generate(cfg Config) (Survey, error) {
	if err := cfg.validate(); err != nil {
		return Survey{}, err
	}
	if cfg.Filter == "" {
		cfg.Filter = "odi_g"
	}
	if cfg.Start.IsZero() {
		cfg.Start = DefaultConfig().Start
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	cosDec := math.Cos(cfg.Dec * math.Pi / 180)
	sources := make([]Source, cfg.Sources)
	for i := range sources {
		sources[i] = Source{
			Pos: model.Position{
				RA:  wrapRA(cfg.RA + (rng.Float64()-0.5)*cfg.FieldDeg/cosDec),
				Dec: cfg.Dec + (rng.Float64()-0.5)*cfg.FieldDeg,
			},
			Mag: brightMag + rng.Float64()*(faintMag-brightMag),
		}
	}

	survey := Survey{Sources: sources, Batches: make([]catalog.Batch, cfg.Exposures)}
	for e := range survey.Batches {
		observed := cfg.Start.Add(time.Duration(e) * time.Duration(expTime+30) * time.Second)
		b := catalog.Batch{
			Exposure: catalog.ExposureInput{
				ID:         observed.Format(exposureIDFmt),
				Instrument: model.DefaultInstrument,
				Filter:     cfg.Filter,
				Airmass:    1 + rng.Float64()*0.5,
				ExpTime:    expTime,
				Seeing:     0.6 + rng.Float64()*0.8,
				DateObs:    observed.Format(time.RFC3339Nano),
			},
			Rows: make([]catalog.Row, 0, cfg.Sources),
		}
		for i, src := range sources {
			if rng.Float64() >= cfg.DetectFraction {
				continue
			}
			r := detect(rng, src, cfg.JitterArcsec)
			if e == 0 && float64(i) < cfg.RefFraction*float64(cfg.Sources) {
				r.Ref = reference(src)
			}
			b.Rows = append(b.Rows, r)
		}
		survey.Batches[e] = b
	}
	return survey, nil
}

func detect(rng *rand.Rand, src Source, jitterArcsec float64) catalog.Row {
	sigma := sky.ArcsecToDeg(jitterArcsec)
	cosDec := math.Cos(src.Pos.Dec * math.Pi / 180)
	ra := wrapRA(src.Pos.RA + rng.NormFloat64()*sigma/cosDec)
	dec := math.Max(-90, math.Min(90, src.Pos.Dec+rng.NormFloat64()*sigma))

	magErr := minMagErr + magErrSlope*(src.Mag-brightMag)/(faintMag-brightMag)
	mag := src.Mag + rng.NormFloat64()*magErr
	sensor := rng.IntN(sensorCount)
	x, y := rng.IntN(sensorPixels), rng.IntN(sensorPixels)

	return catalog.Row{RA: &ra, Dec: &dec, Mag: &mag, MagErr: &magErr, Sensor: &sensor, X: &x, Y: &y}
}

// reference mimics a survey catalogue entry with colours around the
// detected band.
func reference(src Source) *catalog.RefCandidate {
	ra, dec := src.Pos.RA, src.Pos.Dec
	u, g, r, i, z := src.Mag+1.2, src.Mag, src.Mag-0.4, src.Mag-0.6, src.Mag-0.7
	return &catalog.RefCandidate{
		RA:   &ra,
		Dec:  &dec,
		Mags: model.ExternalMags{U: &u, G: &g, R: &r, I: &i, Z: &z},
	}
}

func wrapRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}
