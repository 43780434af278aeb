package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/okian/photdb/internal/domain/catalog"
	"github.com/okian/photdb/internal/domain/model"
)

// render writes v as indented JSON, or calls table with a tabwriter.
func (e *env) render(v any, table func(w io.Writer)) error {
	if e.output == outputJSON {
		enc := json.NewEncoder(e.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 0, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func row(w io.Writer, cols ...any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = cell(c)
	}
	fmt.Fprintln(w, strings.Join(parts, "\t"))
}

func cell(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', 6, 64)
	case *float64:
		if x == nil {
			return "-"
		}
		return strconv.FormatFloat(*x, 'f', 4, 64)
	case *int64:
		if x == nil {
			return "-"
		}
		return strconv.FormatInt(*x, 10)
	case time.Time:
		if x.IsZero() {
			return "-"
		}
		return x.UTC().Format(time.RFC3339)
	case time.Duration:
		return x.Round(time.Millisecond).String()
	default:
		return fmt.Sprint(v)
	}
}

func objectRows(w io.Writer, objs ...model.ReferenceObject) {
	row(w, "ID", "RA", "DEC", "U", "G", "R", "I", "Z")
	for _, o := range objs {
		row(w, o.ID, o.Pos.RA, o.Pos.Dec, o.Mags.U, o.Mags.G, o.Mags.R, o.Mags.I, o.Mags.Z)
	}
}

func exposureRows(w io.Writer, exps ...model.Exposure) {
	row(w, "ID", "INSTRUMENT", "FILTER", "AIRMASS", "EXPTIME", "FWHM", "DATEOBS", "PHOTZP")
	for _, x := range exps {
		row(w, x.ID, x.Instrument, x.Filter,
			strconv.FormatFloat(x.Airmass, 'f', 3, 64),
			strconv.FormatFloat(x.ExpTime, 'f', 1, 64),
			strconv.FormatFloat(x.Seeing, 'f', 2, 64),
			x.ObservedAt, x.ZeroPoint)
	}
}

func visitRows(w io.Writer, visits []catalog.Visit) {
	row(w, "MEASUREMENT", "EXPOSURE", "OBJECT", "FILTER", "DATEOBS", "MAG", "MAG_ERR", "CALIBRATED")
	for _, v := range visits {
		row(w, v.ID, v.ExposureID, v.ObjectID, v.Filter, v.ObservedAt, v.Mag, v.MagErr, v.Calibrated)
	}
}
