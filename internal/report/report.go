// Package report writes calibration and pricing results to disk or any
// writer, as indented JSON and as CSV.
package report

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"

	"github.com/contactkeval/pryce/internal/service"
)

const (
	CalibrationFile = "calibration.json"
	CurveFile       = "curve.csv"
	PriceFile       = "price.json"
)

// CurveRow is one smile point in curve.csv.
type CurveRow struct {
	Moneyness float64 `csv:"moneyness"`
	IVMarket  float64 `csv:"iv_market"`
	IVHeston  float64 `csv:"iv_heston"`
}

// CurveRows flattens the view's smile into rows.
func CurveRows(view *service.CalibrationView) []*CurveRow {
	c := view.Curve
	rows := make([]*CurveRow, len(c.Moneyness))
	for i := range c.Moneyness {
		rows[i] = &CurveRow{Moneyness: c.Moneyness[i], IVMarket: c.IVMarket[i], IVHeston: c.IVModel[i]}
	}
	return rows
}

// EncodeJSON writes v to w as two-space indented JSON.
func EncodeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// WriteCalibration writes calibration.json and curve.csv into outdir,
// creating it if needed.
func WriteCalibration(view *service.CalibrationView, outdir string) error {
	if err := os.MkdirAll(outdir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", outdir)
	}
	if err := writeJSONFile(filepath.Join(outdir, CalibrationFile), view); err != nil {
		return err
	}

	f, err := os.Create(filepath.Join(outdir, CurveFile))
	if err != nil {
		return err
	}
	rows := CurveRows(view)
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		f.Close()
		return errors.Wrap(err, "write curve")
	}
	return errors.Wrap(f.Close(), "close curve")
}

// WritePrice writes price.json into outdir.
func WritePrice(resp *service.PriceResponse, outdir string) error {
	if err := os.MkdirAll(outdir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", outdir)
	}
	return writeJSONFile(filepath.Join(outdir, PriceFile), resp)
}

func writeJSONFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return encodeAndClose(f, filepath.Base(path), v)
}

// encodeAndClose reports the first of the encode and close errors.
func encodeAndClose(wc io.WriteCloser, name string, v any) error {
	if err := EncodeJSON(wc, v); err != nil {
		wc.Close()
		return errors.Wrapf(err, "write %s", name)
	}
	return errors.Wrapf(wc.Close(), "close %s", name)
}
