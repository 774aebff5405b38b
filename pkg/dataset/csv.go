package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// ErrWrite wraps every output failure. It aborts the project being mined.
var ErrWrite = errors.New("dataset write failed")

// Columns is the output column order. Downstream consumers depend on it.
var Columns = []string{
	"Project", "File", "Method", "Release",
	"LOC", "Statements", "Cyclomatic", "MaxNesting", "Parameters",
	"HalsteadVocabulary", "HalsteadLength", "HalsteadVolume", "HalsteadDifficulty", "HalsteadEffort",
	"Touches", "CodeSmells", "HasCodeSmells", "PrevHasCodeSmells", "PrevBuggy", "Buggy",
}

// Writer appends rows to a dataset.
type Writer interface {
	Write(rows []MethodRecord) error
	Close() error
}

// CSVWriter writes records in Columns order. Booleans are true/false except
// Buggy, which is yes/no.
type CSVWriter struct {
	out    *csv.Writer
	closer io.Closer
}

// NewCSVWriter writes to w, emitting the header row first when header is set.
func NewCSVWriter(w io.Writer, header bool) (*CSVWriter, error) {
	cw := &CSVWriter{out: csv.NewWriter(w)}

	if closer, ok := w.(io.Closer); ok {
		cw.closer = closer
	}

	if header {
		if err := cw.out.Write(Columns); err != nil {
			return nil, fmt.Errorf("%w: header: %w", ErrWrite, err)
		}
	}

	return cw, nil
}

// OpenCSV opens path for writing. With appendMode an existing non-empty
// file is appended to without a second header; otherwise it is truncated.
func OpenCSV(path string, appendMode bool) (*CSVWriter, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	f, err := os.OpenFile(path, flags, 0o644) //nolint:gosec // dataset is meant to be shared.
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrWrite, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		closeErr := f.Close()

		return nil, errors.Join(fmt.Errorf("%w: stat %s: %w", ErrWrite, path, err), closeErr)
	}

	w, err := NewCSVWriter(f, info.Size() == 0)
	if err != nil {
		closeErr := f.Close()

		return nil, errors.Join(err, closeErr)
	}

	return w, nil
}

// Write implements Writer. Rows are flushed before returning.
func (w *CSVWriter) Write(rows []MethodRecord) error {
	for _, r := range rows {
		if err := w.out.Write(Row(r)); err != nil {
			return fmt.Errorf("%w: %w", ErrWrite, err)
		}
	}

	w.out.Flush()

	if err := w.out.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	return nil
}

// Close flushes and closes the underlying file, if any.
func (w *CSVWriter) Close() error {
	w.out.Flush()

	flushErr := w.out.Error()

	var closeErr error
	if w.closer != nil {
		closeErr = w.closer.Close()
	}

	if err := errors.Join(flushErr, closeErr); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	return nil
}

// Row renders r in Columns order.
func Row(r MethodRecord) []string {
	m := r.Metrics

	return []string{
		r.Project,
		r.Path,
		r.Signature,
		r.Release,
		strconv.Itoa(m.LOC),
		strconv.Itoa(m.Statements),
		strconv.Itoa(m.Cyclomatic),
		strconv.Itoa(m.MaxNesting),
		strconv.Itoa(m.Parameters),
		strconv.Itoa(m.HalsteadVocabulary),
		strconv.Itoa(m.HalsteadLength),
		formatFloat(m.HalsteadVolume),
		formatFloat(m.HalsteadDifficulty),
		formatFloat(m.HalsteadEffort),
		strconv.Itoa(r.Touches),
		strconv.Itoa(r.CodeSmells),
		strconv.FormatBool(r.HasCodeSmells()),
		strconv.FormatBool(r.PrevHasCodeSmells()),
		strconv.FormatBool(r.PrevBuggy),
		yesNo(r.Buggy),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}

	return "no"
}
