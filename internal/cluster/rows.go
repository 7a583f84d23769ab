package cluster

import "gonum.org/v1/gonum/mat"

// rowSource reads rows of a matrix, without copying when it can.
// A rowSource is not safe for concurrent use.
type rowSource struct {
	m   mat.Matrix
	raw mat.RawRowViewer
	buf []float64
}

func newRowSource(m mat.Matrix) *rowSource {
	s := &rowSource{m: m}
	if raw, ok := m.(mat.RawRowViewer); ok {
		s.raw = raw
	} else {
		_, c := m.Dims()
		s.buf = make([]float64, c)
	}
	return s
}

func (s *rowSource) row(i int) []float64 {
	if s.raw != nil {
		return s.raw.RawRowView(i)
	}
	return mat.Row(s.buf, i, s.m)
}

// errReporter is implemented by matrices backed by storage that can fail
// mid-read, since the mat.Matrix methods cannot return errors.
type errReporter interface {
	Err() error
}

func sourceErr(m mat.Matrix) error {
	if r, ok := m.(errReporter); ok {
		return r.Err()
	}
	return nil
}
