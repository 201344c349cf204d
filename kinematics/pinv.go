package kinematics

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DegenerateTolerance is the smallest ratio of smallest to largest singular value that is
// still treated as full rank.
const DegenerateTolerance = 1e-10

// ErrDegenerateJacobian is returned when a pseudo-inverse cannot be formed.
var ErrDegenerateJacobian = errors.New("jacobian is degenerate")

// Decomposition is the thin singular value decomposition of a Jacobian.
type Decomposition struct {
	Values []float64 // descending
	U      *mat.Dense
	V      *mat.Dense
}

// Decompose factorizes a.
func Decompose(a mat.Matrix) (*Decomposition, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.Wrap(ErrDegenerateJacobian, "svd did not converge")
	}
	d := &Decomposition{
		Values: svd.Values(nil),
		U:      &mat.Dense{},
		V:      &mat.Dense{},
	}
	svd.UTo(d.U)
	svd.VTo(d.V)
	return d, nil
}

// Degenerate reports whether the matrix is rank deficient for control purposes.
func (d *Decomposition) Degenerate() bool {
	if len(d.Values) == 0 {
		return true
	}
	for _, v := range d.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	largest, smallest := d.Values[0], d.Values[len(d.Values)-1]
	return largest == 0 || smallest <= DegenerateTolerance*largest
}

// Condition returns the condition number, +Inf when degenerate.
func (d *Decomposition) Condition() float64 {
	if d.Degenerate() {
		return math.Inf(1)
	}
	return d.Values[0] / d.Values[len(d.Values)-1]
}

// SmallestDirection returns the left singular vector of the smallest singular value: the
// Cartesian direction the arm is least able to move in.
func (d *Decomposition) SmallestDirection() []float64 {
	return mat.Col(nil, len(d.Values)-1, d.U)
}

// PseudoInverse forms V·Σ⁺·Uᵀ. With damping > 0 each singular value is inverted as
// σ/(σ²+λ²), which stays bounded near a singularity. Without damping a degenerate matrix
// returns ErrDegenerateJacobian.
func (d *Decomposition) PseudoInverse(damping float64) (*mat.Dense, error) {
	if damping <= 0 && d.Degenerate() {
		return nil, ErrDegenerateJacobian
	}
	vs := mat.DenseCopyOf(d.V)
	rows, _ := vs.Dims()
	for c, sigma := range d.Values {
		var inv float64
		switch {
		case damping > 0:
			inv = sigma / (sigma*sigma + damping*damping)
		case sigma > 0:
			inv = 1 / sigma
		}
		for r := 0; r < rows; r++ {
			vs.Set(r, c, vs.At(r, c)*inv)
		}
	}
	var pinv mat.Dense
	pinv.Mul(vs, d.U.T())
	return &pinv, nil
}

// PseudoInverse is a convenience for Decompose followed by an undamped pseudo-inverse.
func PseudoInverse(a mat.Matrix) (*mat.Dense, error) {
	d, err := Decompose(a)
	if err != nil {
		return nil, err
	}
	return d.PseudoInverse(0)
}

// MulVec returns a·v as a slice.
func MulVec(a mat.Matrix, v []float64) []float64 {
	r, _ := a.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(a, mat.NewVecDense(len(v), append([]float64(nil), v...)))
	return out.RawVector().Data
}
