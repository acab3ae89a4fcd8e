// linalg.go --  This file is part of goCDFT project.
// Mirzaeva Irina, 2023
//
//	goCDFT is distributed in the hope that it will be useful,
//	but WITHOUT ANY WARRANTY; without even the implied warranty
//	of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//	See the GNU General Public License for more details.
//
//	You should have received a copy of the GNU General Public License
//	along with this program.  If not, see http://www.gnu.org/licenses/
//
// ------------------------------------------------

// Package linalg collects the small dense linear-algebra helpers used by the
// model engine, the constraint solver and the coupling code.
package linalg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrSingular is returned when a matrix cannot be inverted reliably.
	ErrSingular = errors.New("singular or ill-conditioned matrix")
	// ErrEigen is returned when an eigendecomposition fails.
	ErrEigen = errors.New("eigendecomposition failed")
)

// FormatDense renders a matrix the way the .out report prints them.
func FormatDense(D mat.Matrix) string {
	fa := mat.Formatted(D, mat.Prefix("    "), mat.Squeeze())
	return fmt.Sprintf("    %.8f", fa)
}

// SymEigen returns eigenvalues in ascending order and eigenvectors as columns.
func SymEigen(a mat.Symmetric) ([]float64, *mat.Dense, error) {
	var eigsym mat.EigenSym
	if ok := eigsym.Factorize(a, true); !ok {
		return nil, nil, ErrEigen
	}
	var ev mat.Dense
	eigsym.VectorsTo(&ev)
	return eigsym.Values(nil), &ev, nil
}

// InverseSqrt returns S^-1/2 of a symmetric positive definite matrix together
// with the eigenvalues of S. Eigenvalues below minEig make the result
// numerically meaningless and are reported as ErrSingular.
func InverseSqrt(S mat.Symmetric, minEig float64) (*mat.SymDense, []float64, error) {
	n := S.SymmetricDim()
	vals, ev, err := SymEigen(S)
	if err != nil {
		return nil, nil, err
	}
	for _, v := range vals {
		if !(v > minEig) {
			return nil, vals, fmt.Errorf("%w: eigenvalue %.3e below %.1e", ErrSingular, v, minEig)
		}
	}
	invSqrt := make([]float64, n)
	for i, v := range vals {
		invSqrt[i] = 1 / math.Sqrt(v)
	}
	var tmp mat.Dense
	tmp.Mul(ev, mat.NewDiagDense(n, invSqrt))
	tmp.Mul(&tmp, ev.T())
	return Symmetrize(&tmp), vals, nil
}

// Transform returns X A X for symmetric X and A.
func Transform(X, A mat.Symmetric) *mat.SymDense {
	var tmp mat.Dense
	tmp.Mul(X, A)
	tmp.Mul(&tmp, X)
	return Symmetrize(&tmp)
}

// Symmetrize returns (A + A^T)/2 of a square matrix.
func Symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	res := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			res.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return res
}

// Adjugate returns adj(A) = det(A) A^-1, computed through the SVD so that it
// stays defined when A is singular.
func Adjugate(a mat.Matrix) (*mat.Dense, error) {
	r, c := a.Dims()
	if r != c {
		return nil, fmt.Errorf("adjugate of a %dx%d matrix", r, c)
	}
	n := r
	if n == 0 {
		return &mat.Dense{}, nil
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("svd factorization failed")
	}
	sigma := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// adj(U S V^T) = det(V) V adj(S) det(U) U^T
	adjS := make([]float64, n)
	for i := range adjS {
		p := 1.0
		for j, s := range sigma {
			if j != i {
				p *= s
			}
		}
		adjS[i] = p
	}
	sign := mat.Det(&u) * mat.Det(&v)
	var res mat.Dense
	res.Mul(&v, mat.NewDiagDense(n, adjS))
	res.Mul(&res, u.T())
	res.Scale(math.Copysign(1, sign), &res)
	return &res, nil
}

// Solve solves A x = b with an LU factorization. Systems whose condition
// number exceeds maxCond, or that produce non-finite entries, are rejected
// with ErrSingular.
func Solve(a *mat.Dense, b []float64, maxCond float64) ([]float64, error) {
	n, _ := a.Dims()
	for _, v := range a.RawMatrix().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite entry", ErrSingular)
		}
	}
	var lu mat.LU
	lu.Factorize(a)
	if cond := lu.Cond(); math.IsInf(cond, 0) || math.IsNaN(cond) || cond > maxCond {
		return nil, fmt.Errorf("%w: condition number %.3e", ErrSingular, cond)
	}
	var x mat.VecDense
	if err := lu.SolveVecTo(&x, false, mat.NewVecDense(n, append([]float64(nil), b...))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	res := make([]float64, n)
	for i := range res {
		res[i] = x.AtVec(i)
		if math.IsNaN(res[i]) || math.IsInf(res[i], 0) {
			return nil, fmt.Errorf("%w: non-finite solution", ErrSingular)
		}
	}
	return res, nil
}
