// linalg_test.go --  This file is part of goCDFT project.
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
package linalg

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestInverseSqrt(t *testing.T) {
	s := 0.6
	S := mat.NewSymDense(2, []float64{1, s, s, 1})
	X, vals, err := InverseSqrt(S, 1e-10)
	require.NoError(t, err)
	assert.InDelta(t, 1-s, vals[0], 1e-12)
	assert.InDelta(t, 1+s, vals[1], 1e-12)

	// X S X = I
	XSX := Transform(X, S)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, XSX.At(i, j), 1e-12)
		}
	}

	a := 0.5 * (1/math.Sqrt(1+s) + 1/math.Sqrt(1-s))
	b := 0.5 * (1/math.Sqrt(1+s) - 1/math.Sqrt(1-s))
	assert.InDelta(t, a, X.At(0, 0), 1e-12)
	assert.InDelta(t, b, X.At(0, 1), 1e-12)
}

func TestInverseSqrtSingular(t *testing.T) {
	S := mat.NewSymDense(2, []float64{1, 1, 1, 1})
	_, vals, err := InverseSqrt(S, 1e-8)
	assert.ErrorIs(t, err, ErrSingular)
	assert.Len(t, vals, 2)
}

func TestAdjugate(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	adj, err := Adjugate(a)
	require.NoError(t, err)
	want := []float64{4, -2, -3, 1}
	for i, w := range want {
		assert.InDelta(t, w, adj.At(i/2, i%2), 1e-12)
	}

	// adj of a rank-1 2x2 matrix is still defined
	sing := mat.NewDense(2, 2, []float64{1, 2, 2, 4})
	adj, err = Adjugate(sing)
	require.NoError(t, err)
	want = []float64{4, -2, -2, 1}
	for i, w := range want {
		assert.InDelta(t, w, adj.At(i/2, i%2), 1e-12)
	}

	one, err := Adjugate(mat.NewDense(1, 1, []float64{-0.3}))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, one.At(0, 0), 1e-12)

	_, err = Adjugate(mat.NewDense(2, 3, nil))
	assert.Error(t, err)
}

func TestAdjugateRankDeficient3x3(t *testing.T) {
	// rank 1: every 2x2 minor vanishes
	a := mat.NewDense(3, 3, []float64{1, 2, 3, 2, 4, 6, 3, 6, 9})
	adj, err := Adjugate(a)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, 0, adj.At(i, j), 1e-10)
		}
	}
}

func TestSolve(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{2, 1, 1, 3})
	x, err := Solve(a, []float64{3, 5}, 1e12)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, x[0], 1e-12)
	assert.InDelta(t, 1.4, x[1], 1e-12)

	_, err = Solve(mat.NewDense(2, 2, []float64{1, 1, 1, 1}), []float64{1, 1}, 1e12)
	assert.ErrorIs(t, err, ErrSingular)

	_, err = Solve(mat.NewDense(1, 1, []float64{math.NaN()}), []float64{1}, 1e12)
	assert.ErrorIs(t, err, ErrSingular)
}

func TestFormatDense(t *testing.T) {
	out := FormatDense(mat.NewDense(1, 2, []float64{1, 2}))
	assert.Contains(t, out, "1.00000000")
}
