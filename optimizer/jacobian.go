// jacobian.go --  This file is part of goCDFT project.
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
package optimizer

import (
	"context"
	"fmt"

	"example.com/gocdft/linalg"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// perturbation returns the forward step for multiplier j, flipped to a
// backward step when the forward one would leave the bracket.
func (s *solver[T]) perturbation(v []float64, j int) float64 {
	h := s.opts.Step
	if s.opts.Brackets != nil && v[j]+h > s.opts.Brackets[j][1] {
		h = -h
	}
	return h
}

// jacobian estimates J_ij = dN_i/dV_j at v by forward differences. pop is N(v).
func (s *solver[T]) jacobian(ctx context.Context, v, pop []float64) (*mat.Dense, error) {
	n := len(v)
	cols := make([][]float64, n)
	steps := make([]float64, n)

	column := func(ctx context.Context, j int) error {
		vp := slices.Clone(v)
		steps[j] = s.perturbation(v, j)
		vp[j] += steps[j]
		pp, _, err := s.call(ctx, vp, PurposeJacobian)
		if err != nil {
			return fmt.Errorf("jacobian column %d: %w", j, err)
		}
		cols[j] = pp
		return nil
	}

	if s.opts.Concurrent && n > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for j := 0; j < n; j++ {
			g.Go(func() error { return column(gctx, j) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for j := 0; j < n; j++ {
			if err := column(ctx, j); err != nil {
				return nil, err
			}
		}
	}
	s.evals += n

	jac := mat.NewDense(n, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			jac.Set(i, j, (cols[j][i]-pop[i])/steps[j])
		}
	}
	s.logger.Debug("jacobian rebuilt", "jacobian", linalg.FormatDense(jac))
	return jac, nil
}
