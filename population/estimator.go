// estimator.go --  This file is part of goCDFT project.
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

// Package population integrates spin densities against constraint weight
// functions and builds Hirshfeld weights from a promolecular density.
package population

import (
	"fmt"
	"runtime"
	"sync"

	"example.com/gocdft/grid"
)

// DefaultChunk is the number of grid points summed by one task.
const DefaultChunk = 4096

// Weight is a spin-resolved weight function on the grid.
type Weight struct {
	Up   []float64 `json:"up"`
	Down []float64 `json:"down"`
}

func (w *Weight) Len() int { return len(w.Up) }

// Estimator computes N = dV * sum_r (w_up rho_up + w_down rho_down).
//
// The grid is cut into fixed-size chunks whose partial sums are added in
// chunk order, so the result does not depend on the number of workers and is
// bit-identical between calls.
type Estimator struct {
	DV      float64
	Chunk   int
	Workers int
}

func NewEstimator(g *grid.Grid) *Estimator {
	return &Estimator{DV: g.DV(), Chunk: DefaultChunk, Workers: runtime.GOMAXPROCS(-1)}
}

// Estimate returns the constrained population of density d under weight w.
func (e *Estimator) Estimate(d *grid.Density, w *Weight) (float64, error) {
	n := d.Len()
	if len(d.Down) != n || w.Len() != n || len(w.Down) != n {
		return 0, fmt.Errorf("population: density has %d/%d points, weight %d/%d",
			len(d.Up), len(d.Down), len(w.Up), len(w.Down))
	}
	chunk := e.Chunk
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	nChunks := (n + chunk - 1) / chunk
	partial := make([]float64, nChunks)

	sumChunk := func(c int) {
		start := c * chunk
		end := min(start+chunk, n)
		s := 0.0
		for i := start; i < end; i++ {
			s += w.Up[i]*d.Up[i] + w.Down[i]*d.Down[i]
		}
		partial[c] = s
	}

	workers := min(max(e.Workers, 1), nChunks)
	if workers > 1 {
		var wg sync.WaitGroup
		for j := 0; j < workers; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				for c := j; c < nChunks; c += workers {
					sumChunk(c)
				}
			}(j)
		}
		wg.Wait()
	} else {
		for c := 0; c < nChunks; c++ {
			sumChunk(c)
		}
	}

	res := 0.0
	for _, s := range partial {
		res += s
	}
	return res * e.DV, nil
}
