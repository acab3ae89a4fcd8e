// population_test.go --  This file is part of goCDFT project.
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
package population

import (
	"math"
	"testing"

	"example.com/gocdft/constraint"
	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boxGrid(t *testing.T, l float64, n int) *grid.Grid {
	t.Helper()
	g, err := grid.New([3]float64{l, l, l}, [3]int{n, n, n})
	require.NoError(t, err)
	g.Origin = [3]float64{-l / 2, -l / 2, -l / 2}
	return g
}

func dimer(symbol string, x float64) *molecule.Molecule {
	mol := &molecule.Molecule{}
	mol.Atoms = []molecule.Atom{{Z: 1, Name: "A1"}, {Z: 1, Name: "A2"}}
	z, _ := molecule.ElemData.Lookup(symbol)
	mol.Atoms[0].Z, mol.Atoms[1].Z = z, z
	mol.Atoms[0].Coords[0] = -x
	mol.Atoms[1].Coords[0] = x
	return mol
}

func TestEstimateDeterministic(t *testing.T) {
	n := 10007
	d := grid.NewDensity(n)
	w := &Weight{Up: make([]float64, n), Down: make([]float64, n)}
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n)
		d.Up[i] = math.Exp(-x) * 1e-3 * (1 + math.Sin(37*x))
		d.Down[i] = math.Exp(-2*x) * 1e-3
		w.Up[i] = x
		w.Down[i] = -x * x
	}

	e := &Estimator{DV: 0.01, Chunk: 512, Workers: 1}
	serial, err := e.Estimate(d, w)
	require.NoError(t, err)
	for _, workers := range []int{2, 3, 8, 64} {
		e.Workers = workers
		for rep := 0; rep < 3; rep++ {
			got, err := e.Estimate(d, w)
			require.NoError(t, err)
			assert.Equal(t, serial, got, "workers=%d", workers)
		}
	}

	_, err = e.Estimate(d, &Weight{Up: []float64{1}, Down: []float64{1}})
	assert.Error(t, err)
}

func TestEstimateUniform(t *testing.T) {
	g := boxGrid(t, 2, 4)
	d := grid.NewDensity(g.Len())
	w := &Weight{Up: make([]float64, g.Len()), Down: make([]float64, g.Len())}
	for i := range d.Up {
		d.Up[i], d.Down[i] = 0.5, 0.25
		w.Up[i], w.Down[i] = 1, 1
	}
	got, err := NewEstimator(g).Estimate(d, w)
	require.NoError(t, err)
	assert.InDelta(t, 0.75*g.Volume(), got, 1e-12)
}

func TestHirshfeldWeights(t *testing.T) {
	g := boxGrid(t, 8, 24)
	mol := dimer("He", 1.0)
	h, err := NewHirshfeld(g, mol)
	require.NoError(t, err)

	left := &constraint.Constraint{Kind: constraint.Charge, Fragment: constraint.Fragment{Atoms: []int{0}}}
	right := &constraint.Constraint{Kind: constraint.Charge, Fragment: constraint.Fragment{Atoms: []int{1}}}
	wl, err := h.Weight(left)
	require.NoError(t, err)
	wr, err := h.Weight(right)
	require.NoError(t, err)

	tot := h.Promolecule()
	for i := range wl.Up {
		if tot[i] >= EpsCharge {
			assert.InDelta(t, 1.0, wl.Up[i]+wr.Up[i], 1e-12)
		} else {
			assert.Zero(t, wl.Up[i])
		}
		assert.Equal(t, wl.Up[i], wl.Down[i])
	}

	ct := &constraint.Constraint{Kind: constraint.ChargeTransfer,
		Donor: constraint.Fragment{Atoms: []int{0}}, Acceptor: constraint.Fragment{Atoms: []int{1}}}
	wct, err := h.Weight(ct)
	require.NoError(t, err)
	i := g.Index(3, 12, 12)
	assert.InDelta(t, wl.Up[i]-wr.Up[i], wct.Up[i], 1e-12)

	spin := &constraint.Constraint{Kind: constraint.Spin, Fragment: constraint.Fragment{Atoms: []int{0}}}
	ws, err := h.Weight(spin)
	require.NoError(t, err)
	assert.Equal(t, wl.Up[i], ws.Up[i])
	assert.Equal(t, -wl.Up[i], ws.Down[i])

	// symmetric dimer: the promolecular density gives N_D - N_A = 0
	d := &grid.Density{Up: tot, Down: make([]float64, len(tot))}
	n, err := NewEstimator(g).Estimate(d, wct)
	require.NoError(t, err)
	assert.InDelta(t, 0, n, 1e-9)

	_, err = h.Weight(&constraint.Constraint{Kind: constraint.Charge, Fragment: constraint.Fragment{Atoms: []int{4}}})
	assert.Error(t, err)
}

func TestFragmentElectrons(t *testing.T) {
	g := boxGrid(t, 12, 48)
	h, err := NewHirshfeld(g, dimer("He", 2.0))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, h.FragmentElectrons([]int{0}), 0.05)
	assert.InDelta(t, 4.0, h.FragmentElectrons([]int{0, 1}), 0.1)
}

func TestPopulationGradient(t *testing.T) {
	g := boxGrid(t, 4, 16)
	mol := dimer("H", 0.7)
	h, err := NewHirshfeld(g, mol)
	require.NoError(t, err)

	tot := h.Promolecule()
	d := grid.NewDensity(len(tot))
	for i, v := range tot {
		d.Up[i], d.Down[i] = 0.6*v, 0.4*v
	}
	est := NewEstimator(g)

	for _, c := range []*constraint.Constraint{
		{Kind: constraint.Charge, Fragment: constraint.Fragment{Atoms: []int{0}}},
		{Kind: constraint.Spin, Fragment: constraint.Fragment{Atoms: []int{0}}},
	} {
		grad, err := h.PopulationGradient(c, d)
		require.NoError(t, err)

		step := 1e-4
		pop := func(dx float64) float64 {
			m := mol.Clone()
			m.Atoms[0].Coords[0] += dx
			hh, err := NewHirshfeld(g, m)
			require.NoError(t, err)
			w, err := hh.Weight(c)
			require.NoError(t, err)
			n, err := est.Estimate(d, w)
			require.NoError(t, err)
			return n
		}
		fd := (pop(step) - pop(-step)) / (2 * step)
		assert.InDelta(t, fd, grad[0][0], 1e-5+1e-3*math.Abs(fd), "kind %s", c.Kind)
		assert.InDelta(t, 0, grad[0][1], 1e-9)
	}
}
