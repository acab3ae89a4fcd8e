// model_test.go --  This file is part of goCDFT project.
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
package driver

import (
	"context"
	"math"
	"sync"
	"testing"

	"example.com/gocdft/constraint"
	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
	"example.com/gocdft/population"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// he2plus is He2+ with 3 bohr separation in a 10x8x8 bohr box.
func he2plus(t *testing.T) (*molecule.Molecule, *grid.Grid) {
	t.Helper()
	mol := &molecule.Molecule{Charge: 1, Multiplicity: 2, Atoms: []molecule.Atom{
		{Z: 2, Name: "He1", Coords: [3]float64{-1.5, 0, 0}},
		{Z: 2, Name: "He2", Coords: [3]float64{1.5, 0, 0}},
	}}
	g, err := grid.New([3]float64{10, 8, 8}, [3]int{20, 16, 16})
	require.NoError(t, err)
	g.Origin = [3]float64{-5, -4, -4}
	return mol, g
}

func leftWeight(t *testing.T, mol *molecule.Molecule, g *grid.Grid) *population.Weight {
	t.Helper()
	h, err := population.NewHirshfeld(g, mol)
	require.NoError(t, err)
	w, err := h.Weight(&constraint.Constraint{Kind: constraint.Charge, Fragment: constraint.Fragment{Atoms: []int{0}}})
	require.NoError(t, err)
	return w
}

func requestWith(mol *molecule.Molecule, g *grid.Grid, w *population.Weight, v float64) *Request {
	field := grid.NewPotential(g.Len())
	field.AddScaled(v, w.Up, w.Down)
	return &Request{Molecule: mol, Grid: g, Potential: Potential{
		Terms: []Term{{Kind: constraint.Charge, Atoms: []int{0}, Coefficient: v}},
		Field: field,
	}}
}

func TestModelGroundState(t *testing.T) {
	mol, g := he2plus(t)
	m := NewModel(DefaultModelConfig(), nil)
	resp, err := m.Evaluate(context.Background(), &Request{Molecule: mol, Grid: g})
	require.NoError(t, err)

	assert.Less(t, resp.Energy, 0.0)
	assert.Greater(t, resp.SCFIterations, 1)
	require.NotNil(t, resp.Orbitals)
	up, down := resp.Orbitals.Occupations()
	assert.Equal(t, 2, up)
	assert.Equal(t, 1, down)
	for _, psi := range append(resp.Orbitals.Up, resp.Orbitals.Down...) {
		assert.InDelta(t, 1.0, g.Integrate(psi, psi), 1e-9)
	}

	nUp := g.Integrate(resp.Density.Up, onesLike(resp.Density.Up))
	nDown := g.Integrate(resp.Density.Down, onesLike(resp.Density.Down))
	assert.InDelta(t, 2.0, nUp, 0.05)
	assert.InDelta(t, 1.0, nDown, 0.05)

	// symmetric dimer without potential: the voxel centres mirror about x=0
	h, err := population.NewHirshfeld(g, mol)
	require.NoError(t, err)
	est := population.NewEstimator(g)
	pop := func(atom int) float64 {
		w, err := h.Weight(&constraint.Constraint{Kind: constraint.Charge, Fragment: constraint.Fragment{Atoms: []int{atom}}})
		require.NoError(t, err)
		n, err := est.Estimate(resp.Density, w)
		require.NoError(t, err)
		return n
	}
	left, right := pop(0), pop(1)
	assert.InDelta(t, right, left, 1e-9)
	// voxels below the promolecular cutoff belong to no fragment
	assert.LessOrEqual(t, left+right, nUp+nDown+1e-12)
	assert.InDelta(t, 0.5*(nUp+nDown), left, 0.01)
	assert.Nil(t, resp.Forces)
}

func onesLike(x []float64) []float64 {
	res := make([]float64, len(x))
	for i := range res {
		res[i] = 1
	}
	return res
}

// The model is variational, so dE/dV equals the constrained population.
func TestModelHellmannFeynman(t *testing.T) {
	mol, g := he2plus(t)
	w := leftWeight(t, mol, g)
	m := NewModel(DefaultModelConfig(), nil)
	ctx := context.Background()
	est := population.NewEstimator(g)

	v0 := 0.2
	resp, err := m.Evaluate(ctx, requestWith(mol, g, w, v0))
	require.NoError(t, err)
	n, err := est.Estimate(resp.Density, w)
	require.NoError(t, err)

	h := 1e-4
	ep, err := m.Evaluate(ctx, requestWith(mol, g, w, v0+h))
	require.NoError(t, err)
	em, err := m.Evaluate(ctx, requestWith(mol, g, w, v0-h))
	require.NoError(t, err)
	assert.InDelta(t, n, (ep.Energy-em.Energy)/(2*h), 1e-4)

	// a positive potential on the left pushes electrons to the right
	assert.Less(t, n, 1.45)
	assert.Greater(t, n, 1.0)
}

// With one open down-spin orbital every residual is parallel, so the DIIS
// system turns singular once three of them are stored.
func TestModelDIISMatchesMixing(t *testing.T) {
	mol, g := he2plus(t)
	w := leftWeight(t, mol, g)
	ctx := context.Background()

	mixing := DefaultModelConfig()
	mixing.DIIS = 0
	mixing.Mixing = 0.3
	mixing.MaxSCFSteps = 2000
	plain := NewModel(mixing, nil)
	diis := NewModel(DefaultModelConfig(), nil)

	for _, v := range []float64{0.01, 0.1, 0.3} {
		want, err := plain.Evaluate(ctx, requestWith(mol, g, w, v))
		require.NoError(t, err)
		got, err := diis.Evaluate(ctx, requestWith(mol, g, w, v))
		require.NoError(t, err, "v=%g", v)
		assert.InDelta(t, want.Energy, got.Energy, 1e-6, "v=%g", v)
		assert.Less(t, got.SCFIterations, DefaultModelConfig().MaxSCFSteps)
	}
}

func TestModelRestart(t *testing.T) {
	mol, g := he2plus(t)
	w := leftWeight(t, mol, g)
	m := NewModel(DefaultModelConfig(), nil)
	ctx := context.Background()

	first, err := m.Evaluate(ctx, requestWith(mol, g, w, 0.3))
	require.NoError(t, err)
	require.NotEmpty(t, first.Restart)

	req := requestWith(mol, g, w, 0.3)
	req.Restart = first.Restart
	again, err := m.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.LessOrEqual(t, again.SCFIterations, 3)
	assert.InDelta(t, first.Energy, again.Energy, 1e-8)

	req.Restart = []byte("not json")
	_, err = m.Evaluate(ctx, req)
	assert.NoError(t, err)
}

func TestModelNotConverged(t *testing.T) {
	mol, g := he2plus(t)
	cfg := DefaultModelConfig()
	cfg.MaxSCFSteps = 1
	_, err := NewModel(cfg, nil).Evaluate(context.Background(), &Request{Molecule: mol, Grid: g})
	assert.ErrorIs(t, err, ErrSCFNotConverged)
}

func TestModelContractViolations(t *testing.T) {
	mol, g := he2plus(t)
	m := NewModel(DefaultModelConfig(), nil)
	ctx := context.Background()

	_, err := m.Evaluate(ctx, &Request{Molecule: mol})
	assert.Error(t, err)

	bad := &Request{Molecule: mol, Grid: g, Potential: Potential{Field: grid.NewPotential(3)}}
	_, err = m.Evaluate(ctx, bad)
	assert.Error(t, err)

	triplet := mol.Clone()
	triplet.Charge, triplet.Multiplicity = 0, 5
	_, err = m.Evaluate(ctx, &Request{Molecule: triplet, Grid: g})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSCFNotConverged)
}

func TestModelCancelled(t *testing.T) {
	mol, g := he2plus(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewModel(DefaultModelConfig(), nil).Evaluate(ctx, &Request{Molecule: mol, Grid: g})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestModelForces(t *testing.T) {
	mol, g := he2plus(t)
	cfg := DefaultModelConfig()
	cfg.Forces = true
	resp, err := NewModel(cfg, nil).Evaluate(context.Background(), &Request{Molecule: mol, Grid: g})
	require.NoError(t, err)
	require.Len(t, resp.Forces, 2)
	assert.InDelta(t, -resp.Forces[0][0], resp.Forces[1][0], 1e-5)
	assert.InDelta(t, 0, resp.Forces[0][1], 1e-5)
	assert.InDelta(t, 0, resp.Forces[1][2], 1e-5)
}

func TestModelConcurrentEvaluate(t *testing.T) {
	mol, g := he2plus(t)
	w := leftWeight(t, mol, g)
	m := NewModel(DefaultModelConfig(), nil)
	require.True(t, IsConcurrent(m))

	energies := make([]float64, 4)
	var wg sync.WaitGroup
	for i := range energies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := m.Evaluate(context.Background(), requestWith(mol, g, w, 0.1))
			if err == nil {
				energies[i] = resp.Energy
			} else {
				energies[i] = math.NaN()
			}
		}(i)
	}
	wg.Wait()
	for _, e := range energies[1:] {
		assert.Equal(t, energies[0], e)
	}
}

func TestModelConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultModelConfig().Validate())
	err := ModelConfig{Mixing: 2, DIIS: -1}.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "hopping")
	assert.ErrorContains(t, err, "mixing")
}
