// relax_test.go --  This file is part of goCDFT project.
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
package cdft

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"example.com/gocdft/constraint"
	"example.com/gocdft/driver"
	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// springEngine is sigmoidEngine plus a harmonic bond of length r0 between
// the two atoms.
type springEngine struct {
	sigmoidEngine
	k, r0 float64
}

func (e *springEngine) Evaluate(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	resp, err := e.sigmoidEngine.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	a, b := req.Molecule.Atoms[0].Coords, req.Molecule.Atoms[1].Coords
	r := molecule.Distance(a, b)
	resp.Energy += 0.5 * e.k * (r - e.r0) * (r - e.r0)
	resp.Forces = make([][3]float64, 2)
	for d := 0; d < 3; d++ {
		f := e.k * (r - e.r0) * (b[d] - a[d]) / r
		resp.Forces[0][d] = f
		resp.Forces[1][d] = -f
	}
	return resp, nil
}

type springs struct {
	mu      sync.Mutex
	opened  []*springEngine
}

func (s *springs) factory() (driver.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &springEngine{k: 1, r0: 1.5}
	s.opened = append(s.opened, e)
	return e, nil
}

func fixedPartition(*molecule.Molecule) (Partition, error) { return leftPartition{}, nil }

func bond(m *molecule.Molecule) float64 {
	return molecule.Distance(m.Atoms[0].Coords, m.Atoms[1].Coords)
}

func TestRelaxSpring(t *testing.T) {
	mol, g := twoPoints(t)
	var s springs
	ropts := DefaultRelaxOptions()
	ropts.StepSize = 0.5
	ropts.MaxDisplacement = 1
	ropts.ForceTolerance = 1e-6
	ropts.Partition = fixedPartition

	res, err := Relax(context.Background(), "A", mol, g, leftCharge(1.5), s.factory, testOptions(), ropts)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	// a full step along the force closes the spring at once
	require.Len(t, res.Steps, 2)
	assert.InDelta(t, 2.0, bond(res.Steps[0].Geometry), 1e-12)
	assert.InDelta(t, 1.5, bond(res.Geometry), 1e-9)
	assert.InDelta(t, 0.5, res.Steps[0].MaxForce, 1e-9)
	assert.Less(t, res.Steps[1].FreeEnergy, res.Steps[0].FreeEnergy)

	// the constraint holds at the relaxed geometry
	assert.InDelta(t, 1.5, res.State.Populations()[0], 1e-6)
	assert.InDelta(t, -math.Log(3), res.State.Multipliers()[0], 1e-5)
	// the input geometry is untouched
	assert.InDelta(t, 2.0, bond(mol), 1e-12)
	for _, e := range s.opened {
		assert.True(t, e.closed.Load())
	}
}

func TestRelaxShortensOvershoot(t *testing.T) {
	mol, g := twoPoints(t)
	var s springs
	ropts := DefaultRelaxOptions()
	ropts.StepSize = 1.5
	ropts.MaxDisplacement = 1
	ropts.ForceTolerance = 1e-6
	ropts.Partition = fixedPartition

	res, err := Relax(context.Background(), "A", mol, g, leftCharge(1.5), s.factory, testOptions(), ropts)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	require.Greater(t, len(res.Steps), 2)
	// the first move squeezes the bond to 0.5 bohr and is rejected
	assert.InDelta(t, 0.5, bond(res.Steps[1].Geometry), 1e-9)
	assert.False(t, res.Steps[1].Accepted)
	assert.InDelta(t, 1.25, bond(res.Steps[2].Geometry), 1e-9)
	assert.True(t, res.Steps[2].Accepted)
	assert.InDelta(t, 1.5, bond(res.Geometry), 1e-5)

	prev := math.Inf(1)
	for _, st := range res.Steps {
		if st.Accepted {
			assert.Less(t, st.FreeEnergy, prev)
			prev = st.FreeEnergy
		}
	}
}

func TestRelaxNeedsForces(t *testing.T) {
	mol, g := twoPoints(t)
	ropts := DefaultRelaxOptions()
	ropts.Partition = fixedPartition
	res, err := Relax(context.Background(), "A", mol, g, leftCharge(1.5),
		func() (driver.Driver, error) { return &sigmoidEngine{}, nil }, testOptions(), ropts)
	assert.ErrorIs(t, err, ErrNoForces)
	assert.Empty(t, res.Steps)
}

func TestRelaxErrors(t *testing.T) {
	mol, g := twoPoints(t)
	var s springs
	bad := DefaultRelaxOptions()
	bad.MaxSteps = 0
	bad.StepSize = -1
	_, err := Relax(context.Background(), "A", mol, g, leftCharge(1.5), s.factory, testOptions(), bad)
	assert.ErrorContains(t, err, "max steps")
	assert.ErrorContains(t, err, "step size")

	ropts := DefaultRelaxOptions()
	ropts.Partition = fixedPartition
	_, err = Relax(context.Background(), "A", mol, g, leftCharge(1.5),
		func() (driver.Driver, error) { return nil, errors.New("no licence") }, testOptions(), ropts)
	assert.ErrorContains(t, err, "no licence")

	ropts.Partition = func(*molecule.Molecule) (Partition, error) { return nil, errors.New("bad weights") }
	_, err = Relax(context.Background(), "A", mol, g, leftCharge(1.5), s.factory, testOptions(), ropts)
	assert.ErrorContains(t, err, "bad weights")
}

// He2+ in the model engine repels, so a short relaxation only stretches
// the bond while the constraint keeps holding.
func TestRelaxModelEngine(t *testing.T) {
	mol := &molecule.Molecule{Charge: 1, Multiplicity: 2, Atoms: []molecule.Atom{
		{Z: 2, Name: "He1", Coords: [3]float64{-1.5, 0, 0}},
		{Z: 2, Name: "He2", Coords: [3]float64{1.5, 0, 0}},
	}}
	g, err := grid.New([3]float64{10, 8, 8}, [3]int{20, 16, 16})
	require.NoError(t, err)
	g.Origin = [3]float64{-5, -4, -4}
	cs := constraint.Set{{
		Kind:      constraint.Charge,
		Fragment:  constraint.Fragment{Name: "left", Atoms: []int{0}},
		Target:    1.25,
		Tolerance: 1e-4,
	}}
	cfg := driver.DefaultModelConfig()
	cfg.Forces = true
	newModel := func() (driver.Driver, error) { return driver.NewModel(cfg, nil), nil }

	ropts := DefaultRelaxOptions()
	ropts.MaxSteps = 2
	ropts.MaxDisplacement = 0.1
	res, err := Relax(context.Background(), "He2+", mol, g, cs, newModel, DefaultOptions(), ropts)
	require.ErrorIs(t, err, ErrRelaxNotConverged)
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 2, re.Iterations)
	assert.Greater(t, re.Evaluations, 2)
	require.Len(t, res.Steps, 2)
	require.True(t, res.Steps[1].Accepted)

	// the nuclei fly apart along x by the capped step
	first, second := res.Steps[0], res.Steps[1]
	assert.InDelta(t, 3.0, bond(first.Geometry), 1e-12)
	assert.InDelta(t, 3.2, bond(second.Geometry), 1e-9)
	assert.InDelta(t, 0, second.Geometry.Atoms[0].Coords[1], 1e-9)
	assert.Less(t, second.FreeEnergy, first.FreeEnergy)
	assert.Greater(t, first.MaxForce, ropts.ForceTolerance)

	// the Hirshfeld weights followed the nuclei
	assert.InDelta(t, 1.25, res.State.Populations()[0], 1e-4)
	assert.Same(t, second.Geometry, res.Geometry)
}
