// solver_test.go --  This file is part of goCDFT project.
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
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"example.com/gocdft/constraint"
	"example.com/gocdft/driver"
	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
	"example.com/gocdft/optimizer"
	"example.com/gocdft/population"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// sigmoidEngine shares two electrons between two grid points; a positive
// multiplier on the left point pushes electrons to the right. Its energy
// satisfies dE/dV = N_left.
type sigmoidEngine struct {
	calls     atomic.Int32
	failFirst int32
	err       error
	closed    atomic.Bool
	restarts  [][]byte
	mu        sync.Mutex
}

func (e *sigmoidEngine) Evaluate(ctx context.Context, req *driver.Request) (*driver.Response, error) {
	n := e.calls.Add(1)
	e.mu.Lock()
	e.restarts = append(e.restarts, req.Restart)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if n <= e.failFirst {
		return nil, fmt.Errorf("%w: call %d", driver.ErrSCFNotConverged, n)
	}
	v := 0.0
	if len(req.Potential.Terms) > 0 {
		v = req.Potential.Terms[0].Coefficient
	}
	left := 2 / (1 + math.Exp(v))
	return &driver.Response{
		Energy:        -1 - 2*math.Log1p(math.Exp(-v)),
		Density:       &grid.Density{Up: []float64{left / 2, 1 - left/2}, Down: []float64{left / 2, 1 - left/2}},
		SCFIterations: 5,
		Restart:       []byte(fmt.Sprint(n)),
	}, nil
}

func (e *sigmoidEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// leftPartition weights the first grid point only.
type leftPartition struct{}

func (leftPartition) Weight(c *constraint.Constraint) (*population.Weight, error) {
	return &population.Weight{Up: []float64{1, 0}, Down: []float64{1, 0}}, nil
}

func twoPoints(t *testing.T) (*molecule.Molecule, *grid.Grid) {
	t.Helper()
	mol := &molecule.Molecule{Atoms: []molecule.Atom{
		{Z: 2, Name: "He1", Coords: [3]float64{-1, 0, 0}},
		{Z: 2, Name: "He2", Coords: [3]float64{1, 0, 0}},
	}}
	g, err := grid.New([3]float64{2, 1, 1}, [3]int{2, 1, 1})
	require.NoError(t, err)
	return mol, g
}

func leftCharge(target float64) constraint.Set {
	return constraint.Set{{
		Kind:      constraint.Charge,
		Fragment:  constraint.Fragment{Name: "left", Atoms: []int{0}},
		Target:    target,
		Tolerance: 1e-6,
	}}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Partition = leftPartition{}
	return opts
}

func newTestSolver(t *testing.T, cs constraint.Set, e driver.Driver, opts Options) *Solver {
	t.Helper()
	mol, g := twoPoints(t)
	s, err := NewSolver("A", mol, g, cs, e, opts)
	require.NoError(t, err)
	return s
}

func TestSolveCharge(t *testing.T) {
	e := &sigmoidEngine{}
	s := newTestSolver(t, leftCharge(1.5), e, testOptions())
	converged := testutil.ToFloat64(runs.WithLabelValues(outcomeConverged))

	st, err := s.Solve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseConverged, s.Phase())
	assert.True(t, e.closed.Load())
	assert.Equal(t, converged+1, testutil.ToFloat64(runs.WithLabelValues(outcomeConverged)))

	_, err = uuid.Parse(st.ID())
	assert.NoError(t, err)
	assert.Equal(t, "A", st.Name())
	assert.True(t, st.Converged())

	v := st.Multipliers()[0]
	n := st.Populations()[0]
	assert.InDelta(t, -math.Log(3), v, 1e-5)
	assert.InDelta(t, 1.5, n, 1e-6)
	assert.InDelta(t, v*n, st.ConstraintEnergy(), 1e-12)
	assert.InDelta(t, st.Energy()-v*n, st.DFTEnergy(), 1e-12)
	assert.InDelta(t, st.DFTEnergy()+v*(n-1.5), st.FreeEnergy(), 1e-12)

	assert.Equal(t, len(st.History()), st.Iterations())
	assert.Equal(t, int(e.calls.Load()), st.Evaluations())
	require.Len(t, st.Terms(), 1)
	assert.Equal(t, v, st.Terms()[0].Coefficient)
	assert.Equal(t, []float64{v, 0}, st.Potential().Up)
	assert.Nil(t, st.Forces())

	// the state owns its constraints
	cs := st.Constraints()
	cs[0].V = 42
	assert.Equal(t, v, st.Multipliers()[0])

	_, err = s.Solve(context.Background())
	assert.ErrorIs(t, err, ErrSolverUsed)
}

func TestSolveWithoutConstraints(t *testing.T) {
	e := &sigmoidEngine{}
	mol, g := twoPoints(t)
	s, err := NewSolver("plain", mol, g, nil, e, DefaultOptions())
	require.NoError(t, err)
	st, err := s.Solve(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, st.Iterations())
	assert.Equal(t, 1, st.Evaluations())
	assert.Nil(t, st.Potential())
	assert.Empty(t, st.Terms())
	assert.Zero(t, st.ConstraintEnergy())
	assert.Equal(t, st.Energy(), st.DFTEnergy())
	assert.Equal(t, st.Energy(), st.FreeEnergy())
}

func TestSolveTargetAtUnconstrainedPopulation(t *testing.T) {
	e := &sigmoidEngine{}
	st, err := newTestSolver(t, leftCharge(1.0), e, testOptions()).Solve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Iterations())
	assert.Zero(t, st.Multipliers()[0])
}

func TestSolveRetriesSCF(t *testing.T) {
	e := &sigmoidEngine{failFirst: 1}
	st, err := newTestSolver(t, leftCharge(1.5), e, testOptions()).Solve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int(e.calls.Load()), st.Evaluations())
	assert.Nil(t, e.restarts[0])
	// later calls start cold unless retried
	assert.Nil(t, e.restarts[2])

	e = &sigmoidEngine{failFirst: 1}
	opts := testOptions()
	opts.MaxSCFRetries = 0
	_, err = newTestSolver(t, leftCharge(1.5), e, opts).Solve(context.Background())
	require.ErrorIs(t, err, driver.ErrSCFNotConverged)
	var re *RunError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, PhaseEvaluateSCF, re.Phase)
	assert.Equal(t, 1, re.Evaluations)
	assert.True(t, e.closed.Load())
}

func TestSolveWarmStart(t *testing.T) {
	e := &sigmoidEngine{}
	opts := testOptions()
	opts.WarmStart = true
	_, err := newTestSolver(t, leftCharge(1.5), e, opts).Solve(context.Background())
	require.NoError(t, err)
	require.Greater(t, len(e.restarts), 2)
	assert.Nil(t, e.restarts[0])
	assert.Equal(t, []byte("1"), e.restarts[1])
}

func TestSolveEngineUnreachable(t *testing.T) {
	e := &sigmoidEngine{err: fmt.Errorf("%w: connection refused", driver.ErrEngineUnreachable)}
	s := newTestSolver(t, leftCharge(1.5), e, testOptions())
	_, err := s.Solve(context.Background())
	require.ErrorIs(t, err, driver.ErrEngineUnreachable)
	var re *RunError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, PhaseEvaluateSCF, re.Phase)
	assert.Equal(t, PhaseFailed, s.Phase())
	assert.EqualValues(t, 1, e.calls.Load())
	assert.True(t, e.closed.Load())
}

func TestSolveDivergence(t *testing.T) {
	e := &sigmoidEngine{}
	cs := leftCharge(2.5)
	cs[0].Bracket = [2]float64{-3, 3}
	opts := testOptions()
	opts.MaxIterations = 4
	diverged := testutil.ToFloat64(runs.WithLabelValues(outcomeDiverged))

	_, err := newTestSolver(t, cs, e, opts).Solve(context.Background())
	require.ErrorIs(t, err, optimizer.ErrDivergence)
	var re *RunError
	require.True(t, errors.As(err, &re))
	require.NotNil(t, re.Best)
	assert.GreaterOrEqual(t, re.Best.Multipliers[0], -3.0)
	assert.Len(t, re.Residuals, 1)
	assert.Equal(t, diverged+1, testutil.ToFloat64(runs.WithLabelValues(outcomeDiverged)))
}

func TestSolveCancelled(t *testing.T) {
	e := &sigmoidEngine{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestSolver(t, leftCharge(1.5), e, testOptions()).Solve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, e.calls.Load())
	assert.True(t, e.closed.Load())
}

type memRecorder struct {
	mu    sync.Mutex
	snaps []optimizer.Snapshot
}

func (m *memRecorder) Record(ctx context.Context, s optimizer.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, s)
	return nil
}

func TestSolveRecordsSnapshots(t *testing.T) {
	rec := &memRecorder{}
	opts := testOptions()
	opts.Recorder = rec
	before := testutil.ToFloat64(outerIterations)
	st, err := newTestSolver(t, leftCharge(1.5), &sigmoidEngine{}, opts).Solve(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.snaps, st.Iterations())
	assert.Equal(t, before+float64(st.Iterations()), testutil.ToFloat64(outerIterations))
}

func TestSolveSpans(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	st, err := newTestSolver(t, leftCharge(1.5), &sigmoidEngine{}, testOptions()).Solve(context.Background())
	require.NoError(t, err)

	var solves, scfs int
	for _, s := range spans.Ended() {
		switch s.Name() {
		case "cdft.Solve":
			solves++
		case "cdft.scf":
			scfs++
		}
	}
	assert.Equal(t, 1, solves)
	assert.Equal(t, st.Evaluations(), scfs)
}

func TestNewSolverValidates(t *testing.T) {
	mol, g := twoPoints(t)
	cs := leftCharge(1)
	cs[0].Fragment.Atoms = []int{5}
	_, err := NewSolver("bad", mol, g, cs, nil, DefaultOptions())
	require.Error(t, err)
	assert.ErrorContains(t, err, "no driver")
	assert.ErrorContains(t, err, "constraint")
}

// He2+ on the model engine with Hirshfeld weights: pull the left helium
// population down from 1.5 to 1.25 electrons.
func TestSolveModelEngine(t *testing.T) {
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
	s, err := NewSolver("He2+", mol, g, cs, driver.NewModel(cfg, nil), DefaultOptions())
	require.NoError(t, err)
	st, err := s.Solve(context.Background())
	require.NoError(t, err)

	v := st.Multipliers()[0]
	assert.InDelta(t, 1.25, st.Populations()[0], 1e-4)
	assert.Greater(t, v, 0.2)
	assert.Less(t, v, 0.5)
	assert.InDelta(t, st.DFTEnergy(), st.FreeEnergy(), 1e-4)
	require.NotNil(t, st.Orbitals())
	require.Len(t, st.Forces(), 2)
	for _, f := range st.Forces() {
		for _, x := range f {
			assert.False(t, math.IsNaN(x))
		}
	}
}
