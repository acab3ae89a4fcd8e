// solver.go --  This file is part of goCDFT project.
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

// Package cdft runs one constrained DFT calculation: it turns the current
// Lagrange multipliers into an external potential, asks the engine for an SCF
// solution, measures the constrained populations and lets the optimizer
// propose new multipliers until every constraint holds.
package cdft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"example.com/gocdft/constraint"
	"example.com/gocdft/driver"
	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
	"example.com/gocdft/optimizer"
	"example.com/gocdft/population"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Phase string

const (
	PhaseInit                Phase = "INIT"
	PhaseBuildPotential      Phase = "BUILD_POTENTIAL"
	PhaseEvaluateSCF         Phase = "EVALUATE_SCF"
	PhaseEstimatePopulations Phase = "ESTIMATE_POPULATIONS"
	PhaseCheckConvergence    Phase = "CHECK_CONVERGENCE"
	PhaseConverged           Phase = "CONVERGED"
	PhaseFailed              Phase = "FAILED"
)

// Partition supplies the weight function of a constraint.
type Partition interface {
	Weight(c *constraint.Constraint) (*population.Weight, error)
}

// gradientPartition can differentiate a population with respect to the
// nuclear positions at fixed density.
type gradientPartition interface {
	PopulationGradient(c *constraint.Constraint, d *grid.Density) ([][3]float64, error)
}

type Options struct {
	// Tolerance applies to constraints without a tolerance of their own.
	Tolerance     float64
	MaxIterations int
	MaxSCFRetries int
	MaxHalvings   int
	Policy        optimizer.Policy
	Step          float64
	Stagnation    float64
	// Concurrent evaluates Jacobian columns in parallel when the driver
	// supports concurrent sessions.
	Concurrent bool
	MaxCond    float64
	// WarmStart passes the last converged restart data to every
	// evaluation, not only to retries.
	WarmStart bool
	// Partition defaults to Hirshfeld weights.
	Partition Partition
	Recorder  optimizer.Recorder
	Logger    *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Tolerance:     constraint.DefaultTolerance,
		MaxIterations: 50,
		MaxSCFRetries: 2,
		MaxHalvings:   6,
		Policy:        optimizer.FiniteDifference,
		Step:          0.01,
		Stagnation:    0.5,
		MaxCond:       1e12,
	}
}

// Solver owns one constraint set and one driver for a single run.
type Solver struct {
	name        string
	mol         *molecule.Molecule
	grid        *grid.Grid
	constraints constraint.Set
	driver      driver.Driver
	partition   Partition
	estimator   *population.Estimator
	opts        Options
	logger      *slog.Logger

	used       atomic.Bool
	mu         sync.Mutex
	phase      Phase
	weights    []*population.Weight
	restart    []byte
	evals      int
	iterations int
}

// NewSolver checks the inputs and prepares a run named name. The constraint
// set is copied.
func NewSolver(name string, mol *molecule.Molecule, g *grid.Grid, cs constraint.Set, d driver.Driver, opts Options) (*Solver, error) {
	var errs []error
	if mol == nil || len(mol.Atoms) == 0 {
		errs = append(errs, errors.New("no atoms"))
	}
	if g == nil {
		errs = append(errs, errors.New("no grid"))
	}
	if d == nil {
		errs = append(errs, errors.New("no driver"))
	}
	if opts.MaxSCFRetries < 0 {
		errs = append(errs, errors.New("max scf retries must not be negative"))
	}
	if err := cs.Validate(mol); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("cdft %s: %w", name, err)
	}

	s := &Solver{
		name:        name,
		mol:         mol.Clone(),
		grid:        g,
		constraints: cs.Clone(),
		driver:      d,
		partition:   opts.Partition,
		estimator:   population.NewEstimator(g),
		opts:        opts,
		logger:      opts.Logger,
		phase:       PhaseInit,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.partition == nil && len(cs) > 0 {
		h, err := population.NewHirshfeld(g, s.mol)
		if err != nil {
			return nil, fmt.Errorf("cdft %s: %w", name, err)
		}
		s.partition = h
	}
	for i := range s.constraints {
		s.constraints[i].Reset()
	}
	return s, nil
}

// Phase returns the current phase of the run.
func (s *Solver) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Solver) setPhase(p Phase) {
	s.mu.Lock()
	changed := s.phase != p
	s.phase = p
	s.mu.Unlock()
	if changed {
		s.logger.Debug("cdft phase", "phase", p)
	}
}

func (s *Solver) evaluations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evals
}

func (s *Solver) tolerances() []float64 {
	res := make([]float64, len(s.constraints))
	for i := range s.constraints {
		switch {
		case s.constraints[i].Tolerance > 0:
			res[i] = s.constraints[i].Tolerance
		case s.opts.Tolerance > 0:
			res[i] = s.opts.Tolerance
		default:
			res[i] = constraint.DefaultTolerance
		}
	}
	return res
}

// Solve runs the constraint loop to convergence. It may be called once; the
// driver is closed on return if it implements io.Closer.
func (s *Solver) Solve(ctx context.Context) (*ConstrainedState, error) {
	if !s.used.CompareAndSwap(false, true) {
		return nil, ErrSolverUsed
	}
	if c, ok := s.driver.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				s.logger.Warn("failed to close driver", "error", err)
			}
		}()
	}

	runID := uuid.NewString()
	s.logger = s.logger.With("state", s.name, "run", runID)
	ctx, span := tracer.Start(ctx, "cdft.Solve", trace.WithAttributes(
		attribute.String("cdft.state", s.name),
		attribute.String("cdft.run_id", runID),
		attribute.Int("cdft.constraints", len(s.constraints)),
	))
	defer span.End()

	start := time.Now()
	s.logger.Info("cdft run started", "constraints", len(s.constraints), "engine", fmt.Sprintf("%T", s.driver))
	st, err := s.solve(ctx, runID)
	runs.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cdft run failed")
		s.logger.Error("cdft run failed", "error", err, "elapsed", time.Since(start))
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("cdft.iterations", st.iterations),
		attribute.Int("cdft.evaluations", st.evaluations),
		attribute.Float64("cdft.energy", st.energy),
	)
	s.logger.Info("cdft run converged",
		"iterations", st.iterations,
		"evaluations", st.evaluations,
		"energy", st.energy,
		"free_energy", st.free,
		"multipliers", st.Multipliers(),
		"elapsed", time.Since(start))
	return st, nil
}

func (s *Solver) fail(err error, iterations int, residuals []float64, best *optimizer.Snapshot) error {
	phase := s.Phase()
	s.setPhase(PhaseFailed)
	return &RunError{
		Name:        s.name,
		Phase:       phase,
		Iterations:  iterations,
		Evaluations: s.evaluations(),
		Residuals:   residuals,
		Best:        best,
		Err:         err,
	}
}

func (s *Solver) solve(ctx context.Context, runID string) (*ConstrainedState, error) {
	s.setPhase(PhaseInit)
	if err := ctx.Err(); err != nil {
		return nil, s.fail(err, 0, nil, nil)
	}
	s.weights = make([]*population.Weight, len(s.constraints))
	for k := range s.constraints {
		w, err := s.partition.Weight(&s.constraints[k])
		if err != nil {
			return nil, s.fail(err, 0, nil, nil)
		}
		s.weights[k] = w
	}

	if len(s.constraints) == 0 {
		_, ev, err := s.oracle(ctx, nil, optimizer.PurposeIterate)
		if err != nil {
			return nil, s.fail(err, 0, nil, nil)
		}
		outerIterations.Inc()
		s.setPhase(PhaseConverged)
		history := []optimizer.Snapshot{{Evaluations: s.evaluations()}}
		return s.finish(runID, ev, history)
	}

	opts := optimizer.Options{
		Targets:       s.constraints.Targets(),
		Tolerances:    s.tolerances(),
		Brackets:      s.constraints.Brackets(),
		MaxIterations: s.opts.MaxIterations,
		MaxHalvings:   s.opts.MaxHalvings,
		Policy:        s.opts.Policy,
		Step:          s.opts.Step,
		Stagnation:    s.opts.Stagnation,
		Concurrent:    s.opts.Concurrent && driver.IsConcurrent(s.driver),
		MaxCond:       s.opts.MaxCond,
		Recoverable:   func(err error) bool { return errors.Is(err, driver.ErrSCFNotConverged) },
		Recorder:      recorder{s},
		Logger:        s.logger,
	}
	res, err := optimizer.Solve[*evaluation](ctx, s.constraints.Initial(), opts, s.oracle)
	if err != nil {
		var de *optimizer.DivergenceError
		if errors.As(err, &de) {
			best := de.Best
			return nil, s.fail(err, de.Iterations+1, de.Residuals, &best)
		}
		s.mu.Lock()
		iterations := s.iterations
		s.mu.Unlock()
		return nil, s.fail(err, iterations, nil, nil)
	}
	s.setPhase(PhaseConverged)
	return s.finish(runID, res.Payload, res.History)
}

// evaluation is what the optimizer carries from one oracle call.
type evaluation struct {
	multipliers []float64
	potential   driver.Potential
	response    *driver.Response
	populations []float64
}

// oracle runs BUILD_POTENTIAL, EVALUATE_SCF and ESTIMATE_POPULATIONS for
// multipliers v.
func (s *Solver) oracle(ctx context.Context, v []float64, purpose optimizer.Purpose) ([]float64, *evaluation, error) {
	s.setPhase(PhaseBuildPotential)
	pot := s.buildPotential(v)

	s.setPhase(PhaseEvaluateSCF)
	resp, err := s.scf(ctx, pot, purpose)
	if err != nil {
		return nil, nil, err
	}

	s.setPhase(PhaseEstimatePopulations)
	pops := make([]float64, len(s.constraints))
	for k := range s.constraints {
		pops[k], err = s.estimator.Estimate(resp.Density, s.weights[k])
		if err != nil {
			return nil, nil, fmt.Errorf("constraint %s: %w", s.constraints[k].Label(), err)
		}
	}
	s.logger.Info("scf evaluation",
		"purpose", purpose,
		"multipliers", v,
		"populations", pops,
		"energy", resp.Energy,
		"scf_iterations", resp.SCFIterations)

	s.setPhase(PhaseCheckConvergence)
	return pops, &evaluation{multipliers: v, potential: pot, response: resp, populations: pops}, nil
}

// buildPotential sums V_k w_k on the grid. Without constraints there is no
// field at all.
func (s *Solver) buildPotential(v []float64) driver.Potential {
	if len(s.constraints) == 0 {
		return driver.Potential{}
	}
	field := grid.NewPotential(s.grid.Len())
	terms := make([]driver.Term, len(s.constraints))
	for k := range s.constraints {
		c := &s.constraints[k]
		terms[k] = driver.Term{
			Kind:        c.Kind,
			Atoms:       c.Fragment.Atoms,
			Donor:       c.Donor.Atoms,
			Acceptor:    c.Acceptor.Atoms,
			Coefficient: v[k],
		}
		field.AddScaled(v[k], s.weights[k].Up, s.weights[k].Down)
	}
	return driver.Potential{Terms: terms, Field: field}
}

// scf calls the driver, retrying non-converged SCFs from the last converged
// restart data.
func (s *Solver) scf(ctx context.Context, pot driver.Potential, purpose optimizer.Purpose) (*driver.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxSCFRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req := &driver.Request{Molecule: s.mol, Grid: s.grid, Potential: pot}
		if attempt > 0 || s.opts.WarmStart {
			s.mu.Lock()
			req.Restart = s.restart
			s.mu.Unlock()
		}

		sctx, span := tracer.Start(ctx, "cdft.scf", trace.WithAttributes(
			attribute.String("cdft.purpose", string(purpose)),
			attribute.Int("cdft.attempt", attempt),
		))
		start := time.Now()
		resp, err := s.driver.Evaluate(sctx, req)
		scfDuration.Observe(time.Since(start).Seconds())
		s.mu.Lock()
		s.evals++
		s.mu.Unlock()
		if err == nil {
			err = s.checkResponse(resp)
		}
		if err == nil {
			scfEvaluations.WithLabelValues(string(purpose), "ok").Inc()
			span.SetAttributes(
				attribute.Float64("cdft.energy", resp.Energy),
				attribute.Int("cdft.scf_iterations", resp.SCFIterations),
			)
			span.End()
			if len(resp.Restart) > 0 {
				s.mu.Lock()
				s.restart = resp.Restart
				s.mu.Unlock()
			}
			return resp, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "scf failed")
		span.End()
		if !errors.Is(err, driver.ErrSCFNotConverged) {
			scfEvaluations.WithLabelValues(string(purpose), "error").Inc()
			return nil, err
		}
		scfEvaluations.WithLabelValues(string(purpose), "not_converged").Inc()
		s.logger.Warn("scf did not converge", "attempt", attempt, "retries", s.opts.MaxSCFRetries, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

func (s *Solver) checkResponse(resp *driver.Response) error {
	if resp == nil || resp.Density == nil {
		return errors.New("engine returned no density")
	}
	if n := s.grid.Len(); len(resp.Density.Up) != n || len(resp.Density.Down) != n {
		return fmt.Errorf("engine density has %d/%d points, grid %d", len(resp.Density.Up), len(resp.Density.Down), n)
	}
	if resp.Forces != nil && len(resp.Forces) != len(s.mol.Atoms) {
		return fmt.Errorf("engine returned %d forces for %d atoms", len(resp.Forces), len(s.mol.Atoms))
	}
	return nil
}

// finish builds the state from the accepted evaluation and copies the final
// multipliers back into the solver's constraint set.
func (s *Solver) finish(runID string, ev *evaluation, history []optimizer.Snapshot) (*ConstrainedState, error) {
	cs := s.constraints.Clone()
	cs.Update(ev.multipliers, ev.populations)
	s.constraints.Update(ev.multipliers, ev.populations)

	ec := cs.Energy()
	ed := ev.response.Energy - ec
	st := &ConstrainedState{
		id:          runID,
		name:        s.name,
		energy:      ev.response.Energy,
		ed:          ed,
		ec:          ec,
		free:        ed + cs.FreeEnergyShift(),
		grid:        s.grid,
		density:     ev.response.Density,
		orbitals:    ev.response.Orbitals,
		potential:   ev.potential.Field,
		terms:       ev.potential.Terms,
		constraints: cs,
		converged:   true,
		iterations:  len(history),
		evaluations: s.evaluations(),
		history:     history,
	}
	if ev.response.Forces != nil {
		forces, err := s.constraintForces(cs, ev.response)
		if err != nil {
			return nil, s.fail(err, st.iterations, nil, nil)
		}
		st.forces = forces
	}
	return st, nil
}

// constraintForces adds -V_k dN_k/dR to the engine forces.
func (s *Solver) constraintForces(cs constraint.Set, resp *driver.Response) ([][3]float64, error) {
	forces := make([][3]float64, len(resp.Forces))
	copy(forces, resp.Forces)
	gp, ok := s.partition.(gradientPartition)
	if !ok {
		return forces, nil
	}
	for k := range cs {
		if cs[k].V == 0 {
			continue
		}
		grad, err := gp.PopulationGradient(&cs[k], resp.Density)
		if err != nil {
			return nil, fmt.Errorf("constraint %s forces: %w", cs[k].Label(), err)
		}
		for a := range forces {
			for d := 0; d < 3; d++ {
				forces[a][d] -= cs[k].V * grad[a][d]
			}
		}
	}
	return forces, nil
}

// recorder counts outer iterations and forwards snapshots.
type recorder struct{ s *Solver }

func (r recorder) Record(ctx context.Context, snap optimizer.Snapshot) error {
	outerIterations.Inc()
	r.s.mu.Lock()
	r.s.iterations = snap.Iteration + 1
	r.s.mu.Unlock()
	if r.s.opts.Recorder == nil {
		return nil
	}
	return r.s.opts.Recorder.Record(ctx, snap)
}
