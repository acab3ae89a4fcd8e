// pipeline.go --  This file is part of goCDFT project.
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

// Package pipeline solves several constrained states of one system side by
// side and optionally couples them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"example.com/gocdft/cdft"
	"example.com/gocdft/checkpoint"
	"example.com/gocdft/constraint"
	"example.com/gocdft/coupling"
	"example.com/gocdft/driver"
	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
	"example.com/gocdft/optimizer"
	"example.com/gocdft/population"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// Job is one constrained state to solve.
type Job struct {
	Name        string
	Constraints constraint.Set
}

// DriverFactory opens a fresh engine for the named state. Solvers close the
// drivers they are given.
type DriverFactory func(state string) (driver.Driver, error)

type Options struct {
	Solver cdft.Options
	// Parallel bounds the number of states solved at once; 0 means all.
	Parallel int
	Couple   bool
	Coupling coupling.Options
	// Store records every outer iteration under the state name.
	Store *checkpoint.Store
	// Restart seeds the initial multipliers from the last snapshot in Store
	// and then clears the old history.
	Restart bool
	// Relax moves the nuclei of every state under its constraints. The
	// drivers must report forces. Relaxed states sit at different
	// geometries and cannot be coupled.
	Relax  *cdft.RelaxOptions
	Logger *slog.Logger
}

type Result struct {
	// States holds the converged states in job order.
	States []*cdft.ConstrainedState
	// Failures holds the states whose constraint iteration diverged or whose
	// relaxation ran out of steps, by name.
	Failures map[string]*cdft.RunError
	// Relaxations holds the relaxation of every state when Options.Relax
	// is set, including the unfinished ones.
	Relaxations map[string]*cdft.Relaxation
	Coupling    *coupling.Result
}

// Err joins the failures sorted by state name, or returns nil when every
// state converged.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failures))
	for name := range r.Failures {
		names = append(names, name)
	}
	slices.Sort(names)
	errs := make([]error, len(names))
	for i, name := range names {
		errs[i] = r.Failures[name]
	}
	return errors.Join(errs...)
}

// diverged reports whether err is a run that gave up on its constraints or
// its geometry, as opposed to a broken engine or a cancelled context.
func diverged(err error) (*cdft.RunError, bool) {
	var re *cdft.RunError
	if errors.As(err, &re) && (errors.Is(err, optimizer.ErrDivergence) || errors.Is(err, cdft.ErrRelaxNotConverged)) {
		return re, true
	}
	return nil, false
}

// Run solves every job and returns the converged states in job order. A
// state whose constraint iteration diverges is recorded in Result.Failures
// and the others go on; any other error cancels the remaining runs and is
// returned. Coupling is computed only when every state converged; callers
// may couple the survivors with Couple.
func Run(ctx context.Context, mol *molecule.Molecule, g *grid.Grid, jobs []Job, newDriver DriverFactory, opts Options) (*Result, error) {
	if len(jobs) == 0 {
		return nil, errors.New("pipeline: no states")
	}
	if opts.Couple && len(jobs) < 2 {
		return nil, fmt.Errorf("pipeline: %w", coupling.ErrTooFewStates)
	}
	if opts.Couple && opts.Relax != nil {
		return nil, errors.New("pipeline: relaxed states cannot be coupled")
	}
	seen := map[string]bool{}
	for _, j := range jobs {
		if seen[j.Name] {
			return nil, fmt.Errorf("pipeline: duplicate state %q", j.Name)
		}
		seen[j.Name] = true
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// one partition serves every state of the system
	if opts.Solver.Partition == nil {
		h, err := population.NewHirshfeld(g, mol)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		opts.Solver.Partition = h
	}

	if opts.Store != nil && opts.Restart {
		jobs = slices.Clone(jobs)
		for i := range jobs {
			cs, err := restart(opts.Store, jobs[i], logger)
			if err != nil {
				return nil, err
			}
			jobs[i].Constraints = cs
		}
	}

	start := time.Now()
	states := make([]*cdft.ConstrainedState, len(jobs))
	failed := make([]*cdft.RunError, len(jobs))
	relaxed := make([]*cdft.Relaxation, len(jobs))
	eg, gctx := errgroup.WithContext(ctx)
	if opts.Parallel > 0 {
		eg.SetLimit(opts.Parallel)
	}
	for i, job := range jobs {
		eg.Go(func() error {
			st, rel, err := solve(gctx, mol, g, job, newDriver, opts, logger)
			relaxed[i] = rel
			if re, ok := diverged(err); ok {
				logger.Warn("state diverged", "state", job.Name, "iterations", re.Iterations, "error", re.Err)
				failed[i] = re
				return nil
			}
			if err != nil {
				return err
			}
			states[i] = st
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	res := &Result{}
	for i, st := range states {
		if relaxed[i] != nil {
			if res.Relaxations == nil {
				res.Relaxations = map[string]*cdft.Relaxation{}
			}
			res.Relaxations[jobs[i].Name] = relaxed[i]
		}
		if failed[i] != nil {
			if res.Failures == nil {
				res.Failures = map[string]*cdft.RunError{}
			}
			res.Failures[jobs[i].Name] = failed[i]
			continue
		}
		res.States = append(res.States, st)
	}
	logger.Info("states finished", "converged", len(res.States), "diverged", len(res.Failures), "elapsed", time.Since(start))

	if !opts.Couple {
		return res, nil
	}
	if len(res.Failures) > 0 {
		logger.Warn("coupling skipped, not every state converged", "diverged", len(res.Failures))
		return res, nil
	}
	c, err := Couple(ctx, res.States, opts.Coupling, logger)
	if err != nil {
		return nil, err
	}
	res.Coupling = c
	return res, nil
}

// Couple computes the diabatic couplings of solved states.
func Couple(ctx context.Context, states []*cdft.ConstrainedState, opts coupling.Options, logger *slog.Logger) (*coupling.Result, error) {
	diabats := make([]coupling.Diabat, len(states))
	for i, st := range states {
		diabats[i] = st
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return coupling.Compute(ctx, diabats, opts)
}

func solve(ctx context.Context, mol *molecule.Molecule, g *grid.Grid, job Job, newDriver DriverFactory, opts Options, logger *slog.Logger) (*cdft.ConstrainedState, *cdft.Relaxation, error) {
	so := opts.Solver
	so.Logger = logger
	if opts.Store != nil {
		so.Recorder = opts.Store.Recorder(job.Name)
	}
	if opts.Relax != nil {
		rel, err := cdft.Relax(ctx, job.Name, mol, g, job.Constraints, func() (driver.Driver, error) {
			return newDriver(job.Name)
		}, so, *opts.Relax)
		if rel == nil || err != nil {
			return nil, rel, err
		}
		return rel.State, rel, nil
	}

	d, err := newDriver(job.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("state %s: %w", job.Name, err)
	}
	s, err := cdft.NewSolver(job.Name, mol, g, job.Constraints, d, so)
	if err != nil {
		if c, ok := d.(io.Closer); ok {
			c.Close()
		}
		return nil, nil, err
	}
	st, err := s.Solve(ctx)
	return st, nil, err
}

// restart copies the multipliers of the last recorded iteration of job into
// the initial guesses of its constraints.
func restart(store *checkpoint.Store, job Job, logger *slog.Logger) (constraint.Set, error) {
	cs := job.Constraints.Clone()
	snap, ok, err := store.Latest(job.Name)
	if err != nil {
		return nil, fmt.Errorf("state %s: %w", job.Name, err)
	}
	if !ok {
		return cs, nil
	}
	if len(snap.Multipliers) != len(cs) {
		logger.Warn("checkpoint does not match the constraints, ignored",
			"state", job.Name, "multipliers", len(snap.Multipliers), "constraints", len(cs))
	} else {
		for k := range cs {
			cs[k].Initial = cs[k].Clip(snap.Multipliers[k])
		}
		logger.Info("restarting from checkpoint", "state", job.Name, "iteration", snap.Iteration, "multipliers", snap.Multipliers)
	}
	if err := store.Clear(job.Name); err != nil {
		return nil, fmt.Errorf("state %s: %w", job.Name, err)
	}
	return cs, nil
}
