// relax.go --  This file is part of goCDFT project.
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
	"io"
	"log/slog"
	"math"

	"example.com/gocdft/constraint"
	"example.com/gocdft/driver"
	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrRelaxNotConverged is returned when the forces stay above the
	// threshold for every allowed step.
	ErrRelaxNotConverged = errors.New("geometry relaxation did not converge")
	// ErrNoForces is returned when the engine does not report forces.
	ErrNoForces = errors.New("engine returned no forces")
)

// RelaxOptions controls a steepest-descent relaxation of the nuclei under
// fixed constraints.
type RelaxOptions struct {
	MaxSteps int
	// ForceTolerance bounds the largest atomic force at convergence, Ha/bohr.
	ForceTolerance float64
	// StepSize converts forces into displacements, bohr^2/Ha. It is halved
	// whenever a step raises the free energy.
	StepSize float64
	// MaxDisplacement caps the move of a single atom per step, bohr.
	MaxDisplacement float64
	// Partition builds the weights for a geometry. Nil means Hirshfeld
	// weights of the moved nuclei.
	Partition func(mol *molecule.Molecule) (Partition, error)
}

func DefaultRelaxOptions() RelaxOptions {
	return RelaxOptions{
		MaxSteps:        100,
		ForceTolerance:  1e-2,
		StepSize:        1,
		MaxDisplacement: 0.2,
	}
}

func (o RelaxOptions) Validate() error {
	var errs []error
	if o.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("relax: max steps must be positive, got %d", o.MaxSteps))
	}
	if !(o.ForceTolerance > 0) {
		errs = append(errs, fmt.Errorf("relax: force tolerance must be positive, got %g", o.ForceTolerance))
	}
	if !(o.StepSize > 0) {
		errs = append(errs, fmt.Errorf("relax: step size must be positive, got %g", o.StepSize))
	}
	if !(o.MaxDisplacement > 0) {
		errs = append(errs, fmt.Errorf("relax: max displacement must be positive, got %g", o.MaxDisplacement))
	}
	return errors.Join(errs...)
}

// RelaxStep is one geometry visited by the relaxation.
type RelaxStep struct {
	Step       int
	Geometry   *molecule.Molecule
	Energy     float64
	FreeEnergy float64
	MaxForce   float64
	MaxAtom    int
	// Accepted is false for steps that raised the free energy and were
	// retried with a shorter move.
	Accepted bool
}

// Relaxation is the outcome of Relax. State and Geometry belong to the last
// accepted step.
type Relaxation struct {
	State     *ConstrainedState
	Geometry  *molecule.Molecule
	Steps     []RelaxStep
	Converged bool
}

// Relax moves the nuclei along the total forces, engine plus constraint
// forces, until the largest force drops below the tolerance. Every geometry
// gets a fresh solver, a fresh driver from newDriver and a partition built
// for the moved nuclei; opts.Partition is ignored. The multipliers of each
// accepted step seed the next one. Running out of steps gives a *RunError
// wrapping ErrRelaxNotConverged. On error the returned Relaxation holds the
// steps made so far.
func Relax(ctx context.Context, name string, mol *molecule.Molecule, g *grid.Grid, cs constraint.Set,
	newDriver func() (driver.Driver, error), opts Options, ropts RelaxOptions) (*Relaxation, error) {
	if err := ropts.Validate(); err != nil {
		return nil, fmt.Errorf("cdft %s: %w", name, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("state", name)
	ctx, span := tracer.Start(ctx, "cdft.Relax", trace.WithAttributes(
		attribute.String("cdft.state", name),
		attribute.Int("cdft.atoms", len(mol.Atoms)),
	))
	defer span.End()

	res := &Relaxation{}
	cs = cs.Clone()
	cur := mol.Clone()
	alpha := ropts.StepSize
	evals := 0
	for step := 1; step <= ropts.MaxSteps; step++ {
		st, err := relaxSolve(ctx, name, cur, g, cs, newDriver, opts, ropts)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "relaxation failed")
			return res, err
		}
		relaxSteps.Inc()
		evals += st.Evaluations()
		forces := st.Forces()
		if forces == nil {
			return res, fmt.Errorf("cdft %s: %w", name, ErrNoForces)
		}
		fmax, atom := maxForce(forces)
		rs := RelaxStep{
			Step:       step,
			Geometry:   cur,
			Energy:     st.Energy(),
			FreeEnergy: st.FreeEnergy(),
			MaxForce:   fmax,
			MaxAtom:    atom,
		}

		if res.State != nil && rs.FreeEnergy > res.State.FreeEnergy() {
			res.Steps = append(res.Steps, rs)
			alpha /= 2
			logger.Warn("relaxation step raised the free energy, shortening",
				"step", step, "free_energy", rs.FreeEnergy, "step_size", alpha)
			cur = displace(res.Geometry, res.State.Forces(), alpha, ropts.MaxDisplacement)
			continue
		}
		rs.Accepted = true
		res.Steps = append(res.Steps, rs)
		res.State, res.Geometry = st, cur
		logger.Info("relaxation step",
			"step", step, "free_energy", rs.FreeEnergy, "max_force", fmax, "atom", atom)
		if fmax < ropts.ForceTolerance {
			res.Converged = true
			span.SetAttributes(attribute.Int("cdft.relax_steps", step))
			logger.Info("relaxation converged", "steps", step, "max_force", fmax)
			return res, nil
		}

		for k, v := range st.Multipliers() {
			cs[k].Initial = cs[k].Clip(v)
		}
		cur = displace(cur, forces, alpha, ropts.MaxDisplacement)
	}
	last := res.Steps[len(res.Steps)-1]
	err := &RunError{
		Name:        name,
		Phase:       PhaseFailed,
		Iterations:  len(res.Steps),
		Evaluations: evals,
		Err:         fmt.Errorf("%w: max force %.3e on atom %d", ErrRelaxNotConverged, last.MaxForce, last.MaxAtom),
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "relaxation not converged")
	return res, err
}

func relaxSolve(ctx context.Context, name string, mol *molecule.Molecule, g *grid.Grid, cs constraint.Set,
	newDriver func() (driver.Driver, error), opts Options, ropts RelaxOptions) (*ConstrainedState, error) {
	opts.Partition = nil
	if ropts.Partition != nil {
		p, err := ropts.Partition(mol)
		if err != nil {
			return nil, fmt.Errorf("cdft %s: %w", name, err)
		}
		opts.Partition = p
	}
	d, err := newDriver()
	if err != nil {
		return nil, fmt.Errorf("cdft %s: %w", name, err)
	}
	s, err := NewSolver(name, mol, g, cs, d, opts)
	if err != nil {
		if c, ok := d.(io.Closer); ok {
			c.Close()
		}
		return nil, err
	}
	return s.Solve(ctx)
}

// maxForce returns the largest atomic force norm and its atom.
func maxForce(forces [][3]float64) (float64, int) {
	fmax, atom := 0.0, 0
	for a, f := range forces {
		if n := math.Sqrt(f[0]*f[0] + f[1]*f[1] + f[2]*f[2]); n > fmax {
			fmax, atom = n, a
		}
	}
	return fmax, atom
}

// displace returns a copy of mol with every atom moved by alpha*F, each
// move capped at maxStep.
func displace(mol *molecule.Molecule, forces [][3]float64, alpha, maxStep float64) *molecule.Molecule {
	res := mol.Clone()
	for a, f := range forces {
		d := [3]float64{alpha * f[0], alpha * f[1], alpha * f[2]}
		if n := math.Sqrt(d[0]*d[0] + d[1]*d[1] + d[2]*d[2]); n > maxStep {
			for k := range d {
				d[k] *= maxStep / n
			}
		}
		for k := range d {
			res.Atoms[a].Coords[k] += d[k]
		}
	}
	return res
}
