// optimizer.go --  This file is part of goCDFT project.
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

// Package optimizer finds the Lagrange multipliers V for which the observed
// populations N(V) hit their targets. N is a black box: every evaluation is a
// full SCF calculation, so the solver only ever sees residuals.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"example.com/gocdft/linalg"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Policy selects how the Jacobian dN/dV is obtained.
type Policy string

const (
	// FiniteDifference rebuilds the Jacobian by forward differences every
	// iteration, one extra evaluation per multiplier.
	FiniteDifference Policy = "finite_difference"
	// Broyden keeps the Jacobian and applies rank-1 updates, rebuilding it by
	// finite differences on stagnation.
	Broyden Policy = "broyden"
)

// Purpose tags an oracle call.
type Purpose string

const (
	PurposeIterate  Purpose = "iterate"
	PurposeJacobian Purpose = "jacobian"
	PurposeTrial    Purpose = "trial"
)

// ErrDivergence is wrapped by every *DivergenceError.
var ErrDivergence = errors.New("constraint optimization diverged")

// Snapshot is the immutable state after one outer iteration.
type Snapshot struct {
	Iteration   int       `json:"iteration"`
	Multipliers []float64 `json:"multipliers"`
	Populations []float64 `json:"populations"`
	Residuals   []float64 `json:"residuals"`
	Norm        float64   `json:"norm"`
	// Evaluations is the number of oracle calls made so far.
	Evaluations int `json:"evaluations"`
}

func (s Snapshot) clone() Snapshot {
	s.Multipliers = slices.Clone(s.Multipliers)
	s.Populations = slices.Clone(s.Populations)
	s.Residuals = slices.Clone(s.Residuals)
	return s
}

// DivergenceError reports a solve that gave up. Best is the snapshot with the
// smallest residual norm seen.
type DivergenceError struct {
	Iterations int
	Best       Snapshot
	Residuals  []float64
	Reason     string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%v after %d iterations: %s (best |r| = %.3e at iteration %d)",
		ErrDivergence, e.Iterations, e.Reason, e.Best.Norm, e.Best.Iteration)
}

func (e *DivergenceError) Unwrap() error { return ErrDivergence }

// Recorder receives every snapshot as it is produced.
type Recorder interface {
	Record(ctx context.Context, s Snapshot) error
}

// Oracle evaluates the populations at multipliers v. The payload is whatever
// the caller needs to keep from the accepted evaluation.
type Oracle[T any] func(ctx context.Context, v []float64, purpose Purpose) ([]float64, T, error)

type Options struct {
	Targets    []float64
	Tolerances []float64
	// Brackets holds [min, max] per multiplier; infinite ends are unbounded.
	// Nil means no clipping.
	Brackets      [][2]float64
	MaxIterations int
	MaxHalvings   int
	Policy        Policy
	// Step is the finite-difference step in V.
	Step float64
	// Stagnation triggers a Jacobian refresh when an accepted step leaves
	// the residual norm above Stagnation times the previous one.
	Stagnation float64
	// Concurrent dispatches the Jacobian evaluations in parallel.
	Concurrent bool
	// MaxCond rejects Jacobians with a larger LU condition number.
	MaxCond float64
	// Recoverable marks oracle errors after which a smaller step is tried
	// instead of failing.
	Recoverable func(error) bool
	Recorder    Recorder
	Logger      *slog.Logger
}

// DefaultOptions returns the stock settings for n multipliers.
func DefaultOptions(n int) Options {
	tol := make([]float64, n)
	for i := range tol {
		tol[i] = 1e-3
	}
	return Options{
		Targets:       make([]float64, n),
		Tolerances:    tol,
		MaxIterations: 50,
		MaxHalvings:   6,
		Policy:        FiniteDifference,
		Step:          0.01,
		Stagnation:    0.5,
		MaxCond:       1e12,
	}
}

func (o *Options) validate(n int) error {
	var errs []error
	if n == 0 {
		errs = append(errs, errors.New("no multipliers"))
	}
	if len(o.Targets) != n {
		errs = append(errs, fmt.Errorf("%d targets for %d multipliers", len(o.Targets), n))
	}
	if len(o.Tolerances) != n {
		errs = append(errs, fmt.Errorf("%d tolerances for %d multipliers", len(o.Tolerances), n))
	}
	for i, t := range o.Tolerances {
		if !(t > 0) {
			errs = append(errs, fmt.Errorf("tolerance %d must be positive", i))
		}
	}
	if o.Brackets != nil {
		if len(o.Brackets) != n {
			errs = append(errs, fmt.Errorf("%d brackets for %d multipliers", len(o.Brackets), n))
		}
		for i, b := range o.Brackets {
			if !(b[0] < b[1]) {
				errs = append(errs, fmt.Errorf("bracket %d is empty: [%g, %g]", i, b[0], b[1]))
			}
		}
	}
	if o.MaxIterations < 1 {
		errs = append(errs, errors.New("max iterations must be at least 1"))
	}
	if o.MaxHalvings < 0 {
		errs = append(errs, errors.New("max halvings must not be negative"))
	}
	if o.Policy != FiniteDifference && o.Policy != Broyden {
		errs = append(errs, fmt.Errorf("unknown jacobian policy %q", o.Policy))
	}
	if !(o.Step > 0) {
		errs = append(errs, errors.New("jacobian step must be positive"))
	}
	if !(o.MaxCond > 1) {
		errs = append(errs, errors.New("max condition number must exceed 1"))
	}
	return errors.Join(errs...)
}

// Result of a converged solve. Payload comes from the evaluation at the
// final multipliers.
type Result[T any] struct {
	Snapshot
	History []Snapshot
	Payload T
}

type solver[T any] struct {
	opts   Options
	oracle Oracle[T]
	logger *slog.Logger
	evals  int
}

// Solve runs the damped quasi-Newton iteration from v0.
func Solve[T any](ctx context.Context, v0 []float64, opts Options, oracle Oracle[T]) (*Result[T], error) {
	n := len(v0)
	if err := opts.validate(n); err != nil {
		return nil, fmt.Errorf("optimizer options: %w", err)
	}
	s := &solver[T]{opts: opts, oracle: oracle, logger: opts.Logger}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s.run(ctx, s.clip(v0))
}

func (s *solver[T]) clip(v []float64) []float64 {
	res := slices.Clone(v)
	if s.opts.Brackets == nil {
		return res
	}
	for i, b := range s.opts.Brackets {
		res[i] = math.Min(math.Max(res[i], b[0]), b[1])
	}
	return res
}

func (s *solver[T]) call(ctx context.Context, v []float64, p Purpose) ([]float64, T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return nil, zero, err
	}
	pop, payload, err := s.oracle(ctx, slices.Clone(v), p)
	if err != nil {
		return nil, zero, err
	}
	if len(pop) != len(v) {
		return nil, zero, fmt.Errorf("oracle returned %d populations for %d multipliers", len(pop), len(v))
	}
	return pop, payload, nil
}

func (s *solver[T]) residuals(pop []float64) ([]float64, float64) {
	r := make([]float64, len(pop))
	floats.SubTo(r, pop, s.opts.Targets)
	return r, floats.Norm(r, 2)
}

func (s *solver[T]) converged(r []float64) bool {
	for i, x := range r {
		if !(math.Abs(x) < s.opts.Tolerances[i]) {
			return false
		}
	}
	return true
}

func (s *solver[T]) record(ctx context.Context, snap Snapshot) {
	s.logger.Info("constraint iteration",
		"iteration", snap.Iteration,
		"multipliers", snap.Multipliers,
		"populations", snap.Populations,
		"norm", snap.Norm,
		"evaluations", snap.Evaluations)
	if s.opts.Recorder == nil {
		return
	}
	if err := s.opts.Recorder.Record(ctx, snap.clone()); err != nil {
		s.logger.Warn("failed to record snapshot", "iteration", snap.Iteration, "error", err)
	}
}

func (s *solver[T]) run(ctx context.Context, v []float64) (*Result[T], error) {
	pop, payload, err := s.call(ctx, v, PurposeIterate)
	if err != nil {
		return nil, err
	}
	s.evals++
	r, norm := s.residuals(pop)
	cur := Snapshot{Multipliers: v, Populations: pop, Residuals: r, Norm: norm, Evaluations: s.evals}
	history := []Snapshot{cur}
	best := cur
	s.record(ctx, cur)

	var jac *mat.Dense
	stale := true
	diverged := func(reason string) error {
		return &DivergenceError{
			Iterations: cur.Iteration,
			Best:       best.clone(),
			Residuals:  slices.Clone(cur.Residuals),
			Reason:     reason,
		}
	}

	for iter := 1; ; iter++ {
		if s.converged(cur.Residuals) {
			return &Result[T]{Snapshot: cur.clone(), History: history, Payload: payload}, nil
		}
		if iter > s.opts.MaxIterations {
			return nil, diverged("iteration cap reached")
		}
		if s.opts.Policy == FiniteDifference || stale || jac == nil {
			jac, err = s.jacobian(ctx, cur.Multipliers, cur.Populations)
			if err != nil {
				return nil, err
			}
			stale = false
		}
		step, err := linalg.Solve(jac, cur.Residuals, s.opts.MaxCond)
		if errors.Is(err, linalg.ErrSingular) {
			s.logger.Warn("singular jacobian", "iteration", iter, "jacobian", linalg.FormatDense(jac), "error", err)
			return nil, diverged("singular jacobian")
		}
		if err != nil {
			return nil, err
		}
		floats.Scale(-1, step)

		next, nextPayload, accepted, err := s.damp(ctx, cur, step)
		if err != nil {
			return nil, err
		}
		if !accepted {
			return nil, diverged("no damped step could be evaluated")
		}
		if next.Norm >= cur.Norm {
			s.logger.Warn("step accepted without residual decrease", "iteration", iter, "norm", next.Norm)
			stale = true
		} else if next.Norm > s.opts.Stagnation*cur.Norm {
			stale = true
		}
		if s.opts.Policy == Broyden && !stale {
			broydenUpdate(jac, cur, next)
		}

		next.Iteration = iter
		next.Evaluations = s.evals
		cur, payload = next, nextPayload
		history = append(history, cur)
		if cur.Norm < best.Norm {
			best = cur
		}
		s.record(ctx, cur)
	}
}

// damp tries v + step, halving the step while the residual norm does not
// decrease. When every halving fails the smallest evaluated step is taken.
func (s *solver[T]) damp(ctx context.Context, cur Snapshot, step []float64) (Snapshot, T, bool, error) {
	var (
		last        Snapshot
		lastPayload T
		have        bool
		lastErr     error
	)
	lambda := 1.0
	for h := 0; h <= s.opts.MaxHalvings; h++ {
		trial := slices.Clone(cur.Multipliers)
		floats.AddScaled(trial, lambda, step)
		trial = s.clip(trial)
		pop, payload, err := s.call(ctx, trial, PurposeTrial)
		switch {
		case err == nil:
			s.evals++
			r, norm := s.residuals(pop)
			last = Snapshot{Multipliers: trial, Populations: pop, Residuals: r, Norm: norm}
			lastPayload, have = payload, true
			if norm < cur.Norm {
				return last, lastPayload, true, nil
			}
		case s.opts.Recoverable != nil && s.opts.Recoverable(err) && ctx.Err() == nil:
			s.evals++
			lastErr = err
			s.logger.Warn("trial evaluation failed, halving step", "halving", h, "error", err)
		default:
			return Snapshot{}, lastPayload, false, err
		}
		lambda /= 2
	}
	if !have && lastErr != nil {
		s.logger.Warn("every damped step failed", "error", lastErr)
	}
	return last, lastPayload, have, nil
}

// broydenUpdate applies J += (dr - J dv) dv^T / (dv^T dv).
func broydenUpdate(jac *mat.Dense, prev, next Snapshot) {
	n := len(prev.Multipliers)
	dv := make([]float64, n)
	dr := make([]float64, n)
	floats.SubTo(dv, next.Multipliers, prev.Multipliers)
	floats.SubTo(dr, next.Residuals, prev.Residuals)
	den := floats.Dot(dv, dv)
	if den == 0 {
		return
	}
	var jdv mat.VecDense
	jdv.MulVec(jac, mat.NewVecDense(n, dv))
	u := mat.NewVecDense(n, dr)
	u.SubVec(u, &jdv)
	u.ScaleVec(1/den, u)
	jac.RankOne(jac, 1, u, mat.NewVecDense(n, dv))
}
