// coupling.go --  This file is part of goCDFT project.
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

// Package coupling computes the electronic coupling between nonorthogonal
// diabatic states built from single determinants of occupied orbitals.
package coupling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"example.com/gocdft/grid"
	"example.com/gocdft/linalg"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"
)

const HartreeToEV = 27.211386245988

var tracer = otel.Tracer("example.com/gocdft/coupling")

var (
	ErrTooFewStates       = errors.New("coupling needs at least two states")
	ErrNotConverged       = errors.New("state is not converged")
	ErrNoOrbitals         = errors.New("state carries no orbitals")
	ErrIncompatibleStates = errors.New("states are incompatible")
	ErrIllConditioned     = errors.New("state overlap matrix is ill-conditioned")
)

// Convention selects which number is reported as the coupling.
type Convention string

const (
	// Lowdin reports |H'_ij| of the symmetrically orthogonalised Hamiltonian.
	Lowdin Convention = "lowdin"
	// Generalized reports |(H_ij - S_ij (H_ii + H_jj)/2) / (1 - S_ij^2)|.
	Generalized Convention = "generalized"
	// HalfGap reports half the adiabatic splitting of the pair.
	HalfGap Convention = "half_gap"
)

func ParseConvention(s string) (Convention, error) {
	switch c := Convention(s); c {
	case Lowdin, Generalized, HalfGap:
		return c, nil
	case "":
		return Lowdin, nil
	}
	return "", fmt.Errorf("unknown coupling convention %q", s)
}

// Diabat is a converged constrained state as seen by the coupling code.
type Diabat interface {
	Name() string
	Converged() bool
	Grid() *grid.Grid
	Orbitals() *grid.Wavefunction
	// Potential is the constraint potential the state was converged in;
	// nil means none.
	Potential() *grid.Potential
	DFTEnergy() float64
	ConstraintEnergy() float64
}

type Options struct {
	Convention Convention
	// OverlapThreshold is the smallest acceptable eigenvalue of S.
	OverlapThreshold float64
	// MaxCond is the largest acceptable condition number of S.
	MaxCond float64
	Logger  *slog.Logger
}

func DefaultOptions() Options {
	return Options{Convention: Lowdin, OverlapThreshold: 1e-8, MaxCond: 1e8}
}

// Result holds every matrix of the coupling calculation. Matrices are
// indexed in input order.
type Result struct {
	Names      []string
	Convention Convention
	// Coupling is the coupling between the first two states.
	Coupling float64
	// Couplings holds the coupling of every pair.
	Couplings *mat.SymDense
	S         *mat.SymDense
	H         *mat.SymDense
	// HOrth is the Lowdin orthogonalised Hamiltonian.
	HOrth     *mat.SymDense
	Diabatic  []float64
	Adiabatic []float64
	Gap       float64
}

func (r *Result) CouplingMilliHartree() float64 { return 1000 * r.Coupling }
func (r *Result) CouplingEV() float64           { return HartreeToEV * r.Coupling }
func (r *Result) GapEV() float64                { return HartreeToEV * r.Gap }

func check(states []Diabat) error {
	if len(states) < 2 {
		return fmt.Errorf("%w: got %d", ErrTooFewStates, len(states))
	}
	ref := states[0]
	for i, st := range states {
		if !st.Converged() {
			return fmt.Errorf("%w: %s", ErrNotConverged, st.Name())
		}
		wf := st.Orbitals()
		if wf == nil {
			return fmt.Errorf("%w: %s", ErrNoOrbitals, st.Name())
		}
		if i == 0 {
			continue
		}
		if st.Grid() == nil || !st.Grid().Compatible(ref.Grid()) {
			return fmt.Errorf("%w: %s and %s use different grids", ErrIncompatibleStates, ref.Name(), st.Name())
		}
		u0, d0 := ref.Orbitals().Occupations()
		u, d := wf.Occupations()
		if u != u0 || d != d0 {
			return fmt.Errorf("%w: %s has %d/%d occupied orbitals, %s %d/%d",
				ErrIncompatibleStates, st.Name(), u, d, ref.Name(), u0, d0)
		}
	}
	for _, st := range states {
		n := st.Grid().Len()
		wf := st.Orbitals()
		for _, psi := range append(append([][]float64(nil), wf.Up...), wf.Down...) {
			if len(psi) != n {
				return fmt.Errorf("%w: %s orbital has %d points, grid %d", ErrIncompatibleStates, st.Name(), len(psi), n)
			}
		}
		if p := st.Potential(); p != nil && (len(p.Up) != n || len(p.Down) != n) {
			return fmt.Errorf("%w: %s potential has %d points, grid %d", ErrIncompatibleStates, st.Name(), len(p.Up), n)
		}
	}
	return nil
}

func orbitalMatrix(psi [][]float64) *mat.Dense {
	if len(psi) == 0 {
		return nil
	}
	res := mat.NewDense(len(psi), len(psi[0]), nil)
	for i, row := range psi {
		res.SetRow(i, row)
	}
	return res
}

// channel returns the per-spin potential, or nil.
func channel(p *grid.Potential, spin int) []float64 {
	if p == nil {
		return nil
	}
	if spin == 0 {
		return p.Up
	}
	return p.Down
}

// pair returns S_ab = prod_s det O_s and
// V_ab = sum_s Tr(adj(O_s) P_s) prod_{s' != s} det O_s'.
func pair(a, b Diabat, dv float64) (float64, float64, error) {
	var det, tr [2]float64
	wa, wb := a.Orbitals(), b.Orbitals()
	for s, orb := range [2][2][][]float64{{wa.Up, wb.Up}, {wa.Down, wb.Down}} {
		pa, pb := orbitalMatrix(orb[0]), orbitalMatrix(orb[1])
		if pa == nil {
			det[s], tr[s] = 1, 0
			continue
		}
		var O mat.Dense
		O.Mul(pa, pb.T())
		O.Scale(dv, &O)

		va, vb := channel(a.Potential(), s), channel(b.Potential(), s)
		var scaled mat.Dense
		scaled.CloneFrom(pa)
		r, c := scaled.Dims()
		for i := 0; i < r; i++ {
			row := scaled.RawRowView(i)
			for k := 0; k < c; k++ {
				v := 0.0
				if va != nil {
					v += va[k]
				}
				if vb != nil {
					v += vb[k]
				}
				row[k] *= 0.5 * v
			}
		}
		var P mat.Dense
		P.Mul(&scaled, pb.T())
		P.Scale(dv, &P)

		adj, err := linalg.Adjugate(&O)
		if err != nil {
			return 0, 0, err
		}
		var AP mat.Dense
		AP.Mul(adj, &P)
		det[s], tr[s] = mat.Det(&O), mat.Trace(&AP)
	}
	return det[0] * det[1], tr[0]*det[1] + tr[1]*det[0], nil
}

// pairHalfGap is half the splitting of the 2x2 generalized eigenproblem
// H c = E S c with unit diagonal overlap.
func pairHalfGap(hii, hjj, hij, sij float64) float64 {
	a := 1 - sij*sij
	b := -(hii + hjj - 2*hij*sij)
	c := hii*hjj - hij*hij
	disc := b*b - 4*a*c
	if disc < 0 {
		disc = 0
	}
	return math.Sqrt(disc) / (2 * a)
}

// Compute builds the overlap and Hamiltonian matrices of the states in the
// given order, orthogonalises them and reports the coupling.
func Compute(ctx context.Context, states []Diabat, opts Options) (*Result, error) {
	ctx, span := tracer.Start(ctx, "coupling.Compute", trace.WithAttributes(attribute.Int("coupling.states", len(states))))
	defer span.End()
	res, err := compute(ctx, states, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "coupling failed")
		return nil, err
	}
	span.SetAttributes(attribute.Float64("coupling.value", res.Coupling))
	return res, nil
}

func compute(ctx context.Context, states []Diabat, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conv, err := ParseConvention(string(opts.Convention))
	if err != nil {
		return nil, err
	}
	if err := check(states); err != nil {
		return nil, err
	}
	n := len(states)
	dv := states[0].Grid().DV()
	S := mat.NewSymDense(n, nil)
	H := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		S.SetSym(i, i, 1)
		H.SetSym(i, i, states[i].DFTEnergy())
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			sab, vab, err := pair(states[i], states[j], dv)
			if err != nil {
				return nil, fmt.Errorf("%s/%s: %w", states[i].Name(), states[j].Name(), err)
			}
			fa := states[i].DFTEnergy() + states[i].ConstraintEnergy()
			fb := states[j].DFTEnergy() + states[j].ConstraintEnergy()
			S.SetSym(i, j, sab)
			H.SetSym(i, j, 0.5*(fa+fb)*sab-vab)
		}
	}
	logger.Info("state overlap matrix", "S", linalg.FormatDense(S))
	logger.Info("nonorthogonal hamiltonian", "H", linalg.FormatDense(H))

	minEig := opts.OverlapThreshold
	if minEig <= 0 {
		minEig = DefaultOptions().OverlapThreshold
	}
	X, eigS, err := linalg.InverseSqrt(S, minEig)
	if errors.Is(err, linalg.ErrSingular) {
		return nil, fmt.Errorf("%w: %v", ErrIllConditioned, err)
	}
	if err != nil {
		return nil, err
	}
	maxCond := opts.MaxCond
	if maxCond <= 0 {
		maxCond = DefaultOptions().MaxCond
	}
	if cond := eigS[len(eigS)-1] / eigS[0]; cond > maxCond {
		return nil, fmt.Errorf("%w: condition number %.3e", ErrIllConditioned, cond)
	}

	Horth := linalg.Transform(X, H)
	adiabatic, _, err := linalg.SymEigen(Horth)
	if err != nil {
		return nil, err
	}
	logger.Info("orthogonalised hamiltonian", "H", linalg.FormatDense(Horth))

	res := &Result{
		Names:      make([]string, n),
		Convention: conv,
		Couplings:  mat.NewSymDense(n, nil),
		S:          S,
		H:          H,
		HOrth:      Horth,
		Diabatic:   make([]float64, n),
		Adiabatic:  adiabatic,
		Gap:        adiabatic[1] - adiabatic[0],
	}
	for i := 0; i < n; i++ {
		res.Names[i] = states[i].Name()
		res.Diabatic[i] = Horth.At(i, i)
		for j := i + 1; j < n; j++ {
			var c float64
			switch conv {
			case Lowdin:
				c = math.Abs(Horth.At(i, j))
			case Generalized:
				sij := S.At(i, j)
				c = math.Abs((H.At(i, j) - 0.5*sij*(H.At(i, i)+H.At(j, j))) / (1 - sij*sij))
			case HalfGap:
				c = pairHalfGap(H.At(i, i), H.At(j, j), H.At(i, j), S.At(i, j))
			}
			res.Couplings.SetSym(i, j, c)
		}
	}
	res.Coupling = res.Couplings.At(0, 1)
	logger.Info("electronic coupling",
		"convention", conv,
		"coupling_mHa", res.CouplingMilliHartree(),
		"coupling_eV", res.CouplingEV(),
		"adiabatic", res.Adiabatic)
	return res, nil
}
