// model.go --  This file is part of goCDFT project.
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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"example.com/gocdft/grid"
	"example.com/gocdft/linalg"
	"example.com/gocdft/molecule"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ModelConfig controls the tight-binding model engine.
type ModelConfig struct {
	Hopping      float64 `yaml:"hopping" json:"hopping"` // Wolfsberg-Helmholz constant
	Hubbard      float64 `yaml:"hubbard" json:"hubbard"`
	Mixing       float64 `yaml:"mixing" json:"mixing"` // density mixing on steps without DIIS
	DIIS         int     `yaml:"diis" json:"diis"`     // history length, 0 disables DIIS
	MaxSCFSteps  int     `yaml:"max_scf_steps" json:"max_scf_steps"`
	SCFTolerance float64 `yaml:"scf_tolerance" json:"scf_tolerance"`
	Forces       bool    `yaml:"forces" json:"forces"`
	ForceStep    float64 `yaml:"force_step" json:"force_step"`
}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Hopping:      1.75,
		Hubbard:      0.3,
		Mixing:       0.5,
		DIIS:         8,
		MaxSCFSteps:  200,
		SCFTolerance: 1e-9,
		ForceStep:    1e-3,
	}
}

// Model is an in-process unrestricted tight-binding engine with one s-type
// orbital per atom. The one-electron Hamiltonian is
//
//	H_ii = -IP_i,  H_ij = K/2 (H_ii + H_jj) S_ij
//
// and Mulliken charge fluctuations cost U/2 sum_i dq_i^2. The external
// potential enters through its grid matrix elements, so the total energy
// contains the constraint term sum_k V_k N_k exactly.
type Model struct {
	Config ModelConfig
	Logger *slog.Logger
}

func NewModel(cfg ModelConfig, logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Model{Config: cfg, Logger: logger}
}

// ConcurrencySafe reports true: Evaluate keeps no state between calls.
func (m *Model) ConcurrencySafe() bool { return true }

type modelSystem struct {
	nbasis int
	S, X   *mat.SymDense
	H0     *mat.SymDense
	V      [2]*mat.SymDense
	phi    *mat.Dense
	ref    []float64
	nocc   [2]int
	enn    float64
}

type modelResult struct {
	energy float64
	P, C   [2]*mat.Dense
	steps  int
}

type modelRestart struct {
	N    int       `json:"n"`
	Up   []float64 `json:"up"`
	Down []float64 `json:"down"`
}

func (m *Model) build(mol *molecule.Molecule, g *grid.Grid, field *grid.Potential) (*modelSystem, error) {
	basis, err := MinimalBasis(mol)
	if err != nil {
		return nil, err
	}
	n := len(basis)
	up, down, err := mol.NSpin()
	if err != nil {
		return nil, err
	}
	if up > n || down > n {
		return nil, fmt.Errorf("model: %d/%d electrons do not fit into %d orbitals", up, down, n)
	}
	sys := &modelSystem{nbasis: n, nocc: [2]int{up, down}, enn: mol.NucNuc()}
	sys.S = Overlap(basis)
	sys.X, _, err = linalg.InverseSqrt(sys.S, 1e-8)
	if err != nil {
		return nil, fmt.Errorf("model: overlap matrix: %w", err)
	}

	sys.H0 = mat.NewSymDense(n, nil)
	sys.ref = make([]float64, n)
	for i, a := range mol.Atoms {
		sys.H0.SetSym(i, i, -molecule.ElemData.IP[a.Z])
		sys.ref[i] = float64(a.Valence())
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			hij := 0.5 * m.Config.Hopping * (sys.H0.At(i, i) + sys.H0.At(j, j)) * sys.S.At(i, j)
			sys.H0.SetSym(i, j, hij)
		}
	}

	sys.phi = OnGrid(basis, g)
	for s := 0; s < 2; s++ {
		sys.V[s] = mat.NewSymDense(n, nil)
	}
	if field != nil && !field.IsZero() {
		for s, v := range [][]float64{field.Up, field.Down} {
			var tmp mat.Dense
			tmp.CloneFrom(sys.phi)
			for i := 0; i < n; i++ {
				row := tmp.RawRowView(i)
				for k := range row {
					row[k] *= v[k]
				}
			}
			var vm mat.Dense
			vm.Mul(&tmp, sys.phi.T())
			vm.Scale(g.DV(), &vm)
			sys.V[s] = linalg.Symmetrize(&vm)
		}
	}
	return sys, nil
}

// charges returns the Mulliken population minus the reference valence of
// every site.
func (sys *modelSystem) charges(P [2]*mat.Dense) []float64 {
	dq := make([]float64, sys.nbasis)
	for s := 0; s < 2; s++ {
		var ps mat.Dense
		ps.Mul(P[s], sys.S)
		for i := range dq {
			dq[i] += ps.At(i, i)
		}
	}
	for i := range dq {
		dq[i] -= sys.ref[i]
	}
	return dq
}

// fock builds both spin Fock matrices and the energy of density P.
func (m *Model) fock(sys *modelSystem, P [2]*mat.Dense) ([2]*mat.Dense, float64) {
	n := sys.nbasis
	u := m.Config.Hubbard
	dq := sys.charges(P)
	var F [2]*mat.Dense
	energy := sys.enn
	for i := range dq {
		energy += 0.5 * u * dq[i] * dq[i]
	}
	for s := 0; s < 2; s++ {
		F[s] = mat.NewDense(n, n, nil)
		F[s].Add(sys.H0, sys.V[s])
		var hp mat.Dense
		hp.MulElem(F[s], P[s])
		energy += mat.Sum(&hp)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				F[s].Set(i, j, F[s].At(i, j)+0.5*u*sys.S.At(i, j)*(dq[i]+dq[j]))
			}
		}
	}
	return F, energy
}

// residual is the orthogonalised commutator X (F P S - S P F) X.
func residual(sys *modelSystem, F, P *mat.Dense) *mat.Dense {
	var fps, spf mat.Dense
	fps.Mul(F, P)
	fps.Mul(&fps, sys.S)
	spf.Mul(sys.S, P)
	spf.Mul(&spf, F)
	fps.Sub(&fps, &spf)
	fps.Mul(sys.X, &fps)
	fps.Mul(&fps, sys.X)
	return &fps
}

// diagonalize solves F C = S C e and returns C together with the density
// matrix of the nocc lowest orbitals.
func diagonalize(sys *modelSystem, F *mat.Dense, nocc int) (*mat.Dense, *mat.Dense, error) {
	Fp := linalg.Transform(sys.X, linalg.Symmetrize(F))
	_, ev, err := linalg.SymEigen(Fp)
	if err != nil {
		return nil, nil, err
	}
	var C mat.Dense
	C.Mul(sys.X, ev)
	n := sys.nbasis
	P := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := 0.0
			for o := 0; o < nocc; o++ {
				v += C.At(i, o) * C.At(j, o)
			}
			P.Set(i, j, v)
		}
	}
	return &C, P, nil
}

func (m *Model) initialGuess(sys *modelSystem, restart []byte) ([2]*mat.Dense, error) {
	var P [2]*mat.Dense
	n := sys.nbasis
	if len(restart) > 0 {
		var rs modelRestart
		if err := json.Unmarshal(restart, &rs); err == nil && rs.N == n && len(rs.Up) == n*n && len(rs.Down) == n*n {
			P[0] = mat.NewDense(n, n, rs.Up)
			P[1] = mat.NewDense(n, n, rs.Down)
			return P, nil
		}
		m.Logger.Debug("model: ignoring incompatible restart data")
	}
	for s := 0; s < 2; s++ {
		var core mat.Dense
		core.Add(sys.H0, sys.V[s])
		_, p, err := diagonalize(sys, &core, sys.nocc[s])
		if err != nil {
			return P, err
		}
		P[s] = p
	}
	return P, nil
}

// diisExtrapolate solves the DIIS equations over the stored Fock matrices of
// both spins and returns the extrapolated pair.
func diisExtrapolate(fs, rs [][2]*mat.Dense) ([2]*mat.Dense, bool) {
	dim := len(fs) + 1
	B := mat.NewDense(dim, dim, nil)
	for i := 0; i < dim-1; i++ {
		B.Set(i, dim-1, -1)
		B.Set(dim-1, i, -1)
		for j := 0; j < dim-1; j++ {
			v := 0.0
			for s := 0; s < 2; s++ {
				var b mat.Dense
				b.MulElem(rs[i][s], rs[j][s])
				v += mat.Sum(&b)
			}
			B.Set(i, j, v)
		}
	}
	// scale the error block so the condition guard sees relative sizes
	scale := 0.0
	for i := 0; i < dim-1; i++ {
		scale = max(scale, B.At(i, i))
	}
	if scale > 0 {
		for i := 0; i < dim-1; i++ {
			for j := 0; j < dim-1; j++ {
				B.Set(i, j, B.At(i, j)/scale)
			}
		}
	}
	rhs := make([]float64, dim)
	rhs[dim-1] = -1
	coefs, err := linalg.Solve(B, rhs, 1e14)
	if err != nil {
		return [2]*mat.Dense{}, false
	}
	var res [2]*mat.Dense
	r, c := fs[0][0].Dims()
	for s := 0; s < 2; s++ {
		res[s] = mat.NewDense(r, c, nil)
		for j := range fs {
			var part mat.Dense
			part.Scale(coefs[j], fs[j][s])
			res[s].Add(res[s], &part)
		}
	}
	return res, true
}

// scf runs the self-consistent loop from the density guess P.
func (m *Model) scf(ctx context.Context, sys *modelSystem, P [2]*mat.Dense) (*modelResult, error) {
	cfg := m.Config
	tolE := cfg.SCFTolerance
	tolD := math.Sqrt(tolE)
	var fs, rs [][2]*mat.Dense
	ePrev := 0.0
	bestRMS := math.Inf(1)
	for step := 1; step <= cfg.MaxSCFSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		F, energy := m.fock(sys, P)

		var R [2]*mat.Dense
		var sq []float64
		for s := 0; s < 2; s++ {
			R[s] = residual(sys, F[s], P[s])
			for _, v := range R[s].RawMatrix().Data {
				sq = append(sq, v*v)
			}
		}
		dRMS := math.Sqrt(stat.Mean(sq, nil))
		m.Logger.Debug("model scf", "step", step, "energy", energy, "dE", ePrev-energy, "dRMS", dRMS)

		if step > 1 && math.Abs(ePrev-energy) < tolE && dRMS < tolD {
			res := &modelResult{energy: energy, P: P, steps: step}
			for s := 0; s < 2; s++ {
				c, _, err := diagonalize(sys, F[s], sys.nocc[s])
				if err != nil {
					return nil, fmt.Errorf("model: %w", err)
				}
				res.C[s] = c
			}
			return res, nil
		}
		ePrev = energy

		extrapolated := false
		if cfg.DIIS > 0 {
			if dRMS > 10*bestRMS {
				fs, rs = nil, nil
			}
			bestRMS = min(bestRMS, dRMS)
			fs = append(fs, F)
			rs = append(rs, R)
			if len(fs) > cfg.DIIS {
				fs, rs = fs[1:], rs[1:]
			}
			// a history of nearly parallel residuals makes B singular
			for len(fs) > 1 {
				if ext, ok := diisExtrapolate(fs, rs); ok {
					F = ext
					extrapolated = true
					break
				}
				fs, rs = fs[1:], rs[1:]
			}
		}

		var next [2]*mat.Dense
		for s := 0; s < 2; s++ {
			_, p, err := diagonalize(sys, F[s], sys.nocc[s])
			if err != nil {
				return nil, fmt.Errorf("model: %w", err)
			}
			if !extrapolated && cfg.Mixing > 0 && cfg.Mixing < 1 {
				p.Scale(cfg.Mixing, p)
				var old mat.Dense
				old.Scale(1-cfg.Mixing, P[s])
				p.Add(p, &old)
			}
			next[s] = p
		}
		P = next
	}
	return nil, fmt.Errorf("%w: model engine after %d steps", ErrSCFNotConverged, cfg.MaxSCFSteps)
}

// Evaluate implements Driver.
func (m *Model) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sys, err := m.build(req.Molecule, req.Grid, req.Potential.Field)
	if err != nil {
		return nil, err
	}
	P, err := m.initialGuess(sys, req.Restart)
	if err != nil {
		return nil, fmt.Errorf("model: initial guess: %w", err)
	}
	res, err := m.scf(ctx, sys, P)
	if err != nil {
		return nil, err
	}
	m.Logger.Debug("model scf converged", "steps", res.steps, "energy", res.energy)

	resp := &Response{
		Energy:        res.energy,
		Density:       sys.density(res.P),
		Orbitals:      sys.orbitals(res.C, req.Grid.DV()),
		SCFIterations: res.steps,
	}
	resp.Restart, err = json.Marshal(modelRestart{
		N:    sys.nbasis,
		Up:   append([]float64(nil), res.P[0].RawMatrix().Data...),
		Down: append([]float64(nil), res.P[1].RawMatrix().Data...),
	})
	if err != nil {
		return nil, err
	}
	if m.Config.Forces {
		resp.Forces, err = m.forces(ctx, req, res.P)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// density samples rho_s(r) = sum_ij P_ij phi_i(r) phi_j(r).
func (sys *modelSystem) density(P [2]*mat.Dense) *grid.Density {
	_, np := sys.phi.Dims()
	d := grid.NewDensity(np)
	for s, out := range [][]float64{d.Up, d.Down} {
		var t mat.Dense
		t.Mul(P[s], sys.phi)
		for i := 0; i < sys.nbasis; i++ {
			prow := sys.phi.RawRowView(i)
			trow := t.RawRowView(i)
			for k := range out {
				out[k] += prow[k] * trow[k]
			}
		}
	}
	return d
}

// orbitals samples the occupied orbitals on the grid.
func (sys *modelSystem) orbitals(C [2]*mat.Dense, dv float64) *grid.Wavefunction {
	_, np := sys.phi.Dims()
	w := &grid.Wavefunction{}
	for s := 0; s < 2; s++ {
		set := make([][]float64, sys.nocc[s])
		for o := range set {
			psi := make([]float64, np)
			for i := 0; i < sys.nbasis; i++ {
				c := C[s].At(i, o)
				row := sys.phi.RawRowView(i)
				for k := range psi {
					psi[k] += c * row[k]
				}
			}
			set[o] = psi
		}
		if s == 0 {
			w.Up = set
		} else {
			w.Down = set
		}
	}
	w.Normalize(dv)
	return w
}

// forces differentiates the total energy by central finite differences at
// fixed external potential.
func (m *Model) forces(ctx context.Context, req *Request, P [2]*mat.Dense) ([][3]float64, error) {
	h := m.Config.ForceStep
	if h <= 0 {
		h = 1e-3
	}
	forces := make([][3]float64, len(req.Molecule.Atoms))
	energyAt := func(a, k int, dx float64) (float64, error) {
		mol := req.Molecule.Clone()
		mol.Atoms[a].Coords[k] += dx
		sys, err := m.build(mol, req.Grid, req.Potential.Field)
		if err != nil {
			return 0, err
		}
		res, err := m.scf(ctx, sys, [2]*mat.Dense{mat.DenseCopyOf(P[0]), mat.DenseCopyOf(P[1])})
		if err != nil {
			return 0, err
		}
		return res.energy, nil
	}
	for a := range forces {
		for k := 0; k < 3; k++ {
			ep, err := energyAt(a, k, h)
			if err != nil {
				return nil, fmt.Errorf("model forces: %w", err)
			}
			em, err := energyAt(a, k, -h)
			if err != nil {
				return nil, fmt.Errorf("model forces: %w", err)
			}
			forces[a][k] = -(ep - em) / (2 * h)
		}
	}
	return forces, nil
}

var _ Driver = (*Model)(nil)
var _ Concurrent = (*Model)(nil)

// Validate reports every configuration problem at once.
func (c ModelConfig) Validate() error {
	var errs []error
	if c.Hopping <= 0 {
		errs = append(errs, fmt.Errorf("model: hopping must be positive, got %g", c.Hopping))
	}
	if c.Hubbard < 0 {
		errs = append(errs, fmt.Errorf("model: negative hubbard %g", c.Hubbard))
	}
	if c.Mixing < 0 || c.Mixing > 1 {
		errs = append(errs, fmt.Errorf("model: mixing %g outside [0, 1]", c.Mixing))
	}
	if c.DIIS < 0 {
		errs = append(errs, fmt.Errorf("model: negative diis history %d", c.DIIS))
	}
	if c.MaxSCFSteps <= 0 {
		errs = append(errs, fmt.Errorf("model: max_scf_steps must be positive, got %d", c.MaxSCFSteps))
	}
	if c.SCFTolerance <= 0 {
		errs = append(errs, fmt.Errorf("model: scf_tolerance must be positive, got %g", c.SCFTolerance))
	}
	return errors.Join(errs...)
}
