// constraint.go --  This file is part of goCDFT project.
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

// Package constraint defines the population constraints imposed on a CDFT
// run and the bookkeeping of their Lagrange multipliers.
package constraint

import (
	"errors"
	"fmt"
	"math"

	"example.com/gocdft/molecule"
	"golang.org/x/exp/slices"
)

type Kind string

const (
	Charge         Kind = "charge"
	ChargeTransfer Kind = "charge_transfer"
	Spin           Kind = "spin"
)

// WeightHirshfeld is the only weight-function kind implemented.
const WeightHirshfeld = "hirshfeld"

// DefaultTolerance is used when a constraint carries no tolerance of its own.
const DefaultTolerance = 1e-3

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Charge, ChargeTransfer, Spin:
		return k, nil
	case "charge-transfer", "ct":
		return ChargeTransfer, nil
	}
	return "", fmt.Errorf("unknown constraint kind %q", s)
}

// Fragment is a named group of atom indices.
type Fragment struct {
	Name  string `json:"name" yaml:"name"`
	Atoms []int  `json:"atoms" yaml:"atoms"`
}

// Overlaps reports whether the two fragments share an atom.
func (f Fragment) Overlaps(o Fragment) bool {
	for _, a := range f.Atoms {
		if slices.Contains(o.Atoms, a) {
			return true
		}
	}
	return false
}

// Constraint is one population constraint N[rho] = Target together with its
// Lagrange multiplier V. For charge and spin constraints Fragment selects the
// atoms; charge-transfer constraints use Donor and Acceptor and constrain
// N_D - N_A.
type Constraint struct {
	Name     string   `json:"name"`
	Kind     Kind     `json:"kind"`
	Fragment Fragment `json:"fragment"`
	Donor    Fragment `json:"donor"`
	Acceptor Fragment `json:"acceptor"`
	Weight   string   `json:"weight"`

	Target    float64    `json:"target"` // N0
	Initial   float64    `json:"initial"`
	Bracket   [2]float64 `json:"bracket"` // zero bracket means unbounded
	Tolerance float64    `json:"tolerance"`

	V         float64 `json:"v"`
	N         float64 `json:"n"`
	Evaluated bool    `json:"evaluated"`
}

// Label is the name used in logs.
func (c *Constraint) Label() string {
	if c.Name != "" {
		return c.Name
	}
	switch c.Kind {
	case ChargeTransfer:
		return fmt.Sprintf("%s(%s->%s)", c.Kind, c.Donor.Name, c.Acceptor.Name)
	default:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Fragment.Name)
	}
}

// Residual returns N - N0 of the last observed population.
func (c *Constraint) Residual() float64 { return c.N - c.Target }

// Tol returns the convergence threshold on |N - N0|.
func (c *Constraint) Tol() float64 {
	if c.Tolerance > 0 {
		return c.Tolerance
	}
	return DefaultTolerance
}

func (c *Constraint) Converged() bool {
	return c.Evaluated && math.Abs(c.Residual()) < c.Tol()
}

func (c *Constraint) Bounded() bool { return c.Bracket[0] < c.Bracket[1] }

// Clip restricts v to the multiplier bracket, if one is set.
func (c *Constraint) Clip(v float64) float64 {
	if !c.Bounded() {
		return v
	}
	return math.Max(c.Bracket[0], math.Min(c.Bracket[1], v))
}

// Reset puts the multiplier back to its initial value and forgets N.
func (c *Constraint) Reset() {
	c.V = c.Clip(c.Initial)
	c.N = 0
	c.Evaluated = false
}

// Validate checks the constraint against the molecule it will be applied to.
func (c *Constraint) Validate(mol *molecule.Molecule) error {
	var errs []error
	if c.Weight != "" && c.Weight != WeightHirshfeld {
		errs = append(errs, fmt.Errorf("weight function %q is not supported", c.Weight))
	}
	if math.IsNaN(c.Target) || math.IsInf(c.Target, 0) {
		errs = append(errs, errors.New("target is not finite"))
	}
	if c.Tolerance < 0 {
		errs = append(errs, fmt.Errorf("negative tolerance %g", c.Tolerance))
	}
	if c.Bracket[0] > c.Bracket[1] {
		errs = append(errs, fmt.Errorf("bracket [%g, %g] is reversed", c.Bracket[0], c.Bracket[1]))
	}
	if c.Bounded() && (c.Initial < c.Bracket[0] || c.Initial > c.Bracket[1]) {
		errs = append(errs, fmt.Errorf("initial multiplier %g outside bracket [%g, %g]", c.Initial, c.Bracket[0], c.Bracket[1]))
	}
	switch c.Kind {
	case Charge, Spin:
		if len(c.Fragment.Atoms) == 0 {
			errs = append(errs, errors.New("empty fragment"))
		}
		if mol != nil {
			if err := mol.CheckIndices(c.Fragment.Atoms); err != nil {
				errs = append(errs, err)
			}
		}
		if c.Kind == Charge && c.Target < 0 {
			errs = append(errs, fmt.Errorf("negative electron count %g", c.Target))
		}
	case ChargeTransfer:
		if len(c.Donor.Atoms) == 0 || len(c.Acceptor.Atoms) == 0 {
			errs = append(errs, errors.New("donor and acceptor must both be non-empty"))
		}
		if c.Donor.Overlaps(c.Acceptor) {
			errs = append(errs, errors.New("donor and acceptor share atoms"))
		}
		if mol != nil {
			if err := mol.CheckIndices(c.Donor.Atoms); err != nil {
				errs = append(errs, err)
			}
			if err := mol.CheckIndices(c.Acceptor.Atoms); err != nil {
				errs = append(errs, err)
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown constraint kind %q", c.Kind))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("constraint %s: %w", c.Label(), err)
	}
	return nil
}

// Set is an ordered collection of constraints. The order fixes the
// layout of multiplier and population vectors.
type Set []Constraint

// Clone returns a deep copy.
func (s Set) Clone() Set {
	res := make(Set, len(s))
	for i, c := range s {
		c.Fragment.Atoms = slices.Clone(c.Fragment.Atoms)
		c.Donor.Atoms = slices.Clone(c.Donor.Atoms)
		c.Acceptor.Atoms = slices.Clone(c.Acceptor.Atoms)
		res[i] = c
	}
	return res
}

func (s Set) Validate(mol *molecule.Molecule) error {
	var errs []error
	for i := range s {
		if err := s[i].Validate(mol); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s Set) Multipliers() []float64 {
	res := make([]float64, len(s))
	for i := range s {
		res[i] = s[i].V
	}
	return res
}

func (s Set) Initial() []float64 {
	res := make([]float64, len(s))
	for i := range s {
		res[i] = s[i].Clip(s[i].Initial)
	}
	return res
}

func (s Set) Targets() []float64 {
	res := make([]float64, len(s))
	for i := range s {
		res[i] = s[i].Target
	}
	return res
}

func (s Set) Tolerances() []float64 {
	res := make([]float64, len(s))
	for i := range s {
		res[i] = s[i].Tol()
	}
	return res
}

// Brackets returns per-constraint bounds; unbounded constraints get +-Inf.
func (s Set) Brackets() [][2]float64 {
	res := make([][2]float64, len(s))
	for i := range s {
		if s[i].Bounded() {
			res[i] = s[i].Bracket
		} else {
			res[i] = [2]float64{math.Inf(-1), math.Inf(1)}
		}
	}
	return res
}

func (s Set) Residuals() []float64 {
	res := make([]float64, len(s))
	for i := range s {
		res[i] = s[i].Residual()
	}
	return res
}

// Update stores multipliers and the populations observed with them.
func (s Set) Update(v, n []float64) {
	for i := range s {
		s[i].V = v[i]
		s[i].N = n[i]
		s[i].Evaluated = true
	}
}

// Energy returns Ec = sum_k V_k N_k.
func (s Set) Energy() float64 {
	res := 0.0
	for i := range s {
		res += s[i].V * s[i].N
	}
	return res
}

// FreeEnergyShift returns sum_k V_k (N_k - N0_k); W = Ed + FreeEnergyShift.
func (s Set) FreeEnergyShift() float64 {
	res := 0.0
	for i := range s {
		res += s[i].V * s[i].Residual()
	}
	return res
}
