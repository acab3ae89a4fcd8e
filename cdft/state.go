// state.go --  This file is part of goCDFT project.
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
	"example.com/gocdft/constraint"
	"example.com/gocdft/driver"
	"example.com/gocdft/grid"
	"example.com/gocdft/optimizer"
	"golang.org/x/exp/slices"
)

// ConstrainedState is the converged outcome of one CDFT run. It is never
// modified after Solve returns it. Density, Orbitals and Potential are
// shared with the state and must be treated as read-only.
type ConstrainedState struct {
	id   string
	name string

	energy float64 // engine total energy, constraint term included
	ed     float64
	ec     float64
	free   float64

	forces      [][3]float64
	grid        *grid.Grid
	density     *grid.Density
	orbitals    *grid.Wavefunction
	potential   *grid.Potential
	terms       []driver.Term
	constraints constraint.Set
	converged   bool
	iterations  int
	evaluations int
	history     []optimizer.Snapshot
}

// ID is the run identifier, unique per Solve call.
func (s *ConstrainedState) ID() string   { return s.id }
func (s *ConstrainedState) Name() string { return s.name }

// Energy is the total energy reported by the engine under the constraint
// potential.
func (s *ConstrainedState) Energy() float64 { return s.energy }

// DFTEnergy is Ed = E - Ec.
func (s *ConstrainedState) DFTEnergy() float64 { return s.ed }

// ConstraintEnergy is Ec = sum_k V_k N_k.
func (s *ConstrainedState) ConstraintEnergy() float64 { return s.ec }

// FreeEnergy is W = Ed + sum_k V_k (N_k - N0_k).
func (s *ConstrainedState) FreeEnergy() float64 { return s.free }

// Forces returns a copy of the forces, or nil when the engine gave none.
func (s *ConstrainedState) Forces() [][3]float64 { return slices.Clone(s.forces) }

func (s *ConstrainedState) Grid() *grid.Grid              { return s.grid }
func (s *ConstrainedState) Density() *grid.Density        { return s.density }
func (s *ConstrainedState) Orbitals() *grid.Wavefunction  { return s.orbitals }
func (s *ConstrainedState) Potential() *grid.Potential    { return s.potential }
func (s *ConstrainedState) Terms() []driver.Term          { return slices.Clone(s.terms) }
func (s *ConstrainedState) Constraints() constraint.Set   { return s.constraints.Clone() }
func (s *ConstrainedState) Converged() bool               { return s.converged }
func (s *ConstrainedState) Iterations() int               { return s.iterations }
func (s *ConstrainedState) Evaluations() int              { return s.evaluations }
func (s *ConstrainedState) History() []optimizer.Snapshot { return slices.Clone(s.history) }
func (s *ConstrainedState) Multipliers() []float64        { return s.constraints.Multipliers() }

func (s *ConstrainedState) Populations() []float64 {
	res := make([]float64, len(s.constraints))
	for i := range s.constraints {
		res[i] = s.constraints[i].N
	}
	return res
}

// Summary is the JSON form of a state written by the CLI.
type Summary struct {
	ID               string               `json:"id"`
	Name             string               `json:"name"`
	Energy           float64              `json:"energy"`
	DFTEnergy        float64              `json:"dft_energy"`
	ConstraintEnergy float64              `json:"constraint_energy"`
	FreeEnergy       float64              `json:"free_energy"`
	Forces           [][3]float64         `json:"forces,omitempty"`
	Constraints      constraint.Set       `json:"constraints"`
	Iterations       int                  `json:"iterations"`
	Evaluations      int                  `json:"evaluations"`
	History          []optimizer.Snapshot `json:"history,omitempty"`
}

func (s *ConstrainedState) Summary() Summary {
	return Summary{
		ID:               s.id,
		Name:             s.name,
		Energy:           s.energy,
		DFTEnergy:        s.ed,
		ConstraintEnergy: s.ec,
		FreeEnergy:       s.free,
		Forces:           s.Forces(),
		Constraints:      s.Constraints(),
		Iterations:       s.iterations,
		Evaluations:      s.evaluations,
		History:          s.History(),
	}
}
