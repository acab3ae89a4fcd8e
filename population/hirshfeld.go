// hirshfeld.go --  This file is part of goCDFT project.
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
package population

import (
	"fmt"
	"math"

	"example.com/gocdft/constraint"
	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
	"golang.org/x/exp/slices"
)

// Density cutoffs below which the Hirshfeld weight is set to zero.
const (
	EpsCharge         = 1e-4
	EpsChargeTransfer = 1e-6
)

// Hirshfeld partitions space with spherical Slater-type promolecular atom
// densities rho_a(r) = N_a zeta^3/pi exp(-2 zeta |r - R_a|), where N_a is the
// valence count of the atom and zeta its Slater exponent.
type Hirshfeld struct {
	grid  *grid.Grid
	mol   *molecule.Molecule
	atoms [][]float64 // promolecular density of every atom
	total []float64
}

func NewHirshfeld(g *grid.Grid, mol *molecule.Molecule) (*Hirshfeld, error) {
	if len(mol.Atoms) == 0 {
		return nil, fmt.Errorf("hirshfeld: no atoms")
	}
	h := &Hirshfeld{grid: g, mol: mol, total: make([]float64, g.Len())}
	h.atoms = make([][]float64, len(mol.Atoms))
	for a, atm := range mol.Atoms {
		if !molecule.ElemData.Known(atm.Z) {
			return nil, fmt.Errorf("hirshfeld: no promolecular data for Z=%d", atm.Z)
		}
		h.atoms[a] = make([]float64, g.Len())
		zeta := molecule.ElemData.Slater[atm.Z]
		pref := float64(atm.Valence()) * zeta * zeta * zeta / math.Pi
		for i := range h.atoms[a] {
			r := molecule.Distance(g.Point(i), atm.Coords)
			h.atoms[a][i] = pref * math.Exp(-2*zeta*r)
			h.total[i] += h.atoms[a][i]
		}
	}
	return h, nil
}

// Promolecule returns the promolecular density of the whole system.
func (h *Hirshfeld) Promolecule() []float64 { return slices.Clone(h.total) }

// FragmentElectrons is the promolecular electron count of a set of atoms
// integrated on the grid.
func (h *Hirshfeld) FragmentElectrons(atoms []int) float64 {
	res := 0.0
	for _, a := range atoms {
		s := 0.0
		for _, v := range h.atoms[a] {
			s += v
		}
		res += s
	}
	return res * h.grid.DV()
}

// delta returns the signed membership of every atom in the constraint:
// +1 for the fragment (or donor), -1 for the acceptor, 0 otherwise.
func delta(c *constraint.Constraint, natoms int) ([]float64, float64, error) {
	d := make([]float64, natoms)
	mark := func(atoms []int, v float64) error {
		for _, a := range atoms {
			if a < 0 || a >= natoms {
				return fmt.Errorf("hirshfeld: atom index %d out of range", a)
			}
			d[a] = v
		}
		return nil
	}
	switch c.Kind {
	case constraint.Charge, constraint.Spin:
		return d, EpsCharge, mark(c.Fragment.Atoms, 1)
	case constraint.ChargeTransfer:
		if err := mark(c.Donor.Atoms, 1); err != nil {
			return nil, 0, err
		}
		return d, EpsChargeTransfer, mark(c.Acceptor.Atoms, -1)
	}
	return nil, 0, fmt.Errorf("hirshfeld: unknown constraint kind %q", c.Kind)
}

// spinSign is the weight factor applied to the down channel.
func spinSign(k constraint.Kind) float64 {
	if k == constraint.Spin {
		return -1
	}
	return 1
}

// Weight builds the weight function of a constraint. Charge constraints use
// w = rho_F/rho_tot on both spins, charge transfer w = (rho_D - rho_A)/rho_tot
// and spin constraints +w on up and -w on down.
func (h *Hirshfeld) Weight(c *constraint.Constraint) (*Weight, error) {
	d, eps, err := delta(c, len(h.atoms))
	if err != nil {
		return nil, err
	}
	n := h.grid.Len()
	w := &Weight{Up: make([]float64, n), Down: make([]float64, n)}
	sgn := spinSign(c.Kind)
	for a, da := range d {
		if da == 0 {
			continue
		}
		for i := 0; i < n; i++ {
			if h.total[i] < eps {
				continue
			}
			w.Up[i] += da * h.atoms[a][i] / h.total[i]
		}
	}
	for i := range w.Down {
		w.Down[i] = sgn * w.Up[i]
	}
	return w, nil
}

// PopulationGradient returns dN/dR_a for every atom at fixed density d,
// the derivative of the weight function with respect to the nuclear
// positions integrated against the density. The constraint force on atom a
// is -V * dN/dR_a.
func (h *Hirshfeld) PopulationGradient(c *constraint.Constraint, d *grid.Density) ([][3]float64, error) {
	dl, eps, err := delta(c, len(h.atoms))
	if err != nil {
		return nil, err
	}
	if d.Len() != h.grid.Len() {
		return nil, fmt.Errorf("hirshfeld: density has %d points, grid %d", d.Len(), h.grid.Len())
	}
	w, err := h.Weight(c)
	if err != nil {
		return nil, err
	}
	sgn := spinSign(c.Kind)
	grad := make([][3]float64, len(h.atoms))
	for a, atm := range h.mol.Atoms {
		zeta := molecule.ElemData.Slater[atm.Z]
		for i := 0; i < h.grid.Len(); i++ {
			if h.total[i] < eps {
				continue
			}
			p := h.grid.Point(i)
			r := molecule.Distance(p, atm.Coords)
			if r < 1e-12 {
				continue
			}
			rho := d.Up[i] + sgn*d.Down[i]
			f := (dl[a] - w.Up[i]) * 2 * zeta * h.atoms[a][i] / (h.total[i] * r) * rho
			for k := 0; k < 3; k++ {
				grad[a][k] += f * (p[k] - atm.Coords[k])
			}
		}
		for k := 0; k < 3; k++ {
			grad[a][k] *= h.grid.DV()
		}
	}
	return grad, nil
}
