// basis.go --  This file is part of goCDFT project.
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
	"fmt"
	"math"

	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
	"gonum.org/v1/gonum/mat"
)

// STO-3G 1s contraction of hydrogen (zeta = 1.24). Other elements scale the
// exponents by (zeta/1.24)^2.
var (
	sto3gAlpha = [3]float64{0.3425250914e+01, 0.6239137298e+00, 0.1688554040e+00}
	sto3gCoeff = [3]float64{0.1543289673e+00, 0.5353281423e+00, 0.4446345422e+00}
)

const sto3gZeta = 1.24

type PrimitiveGaussian struct {
	Alpha  float64
	Coeff  float64
	Coords [3]float64
}

func (p PrimitiveGaussian) NormCoeff() float64 {
	return math.Pow((2 * p.Alpha / math.Pi), 0.75)
}

// AO is a contracted s-type orbital.
type AO struct {
	PGs []PrimitiveGaussian
}

// Value evaluates the orbital at r.
func (ao AO) Value(r [3]float64) float64 {
	res := 0.0
	for _, p := range ao.PGs {
		res += p.Coeff * p.NormCoeff() * math.Exp(-p.Alpha*QQ(r, p.Coords))
	}
	return res
}

// QQ is the squared distance between two points.
func QQ(v1, v2 [3]float64) float64 {
	dx, dy, dz := v1[0]-v2[0], v1[1]-v2[1], v1[2]-v2[2]
	return dx*dx + dy*dy + dz*dz
}

// MinimalBasis builds one STO-3G 1s orbital per atom.
func MinimalBasis(mol *molecule.Molecule) ([]AO, error) {
	res := make([]AO, len(mol.Atoms))
	for i, a := range mol.Atoms {
		if !molecule.ElemData.Known(a.Z) {
			return nil, fmt.Errorf("no basis for Z=%d", a.Z)
		}
		scale := molecule.ElemData.Slater[a.Z] / sto3gZeta
		scale *= scale
		pgs := make([]PrimitiveGaussian, 3)
		for k := range pgs {
			pgs[k] = PrimitiveGaussian{Alpha: sto3gAlpha[k] * scale, Coeff: sto3gCoeff[k], Coords: a.Coords}
		}
		res[i] = AO{PGs: pgs}
	}
	return res, nil
}

// Overlap returns the analytic overlap matrix of the basis.
func Overlap(m []AO) *mat.SymDense {
	n := len(m)
	res := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s := 0.0
			for _, a := range m[i].PGs {
				for _, b := range m[j].PGs {
					N := a.NormCoeff() * b.NormCoeff()
					p := a.Alpha + b.Alpha
					q := a.Alpha * b.Alpha / p
					s += N * a.Coeff * b.Coeff * math.Exp(-q*QQ(a.Coords, b.Coords)) * math.Pow((math.Pi/p), 1.5)
				}
			}
			res.SetSym(i, j, s)
		}
	}
	return res
}

// OnGrid samples every orbital on the grid points; row i is orbital i.
func OnGrid(m []AO, g *grid.Grid) *mat.Dense {
	res := mat.NewDense(len(m), g.Len(), nil)
	for i := range m {
		row := res.RawRowView(i)
		for k := range row {
			row[k] = m[i].Value(g.Point(k))
		}
	}
	return res
}
