// grid.go --  This file is part of goCDFT project.
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

// Package grid describes the real-space grid on which densities, weight
// functions, constraint potentials and orbitals are exchanged with the
// DFT engine.
package grid

import (
	"fmt"
	"math"
)

// Grid is an orthorhombic box of N[0]*N[1]*N[2] voxels. Values live at voxel
// centres; the flat index runs with z fastest, as in cube files.
type Grid struct {
	Cell   [3]float64 `json:"cell"` // box lengths, bohr
	N      [3]int     `json:"n"`
	Origin [3]float64 `json:"origin"`
}

func New(cell [3]float64, n [3]int) (*Grid, error) {
	for i := 0; i < 3; i++ {
		if n[i] <= 0 {
			return nil, fmt.Errorf("grid: non-positive number of points %v", n)
		}
		if cell[i] <= 0 || math.IsNaN(cell[i]) || math.IsInf(cell[i], 0) {
			return nil, fmt.Errorf("grid: invalid cell %v", cell)
		}
	}
	return &Grid{Cell: cell, N: n}, nil
}

func (g *Grid) Len() int { return g.N[0] * g.N[1] * g.N[2] }

func (g *Grid) Volume() float64 { return g.Cell[0] * g.Cell[1] * g.Cell[2] }

// DV is the volume element of one voxel.
func (g *Grid) DV() float64 { return g.Volume() / float64(g.Len()) }

func (g *Grid) Spacing(d int) float64 { return g.Cell[d] / float64(g.N[d]) }

func (g *Grid) Index(i, j, k int) int { return (i*g.N[1]+j)*g.N[2] + k }

// Point returns the coordinates of the voxel centre with flat index idx.
func (g *Grid) Point(idx int) [3]float64 {
	k := idx % g.N[2]
	j := (idx / g.N[2]) % g.N[1]
	i := idx / (g.N[1] * g.N[2])
	return [3]float64{
		g.Origin[0] + (float64(i)+0.5)*g.Spacing(0),
		g.Origin[1] + (float64(j)+0.5)*g.Spacing(1),
		g.Origin[2] + (float64(k)+0.5)*g.Spacing(2),
	}
}

// Center is the geometric centre of the box.
func (g *Grid) Center() [3]float64 {
	return [3]float64{
		g.Origin[0] + 0.5*g.Cell[0],
		g.Origin[1] + 0.5*g.Cell[1],
		g.Origin[2] + 0.5*g.Cell[2],
	}
}

// Compatible reports whether two grids describe the same voxels.
func (g *Grid) Compatible(o *Grid) bool {
	if g == nil || o == nil {
		return false
	}
	if g.N != o.N {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(g.Cell[i]-o.Cell[i]) > 1e-8 || math.Abs(g.Origin[i]-o.Origin[i]) > 1e-8 {
			return false
		}
	}
	return true
}

// Integrate returns dV * sum(f*g) over two fields of grid length.
func (g *Grid) Integrate(f, h []float64) float64 {
	res := 0.0
	for i := range f {
		res += f[i] * h[i]
	}
	return res * g.DV()
}

// Density holds spin-resolved electron densities on a grid.
type Density struct {
	Up   []float64 `json:"up"`
	Down []float64 `json:"down"`
}

func NewDensity(n int) *Density {
	return &Density{Up: make([]float64, n), Down: make([]float64, n)}
}

func (d *Density) Len() int { return len(d.Up) }

// Total returns rho_up + rho_down.
func (d *Density) Total() []float64 {
	res := make([]float64, len(d.Up))
	for i := range res {
		res[i] = d.Up[i] + d.Down[i]
	}
	return res
}

func (d *Density) Clone() *Density {
	return &Density{Up: append([]float64(nil), d.Up...), Down: append([]float64(nil), d.Down...)}
}

// Potential is a spin-resolved external potential on a grid.
type Potential struct {
	Up   []float64 `json:"up"`
	Down []float64 `json:"down"`
}

func NewPotential(n int) *Potential {
	return &Potential{Up: make([]float64, n), Down: make([]float64, n)}
}

func (p *Potential) Len() int { return len(p.Up) }

// AddScaled adds v*up and v*down to the potential.
func (p *Potential) AddScaled(v float64, up, down []float64) {
	for i := range p.Up {
		p.Up[i] += v * up[i]
		p.Down[i] += v * down[i]
	}
}

// SpinFree reports whether both spin channels see the same potential.
func (p *Potential) SpinFree() bool {
	for i := range p.Up {
		if p.Up[i] != p.Down[i] {
			return false
		}
	}
	return true
}

// IsZero reports whether the potential vanishes everywhere.
func (p *Potential) IsZero() bool {
	for i := range p.Up {
		if p.Up[i] != 0 || p.Down[i] != 0 {
			return false
		}
	}
	return true
}

func (p *Potential) Clone() *Potential {
	return &Potential{Up: append([]float64(nil), p.Up...), Down: append([]float64(nil), p.Down...)}
}

// Average returns (p + o)/2.
func (p *Potential) Average(o *Potential) *Potential {
	res := NewPotential(p.Len())
	for i := range res.Up {
		res.Up[i] = 0.5 * (p.Up[i] + o.Up[i])
		res.Down[i] = 0.5 * (p.Down[i] + o.Down[i])
	}
	return res
}

// Wavefunction holds the occupied orbitals of each spin channel sampled on
// the grid, normalised so that dV*sum(psi^2) = 1.
type Wavefunction struct {
	Up   [][]float64 `json:"up"`
	Down [][]float64 `json:"down"`
}

// Occupations returns the number of occupied orbitals per spin.
func (w *Wavefunction) Occupations() (int, int) { return len(w.Up), len(w.Down) }

// Normalize rescales every orbital to unit norm with volume element dv.
func (w *Wavefunction) Normalize(dv float64) {
	for _, set := range [][][]float64{w.Up, w.Down} {
		for _, psi := range set {
			norm := 0.0
			for _, v := range psi {
				norm += v * v
			}
			norm = math.Sqrt(norm * dv)
			if norm == 0 {
				continue
			}
			for i := range psi {
				psi[i] /= norm
			}
		}
	}
}
