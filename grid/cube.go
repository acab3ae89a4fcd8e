// cube.go --  This file is part of goCDFT project.
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
package grid

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"example.com/gocdft/molecule"
)

// WriteCube writes data in Gaussian cube format. Only orthorhombic voxels
// are supported.
func WriteCube(w io.Writer, g *Grid, atoms []molecule.Atom, data []float64) error {
	if len(data) != g.Len() {
		return fmt.Errorf("cube: %d values for a grid of %d points", len(data), g.Len())
	}
	bw := bufio.NewWriter(w)
	first := g.Point(0)
	fmt.Fprintln(bw, "goCDFT cube file")
	fmt.Fprintln(bw, "outer loop x, middle y, inner z")
	fmt.Fprintf(bw, "%5d %12.6f %12.6f %12.6f\n", len(atoms), first[0], first[1], first[2])
	for d := 0; d < 3; d++ {
		var v [3]float64
		v[d] = g.Spacing(d)
		fmt.Fprintf(bw, "%5d %12.6f %12.6f %12.6f\n", g.N[d], v[0], v[1], v[2])
	}
	for _, a := range atoms {
		fmt.Fprintf(bw, "%5d %12.6f %12.6f %12.6f %12.6f\n", a.Z, float64(a.Z), a.Coords[0], a.Coords[1], a.Coords[2])
	}
	for i := 0; i < g.N[0]*g.N[1]; i++ {
		row := data[i*g.N[2] : (i+1)*g.N[2]]
		for k, v := range row {
			fmt.Fprintf(bw, " %13.5e", v)
			if k%6 == 5 || k == len(row)-1 {
				fmt.Fprintln(bw)
			}
		}
	}
	return bw.Flush()
}

// ReadCube parses a Gaussian cube file and returns its grid, atoms and data.
func ReadCube(r io.Reader) (*Grid, []molecule.Atom, []float64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	line := 0
	next := func() ([]string, error) {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, err
			}
			return nil, io.ErrUnexpectedEOF
		}
		line++
		return strings.Fields(sc.Text()), nil
	}
	floats := func(words []string) ([]float64, error) {
		res := make([]float64, len(words))
		for i, w := range words {
			v, err := strconv.ParseFloat(w, 64)
			if err != nil {
				return nil, fmt.Errorf("cube line %d: %w", line, err)
			}
			res[i] = v
		}
		return res, nil
	}

	for i := 0; i < 2; i++ {
		if _, err := next(); err != nil {
			return nil, nil, nil, fmt.Errorf("cube header: %w", err)
		}
	}
	words, err := next()
	if err != nil || len(words) < 4 {
		return nil, nil, nil, fmt.Errorf("cube line %d: bad atom count line", line)
	}
	natoms, err := strconv.Atoi(words[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cube line %d: %w", line, err)
	}
	if natoms < 0 {
		natoms = -natoms
	}
	first, err := floats(words[1:4])
	if err != nil {
		return nil, nil, nil, err
	}

	g := &Grid{}
	for d := 0; d < 3; d++ {
		words, err := next()
		if err != nil || len(words) < 4 {
			return nil, nil, nil, fmt.Errorf("cube line %d: bad voxel line", line)
		}
		n, err := strconv.Atoi(words[0])
		if err != nil || n <= 0 {
			return nil, nil, nil, fmt.Errorf("cube line %d: bad point count %q", line, words[0])
		}
		v, err := floats(words[1:4])
		if err != nil {
			return nil, nil, nil, err
		}
		for o := 0; o < 3; o++ {
			if o != d && v[o] != 0 {
				return nil, nil, nil, fmt.Errorf("cube line %d: non-orthorhombic voxel", line)
			}
		}
		g.N[d] = n
		g.Cell[d] = float64(n) * v[d]
		g.Origin[d] = first[d] - 0.5*v[d]
	}

	atoms := make([]molecule.Atom, 0, natoms)
	for i := 0; i < natoms; i++ {
		words, err := next()
		if err != nil || len(words) < 5 {
			return nil, nil, nil, fmt.Errorf("cube line %d: bad atom line", line)
		}
		z, err := strconv.Atoi(words[0])
		if err != nil {
			return nil, nil, nil, fmt.Errorf("cube line %d: %w", line, err)
		}
		xyz, err := floats(words[2:5])
		if err != nil {
			return nil, nil, nil, err
		}
		a := molecule.Atom{Z: z, Coords: [3]float64{xyz[0], xyz[1], xyz[2]}}
		a.Name = a.Symbol() + strconv.Itoa(i+1)
		atoms = append(atoms, a)
	}

	data := make([]float64, 0, g.Len())
	for len(data) < g.Len() {
		words, err := next()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("cube data: got %d of %d values: %w", len(data), g.Len(), err)
		}
		v, err := floats(words)
		if err != nil {
			return nil, nil, nil, err
		}
		data = append(data, v...)
	}
	if len(data) != g.Len() {
		return nil, nil, nil, fmt.Errorf("cube data: got %d values, want %d", len(data), g.Len())
	}
	return g, atoms, data, nil
}
