// molecule.go --  This file is part of goCDFT project.
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

// Package molecule holds the atomic geometry shared by the CDFT solver,
// the DFT drivers and the Hirshfeld partition.
package molecule

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// ABohr is the Bohr radius in Angstrom.
const ABohr = 0.52917720859

type Atom struct {
	Z      int        `json:"z"`
	Name   string     `json:"name"`
	Coords [3]float64 `json:"coords"` // bohr
}

// Symbol returns the chemical symbol of the atom.
func (a Atom) Symbol() string {
	if !ElemData.Known(a.Z) {
		return "X"
	}
	return ElemData.Symb[a.Z]
}

// Valence is the number of electrons the atom contributes to the model.
func (a Atom) Valence() int {
	if !ElemData.Known(a.Z) {
		return 0
	}
	return ElemData.Valence[a.Z]
}

type Molecule struct {
	Atoms        []Atom `json:"atoms"`
	Charge       int    `json:"charge"`
	Multiplicity int    `json:"multiplicity"`
}

// AddAtom appends an atom given its symbol and Angstrom coordinates.
func (m *Molecule) AddAtom(symbol string, angstrom [3]float64) error {
	z, err := ElemData.Lookup(symbol)
	if err != nil {
		return err
	}
	atm := Atom{Z: z, Name: ElemData.Symb[z] + strconv.Itoa(len(m.Atoms)+1)}
	for i := range angstrom {
		atm.Coords[i] = angstrom[i] / ABohr
	}
	m.Atoms = append(m.Atoms, atm)
	return nil
}

// addAtoms parses "Symbol x y z" lines data[start..end] (inclusive).
func (m *Molecule) addAtoms(data []string, start int, end int) error {
	for i := start; i < end+1; i++ {
		words := strings.Fields(data[i])
		if len(words) == 0 {
			continue
		}
		if len(words) < 4 {
			return fmt.Errorf("line %d: incorrect format of coordinates for atom %q", i+1, words[0])
		}
		var xyz [3]float64
		for k := 0; k < 3; k++ {
			v, err := strconv.ParseFloat(words[k+1], 64)
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			xyz[k] = v
		}
		if err := m.AddAtom(words[0], xyz); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
	}
	return nil
}

// Nelec returns the number of model electrons: valence sum minus charge.
func (m *Molecule) Nelec() int {
	result := 0
	for _, a := range m.Atoms {
		result += a.Valence()
	}
	return result - m.Charge
}

// NSpin splits the electrons into spin-up and spin-down counts according
// to the multiplicity (0 is treated as the lowest possible one).
func (m *Molecule) NSpin() (int, int, error) {
	n := m.Nelec()
	if n < 0 {
		return 0, 0, fmt.Errorf("charge %d leaves %d electrons", m.Charge, n)
	}
	mult := m.Multiplicity
	if mult == 0 {
		mult = 1 + n%2
	}
	unpaired := mult - 1
	if unpaired < 0 || unpaired > n || (n-unpaired)%2 != 0 {
		return 0, 0, fmt.Errorf("multiplicity %d is incompatible with %d electrons", m.Multiplicity, n)
	}
	down := (n - unpaired) / 2
	return down + unpaired, down, nil
}

// NucNuc is the repulsion between the model (valence) nuclear charges.
func (m *Molecule) NucNuc() float64 {
	res := 0.0
	for i := range m.Atoms {
		for j := 0; j < i; j++ {
			res += float64(m.Atoms[i].Valence()) * float64(m.Atoms[j].Valence()) /
				Distance(m.Atoms[i].Coords, m.Atoms[j].Coords)
		}
	}
	return res
}

// NucForces returns -dNucNuc/dR for every atom.
func (m *Molecule) NucForces() [][3]float64 {
	forces := make([][3]float64, len(m.Atoms))
	for i := range m.Atoms {
		for j := 0; j < i; j++ {
			r := Distance(m.Atoms[i].Coords, m.Atoms[j].Coords)
			f := float64(m.Atoms[i].Valence()) * float64(m.Atoms[j].Valence()) / (r * r * r)
			for k := 0; k < 3; k++ {
				d := (m.Atoms[i].Coords[k] - m.Atoms[j].Coords[k]) * f
				forces[i][k] += d
				forces[j][k] -= d
			}
		}
	}
	return forces
}

// CheckIndices verifies that all atom indices exist.
func (m *Molecule) CheckIndices(idx []int) error {
	var errs []error
	for _, i := range idx {
		if i < 0 || i >= len(m.Atoms) {
			errs = append(errs, fmt.Errorf("atom index %d out of range [0, %d)", i, len(m.Atoms)))
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy.
func (m *Molecule) Clone() *Molecule {
	c := *m
	c.Atoms = append([]Atom(nil), m.Atoms...)
	return &c
}

func Distance(a, b [3]float64) float64 {
	return math.Sqrt((a[0]-b[0])*(a[0]-b[0]) + (a[1]-b[1])*(a[1]-b[1]) + (a[2]-b[2])*(a[2]-b[2]))
}

func ReadFileLines(fname string) ([]string, error) {
	var result []string

	file, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		result = append(result, scanner.Text())
	}
	return result, scanner.Err()
}

// ReadGeometry reads a geometry input file (see ParseInput).
func ReadGeometry(fname string) (*Molecule, error) {
	data, err := ReadFileLines(fname)
	if err != nil {
		return nil, fmt.Errorf("cannot read geometry file: %w", err)
	}
	mol, err := ParseInput(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fname, err)
	}
	return mol, nil
}

// ParseInput parses a block-structured geometry input:
//
//	Atoms
//	He 0.0 0.0 0.0
//	He 1.6 0.0 0.0
//	end
//	Charge 1
//	Multiplicity 2
//
// Coordinates are in Angstrom. Lines starting with '#' are ignored.
func ParseInput(data []string) (*Molecule, error) {
	var mol Molecule
	atoms := false
	for i := 0; i < len(data); i++ {
		words := strings.Fields(data[i])
		if len(words) == 0 || strings.HasPrefix(words[0], "#") {
			continue
		}
		switch strings.ToLower(words[0]) {
		case "atoms":
			end, err := findBlockEnd(i, data, "Atoms")
			if err != nil {
				return nil, err
			}
			if err := mol.addAtoms(data, i+1, end-1); err != nil {
				return nil, err
			}
			atoms = true
			i = end
		case "charge", "multiplicity":
			if len(words) < 2 {
				return nil, fmt.Errorf("line %d: %s needs a value", i+1, words[0])
			}
			v, err := strconv.Atoi(words[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			if strings.ToLower(words[0]) == "charge" {
				mol.Charge = v
			} else {
				mol.Multiplicity = v
			}
		}
	}
	if !atoms || len(mol.Atoms) == 0 {
		return nil, errors.New("no Atoms found")
	}
	return &mol, nil
}

func findBlockEnd(n int, data []string, bname string) (int, error) {
	for i := n; i < len(data); i++ {
		words := strings.Fields(data[i])
		if len(words) > 0 && strings.ToLower(words[0]) == "end" {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no end of block %s", bname)
}
