// elements.go --  This file is part of goCDFT project.
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
package molecule

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

//go:embed mendeleev.csv
var mendeleevCSV string

// ElemData is the element table. Index 0 is a placeholder so that
// ElemData.Symb[Z] is the symbol of element Z.
var ElemData Mendeleev

func init() {
	if err := ElemData.build(strings.Split(mendeleevCSV, "\n")); err != nil {
		panic(err)
	}
}

// Mendeleev holds per-element data. Valence is the number of electrons the
// single s-type site carries in the model engine and the promolecule, Slater
// is the valence-shell Slater exponent (bohr^-1) and IP the first ionisation
// energy in Hartree.
type Mendeleev struct {
	Z          []int
	Symb, Name []string
	Mass       []float64
	Valence    []int
	Slater, IP []float64
}

func (m *Mendeleev) build(data []string) error {
	m.Z = []int{0}
	m.Symb = []string{"X"}
	m.Name = []string{"Dummy"}
	m.Mass = []float64{0}
	m.Valence = []int{0}
	m.Slater = []float64{0}
	m.IP = []float64{0}
	for i, str := range data {
		if i == 0 || strings.TrimSpace(str) == "" {
			continue
		}
		words := strings.Split(strings.TrimSpace(str), ",")
		if len(words) < 7 {
			return fmt.Errorf("element table line %d: expected 7 fields, got %d", i+1, len(words))
		}
		z, err := strconv.Atoi(words[0])
		if err != nil {
			return fmt.Errorf("element table line %d: %w", i+1, err)
		}
		if z != len(m.Z) {
			return fmt.Errorf("element table line %d: Z=%d out of order", i+1, z)
		}
		mass, _ := strconv.ParseFloat(words[3], 64)
		val, _ := strconv.Atoi(words[4])
		zeta, _ := strconv.ParseFloat(words[5], 64)
		ip, _ := strconv.ParseFloat(words[6], 64)
		m.Z = append(m.Z, z)
		m.Symb = append(m.Symb, words[1])
		m.Name = append(m.Name, words[2])
		m.Mass = append(m.Mass, mass)
		m.Valence = append(m.Valence, val)
		m.Slater = append(m.Slater, zeta)
		m.IP = append(m.IP, ip)
	}
	return nil
}

// Lookup returns the atomic number for a chemical symbol, case-insensitive
// past the first letter ("HE", "he" and "He" all match helium).
func (m *Mendeleev) Lookup(symbol string) (int, error) {
	s := strings.TrimSpace(symbol)
	if s == "" {
		return 0, fmt.Errorf("empty element symbol")
	}
	s = strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	z := slices.Index(m.Symb, s)
	if z <= 0 {
		return 0, fmt.Errorf("unknown element %q", symbol)
	}
	return z, nil
}

// Known reports whether Z is covered by the table.
func (m *Mendeleev) Known(z int) bool {
	return z > 0 && z < len(m.Z)
}
