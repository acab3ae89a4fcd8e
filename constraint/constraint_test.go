// constraint_test.go --  This file is part of goCDFT project.
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
package constraint

import (
	"math"
	"testing"

	"example.com/gocdft/molecule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func he2(t *testing.T) *molecule.Molecule {
	t.Helper()
	mol := &molecule.Molecule{Charge: 1}
	require.NoError(t, mol.AddAtom("He", [3]float64{0, 0, 0}))
	require.NoError(t, mol.AddAtom("He", [3]float64{2, 0, 0}))
	return mol
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"charge": Charge, "spin": Spin, "charge_transfer": ChargeTransfer, "ct": ChargeTransfer} {
		k, err := ParseKind(in)
		require.NoError(t, err)
		assert.Equal(t, want, k)
	}
	_, err := ParseKind("dipole")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	mol := he2(t)
	ok := Constraint{Kind: Charge, Fragment: Fragment{Name: "left", Atoms: []int{0}}, Target: 1}
	assert.NoError(t, ok.Validate(mol))

	ct := Constraint{Kind: ChargeTransfer, Donor: Fragment{Atoms: []int{0}}, Acceptor: Fragment{Atoms: []int{0, 1}}}
	assert.ErrorContains(t, ct.Validate(mol), "share atoms")

	bad := Constraint{Kind: Spin, Fragment: Fragment{Atoms: []int{5}}, Bracket: [2]float64{1, -1}, Weight: "becke"}
	err := bad.Validate(mol)
	require.Error(t, err)
	assert.ErrorContains(t, err, "becke")
	assert.ErrorContains(t, err, "reversed")

	unknown := Constraint{Kind: "dipole", Fragment: Fragment{Atoms: []int{0}}}
	assert.Error(t, unknown.Validate(mol))

	outside := Constraint{Kind: Charge, Fragment: Fragment{Atoms: []int{0}}, Target: 1, Initial: 3, Bracket: [2]float64{-1, 1}}
	assert.ErrorContains(t, outside.Validate(mol), "outside bracket")
}

func TestClipAndReset(t *testing.T) {
	c := Constraint{Bracket: [2]float64{-1, 1}, Initial: 0.5}
	assert.Equal(t, 1.0, c.Clip(4))
	assert.Equal(t, -1.0, c.Clip(-4))
	assert.Equal(t, 0.3, c.Clip(0.3))

	c.V, c.N, c.Evaluated = 0.9, 3, true
	c.Reset()
	assert.Equal(t, 0.5, c.V)
	assert.False(t, c.Evaluated)

	free := Constraint{}
	assert.Equal(t, 42.0, free.Clip(42))
	assert.Equal(t, DefaultTolerance, free.Tol())
}

func TestSetEnergies(t *testing.T) {
	s := Set{
		{Kind: Charge, Target: 1.0, Tolerance: 1e-2},
		{Kind: Spin, Target: 0.5},
	}
	s.Update([]float64{0.2, -0.4}, []float64{1.005, 0.25})

	assert.Equal(t, []float64{0.2, -0.4}, s.Multipliers())
	assert.InDelta(t, 0.2*1.005-0.4*0.25, s.Energy(), 1e-12)
	assert.InDelta(t, 0.2*0.005-0.4*(-0.25), s.FreeEnergyShift(), 1e-12)
	assert.True(t, s[0].Converged())
	assert.False(t, s[1].Converged())
	assert.Equal(t, []float64{1e-2, DefaultTolerance}, s.Tolerances())

	b := s.Brackets()
	assert.True(t, math.IsInf(b[0][0], -1))
}

func TestSetCloneIsDeep(t *testing.T) {
	s := Set{{Kind: Charge, Fragment: Fragment{Atoms: []int{0, 1}}}}
	c := s.Clone()
	c[0].Fragment.Atoms[0] = 7
	c[0].V = 3
	assert.Equal(t, 0, s[0].Fragment.Atoms[0])
	assert.Equal(t, 0.0, s[0].V)
}

func TestLabel(t *testing.T) {
	c := Constraint{Kind: ChargeTransfer, Donor: Fragment{Name: "d"}, Acceptor: Fragment{Name: "a"}}
	assert.Equal(t, "charge_transfer(d->a)", c.Label())
	c.Name = "ct1"
	assert.Equal(t, "ct1", c.Label())
}
