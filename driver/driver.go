// driver.go --  This file is part of goCDFT project.
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

// Package driver defines how the constraint solver talks to a DFT engine and
// provides three engines: an in-process tight-binding model, a Qbox
// file-lock client and a websocket client/server pair.
package driver

import (
	"context"
	"errors"
	"fmt"

	"example.com/gocdft/constraint"
	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
)

var (
	// ErrEngineUnreachable means the engine cannot be contacted at all.
	ErrEngineUnreachable = errors.New("dft engine unreachable")
	// ErrSCFNotConverged means the engine ran but its SCF did not converge.
	ErrSCFNotConverged = errors.New("scf not converged")
)

// Driver evaluates one SCF calculation under an external potential.
// Evaluate blocks until the engine answers; calling it twice with the same
// request gives the same response.
type Driver interface {
	Evaluate(ctx context.Context, req *Request) (*Response, error)
}

// Concurrent is implemented by drivers whose Evaluate may be called from
// several goroutines at once.
type Concurrent interface {
	ConcurrencySafe() bool
}

// IsConcurrent reports whether d declares itself safe for concurrent use.
func IsConcurrent(d Driver) bool {
	c, ok := d.(Concurrent)
	return ok && c.ConcurrencySafe()
}

// Term is one constraint contribution V_k w_k to the external potential.
type Term struct {
	Kind        constraint.Kind `json:"kind"`
	Atoms       []int           `json:"atoms,omitempty"`
	Donor       []int           `json:"donor,omitempty"`
	Acceptor    []int           `json:"acceptor,omitempty"`
	Coefficient float64         `json:"coefficient"`
}

// Potential is the composite constraint potential: the ordered list of terms
// and their sum sampled on the grid. A nil Field means no potential.
type Potential struct {
	Terms []Term          `json:"terms"`
	Field *grid.Potential `json:"field,omitempty"`
}

// Request describes one SCF evaluation.
type Request struct {
	Molecule  *molecule.Molecule `json:"molecule"`
	Grid      *grid.Grid         `json:"grid"`
	Potential Potential          `json:"potential"`
	// Restart is the opaque restart data of a previous converged response.
	Restart   []byte             `json:"restart,omitempty"`
}

// Validate checks the request for contract violations.
func (r *Request) Validate() error {
	if r == nil {
		return errors.New("nil request")
	}
	var errs []error
	if r.Molecule == nil || len(r.Molecule.Atoms) == 0 {
		errs = append(errs, errors.New("request without atoms"))
	}
	if r.Grid == nil {
		errs = append(errs, errors.New("request without grid"))
	} else if f := r.Potential.Field; f != nil {
		if len(f.Up) != r.Grid.Len() || len(f.Down) != r.Grid.Len() {
			errs = append(errs, fmt.Errorf("potential has %d/%d points, grid %d", len(f.Up), len(f.Down), r.Grid.Len()))
		}
	}
	return errors.Join(errs...)
}

// Response is the outcome of a converged SCF.
type Response struct {
	Energy        float64            `json:"energy"`
	Forces        [][3]float64       `json:"forces,omitempty"`
	Density       *grid.Density      `json:"density"`
	Orbitals      *grid.Wavefunction `json:"orbitals,omitempty"`
	SCFIterations int                `json:"scf_iterations"`
	Restart       []byte             `json:"restart,omitempty"`
}
