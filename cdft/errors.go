// errors.go --  This file is part of goCDFT project.
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
	"context"
	"errors"
	"fmt"

	"example.com/gocdft/driver"
	"example.com/gocdft/optimizer"
)

// ErrSolverUsed is returned by a second call to Solve.
var ErrSolverUsed = errors.New("cdft solver already used")

// RunError describes a failed run. Err is one of driver.ErrEngineUnreachable,
// driver.ErrSCFNotConverged, optimizer.ErrDivergence, ErrRelaxNotConverged
// or a context error, possibly wrapped.
type RunError struct {
	Name        string
	Phase       Phase
	Iterations  int
	Evaluations int
	Residuals   []float64
	// Best is the snapshot with the smallest residual norm, if any.
	Best *optimizer.Snapshot
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("cdft %s failed in %s after %d iterations and %d SCF evaluations: %v",
		e.Name, e.Phase, e.Iterations, e.Evaluations, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeConverged
	case errors.Is(err, optimizer.ErrDivergence):
		return outcomeDiverged
	case errors.Is(err, driver.ErrEngineUnreachable):
		return outcomeUnreachable
	case errors.Is(err, driver.ErrSCFNotConverged):
		return outcomeSCFFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcomeCancelled
	}
	return outcomeError
}
