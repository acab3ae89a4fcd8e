// metrics.go --  This file is part of goCDFT project.
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("example.com/gocdft/cdft")

var (
	scfEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gocdft",
		Name:      "scf_evaluations_total",
		Help:      "SCF evaluations requested from the engine, by purpose and result.",
	}, []string{"purpose", "result"})

	scfDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gocdft",
		Name:      "scf_duration_seconds",
		Help:      "Wall time of one SCF evaluation.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	})

	outerIterations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gocdft",
		Name:      "outer_iterations_total",
		Help:      "Outer constraint iterations completed.",
	})

	relaxSteps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gocdft",
		Name:      "relax_steps_total",
		Help:      "Geometry steps evaluated under constraints.",
	})

	runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gocdft",
		Name:      "runs_total",
		Help:      "CDFT runs by outcome.",
	}, []string{"outcome"})
)

// Run outcomes used as metric labels.
const (
	outcomeConverged   = "converged"
	outcomeDiverged    = "diverged"
	outcomeUnreachable = "unreachable"
	outcomeSCFFailed   = "scf_not_converged"
	outcomeCancelled   = "cancelled"
	outcomeError       = "error"
)
