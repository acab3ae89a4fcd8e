// main.go --  This file is part of goCDFT project.
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
package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"example.com/gocdft/cdft"
	"example.com/gocdft/coupling"
	"example.com/gocdft/linalg"
	"example.com/gocdft/molecule"
)

// OutputLogger writes the human-readable report.
var OutputLogger *log.Logger

// initLog opens the report file and returns the structured logger that
// writes into it next to the report.
func initLog(fname string, level slog.Level) (*slog.Logger, io.Closer, error) {
	file, err := os.OpenFile(fname, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	OutputLogger = log.New(file, "", 0)
	handler := slog.NewTextHandler(io.MultiWriter(file, os.Stderr), &slog.HandlerOptions{Level: level})
	return slog.New(handler), file, nil
}

// outputName replaces the extension of the input file with ".out".
func outputName(inpFname string) string {
	ext := filepath.Ext(inpFname)
	return strings.TrimSuffix(inpFname, ext) + ".out"
}

func appInfo() {
	OutputLogger.Print("\n                 ____ ____  _____ _____  |\n   __ _  ___    / ___|  _ \\|  ___|_   _| |" +
		" goCDFT: constrained DFT states\n  / _` |/ _ \\  | |   | | | | |_    | |   | and their diabatic couplings\n" +
		" | (_| | (_) | | |___| |_| |  _|   | |   | Engines: model, Qbox, websocket\n" +
		"  \\__, |\\___/   \\____|____/|_|     |_|   | Usage: gocdft --help" +
		"\n  |___/                                  | Distributed under the GNU GPL\n")
}

func printOutputDelimiter() {
	OutputLogger.Println(strings.Repeat("-", 70))
}

func printInput(fname string) error {
	data, err := molecule.ReadFileLines(fname)
	if err != nil {
		return fmt.Errorf("cannot read input file: %w", err)
	}
	OutputLogger.Println("Input file content:")
	printOutputDelimiter()
	for _, line := range data {
		OutputLogger.Println(line)
	}
	printOutputDelimiter()
	return nil
}

func printState(st *cdft.ConstrainedState) {
	OutputLogger.Printf("State %s (run %s)", st.Name(), st.ID())
	OutputLogger.Printf("  iterations %d, SCF evaluations %d", st.Iterations(), st.Evaluations())
	for _, c := range st.Constraints() {
		OutputLogger.Printf("  %-20s V = %12.6f  N = %12.6f  target = %12.6f", c.Label(), c.V, c.N, c.Target)
	}
	OutputLogger.Printf("  Total energy E       = %18.10f a.u.", st.Energy())
	OutputLogger.Printf("  Constraint energy Ec = %18.10f a.u.", st.ConstraintEnergy())
	OutputLogger.Printf("  DFT energy E - Ec    = %18.10f a.u.", st.DFTEnergy())
	OutputLogger.Printf("  Free energy W        = %18.10f a.u.", st.FreeEnergy())
	if f := st.Forces(); f != nil {
		OutputLogger.Println("  Forces (a.u.):")
		for i, v := range f {
			OutputLogger.Printf("  %4d %14.8f %14.8f %14.8f", i, v[0], v[1], v[2])
		}
	}
	printOutputDelimiter()
}

func printFailure(re *cdft.RunError) {
	OutputLogger.Printf("State %s failed in phase %s after %d iterations: %v", re.Name, re.Phase, re.Iterations, re.Err)
	if re.Best != nil {
		OutputLogger.Printf("  best multipliers %v, residual norm %g", re.Best.Multipliers, re.Best.Norm)
	}
	printOutputDelimiter()
}

func printRelaxation(name string, rel *cdft.Relaxation) {
	OutputLogger.Printf("Relaxation of state %s, converged: %v", name, rel.Converged)
	for _, st := range rel.Steps {
		mark := ""
		if !st.Accepted {
			mark = "  rejected"
		}
		OutputLogger.Printf("  step %3d  W = %18.10f  max force %12.6f on atom %d%s",
			st.Step, st.FreeEnergy, st.MaxForce, st.MaxAtom, mark)
	}
	if rel.Geometry != nil {
		OutputLogger.Println("  Geometry (Angstrom):")
		for _, a := range rel.Geometry.Atoms {
			OutputLogger.Printf("  %-4s %14.8f %14.8f %14.8f", a.Name,
				a.Coords[0]*molecule.ABohr, a.Coords[1]*molecule.ABohr, a.Coords[2]*molecule.ABohr)
		}
	}
	printOutputDelimiter()
}

func printCoupling(res *coupling.Result) {
	OutputLogger.Printf("Diabatic coupling (%s convention), states %s", res.Convention, strings.Join(res.Names, ", "))
	OutputLogger.Println("Overlap matrix S:")
	OutputLogger.Println(linalg.FormatDense(res.S))
	OutputLogger.Println("Diabatic Hamiltonian H:")
	OutputLogger.Println(linalg.FormatDense(res.H))
	OutputLogger.Println("Orthogonalised Hamiltonian:")
	OutputLogger.Println(linalg.FormatDense(res.HOrth))
	OutputLogger.Printf("  |H_ab| = %12.8f a.u. = %10.4f mHa = %10.6f eV",
		res.Coupling, res.CouplingMilliHartree(), res.CouplingEV())
	OutputLogger.Printf("  Adiabatic energies: %v", res.Adiabatic)
	OutputLogger.Printf("  Adiabatic gap      = %12.8f a.u. = %10.6f eV", res.Gap, res.GapEV())
	printOutputDelimiter()
}

func memStats(logger *slog.Logger) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	logger.Debug("memory", "alloc", ms.Alloc, "total_alloc", ms.TotalAlloc, "heap_alloc", ms.HeapAlloc, "heap_sys", ms.HeapSys)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
