// cmd.go --  This file is part of goCDFT project.
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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/gocdft/cdft"
	"example.com/gocdft/checkpoint"
	"example.com/gocdft/config"
	"example.com/gocdft/driver"
	"example.com/gocdft/pipeline"
	"example.com/gocdft/population"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"
)

var (
	outFname    string
	metricsAddr string
	ckptDir     string
	restart     bool
	partial     bool
	logLevel    string
	serveAddr   string

	rootCmd = &cobra.Command{
		Use:          "gocdft",
		Short:        "Constrained DFT states and their electronic couplings",
		SilenceUsage: true,
	}
	runCmd = &cobra.Command{
		Use:   "run config.yaml",
		Short: "Solve every constrained state of the configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), args[0], modeRun)
		},
	}
	coupleCmd = &cobra.Command{
		Use:   "couple config.yaml",
		Short: "Solve the constrained states and compute their diabatic couplings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), args[0], modeCouple)
		},
	}
	relaxCmd = &cobra.Command{
		Use:   "relax config.yaml",
		Short: "Relax the nuclei of every constrained state under its constraints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd.Context(), args[0], modeRelax)
		},
	}
	serveCmd = &cobra.Command{
		Use:   "serve [config.yaml]",
		Short: "Expose the configured engine to remote solvers over a websocket",
		Args:  cobra.MaximumNArgs(1),
		RunE:  serve,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	for _, c := range []*cobra.Command{runCmd, coupleCmd, relaxCmd} {
		c.Flags().StringVarP(&outFname, "out", "o", "", "write the results as JSON to this file")
		c.Flags().StringVar(&ckptDir, "checkpoint", "", "checkpoint directory, overrides the configuration")
		c.Flags().BoolVar(&restart, "restart", false, "start from the multipliers of the last checkpoint")
	}
	coupleCmd.Flags().BoolVar(&partial, "partial", false, "couple the converged states when others diverge")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8765", "listen address")
	rootCmd.AddCommand(runCmd, coupleCmd, relaxCmd, serveCmd)
}

type mode int

const (
	modeRun mode = iota
	modeCouple
	modeRelax
)

func parseLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return level, fmt.Errorf("invalid log level %q", logLevel)
	}
	return level, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func startMetrics(logger *slog.Logger) func() {
	if metricsAddr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", metricsAddr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func execute(ctx context.Context, inpFname string, m mode) error {
	couple := m == modeCouple
	level, err := parseLevel()
	if err != nil {
		return err
	}
	out := outputName(inpFname)
	fmt.Println("Output file: ", out)
	logger, closer, err := initLog(out, level)
	if err != nil {
		return err
	}
	defer closer.Close()

	logger.Info("Starting goCDFT...")
	appInfo()
	if err := printInput(inpFname); err != nil {
		logger.Error("cannot read input", "error", err)
		return err
	}

	cfg, err := config.Load(inpFname)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}
	if m == modeRelax {
		// relaxation needs forces from the engine
		cfg.Driver.Model.Forces = true
	}
	mol, err := cfg.Molecule()
	if err != nil {
		return err
	}
	g, err := cfg.Grid(mol)
	if err != nil {
		return err
	}
	h, err := population.NewHirshfeld(g, mol)
	if err != nil {
		return err
	}
	jobs := make([]pipeline.Job, len(cfg.States))
	for i, st := range cfg.States {
		cs, err := cfg.Constraints(st, h)
		if err != nil {
			return err
		}
		jobs[i] = pipeline.Job{Name: st.Name, Constraints: cs}
	}
	OutputLogger.Printf("Atoms: %d, electrons: %d, grid %v points in a %v bohr cell", len(mol.Atoms), mol.Nelec(), g.N, g.Cell)
	OutputLogger.Printf("Nuclei repulsion energy: %.10f a.u.", mol.NucNuc())
	printOutputDelimiter()

	opts := pipeline.Options{
		Solver:   cfg.SolverOptions(),
		Parallel: cfg.Parallelism(),
		Couple:   couple,
		Coupling: cfg.CouplingOptions(),
		Restart:  restart,
		Logger:   logger,
	}
	opts.Solver.Partition = h
	if m == modeRelax {
		ropts := cfg.RelaxOptions()
		opts.Relax = &ropts
	}

	dir := cfg.CheckpointDir()
	if ckptDir != "" {
		dir = ckptDir
	}
	if dir != "" {
		store, err := checkpoint.Open(checkpoint.Config{Path: dir, SyncWrites: true, Logger: logger})
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Store = store
	} else if restart {
		return errors.New("--restart needs a checkpoint directory")
	}

	stop := startMetrics(logger)
	defer stop()
	ctx, cancel := signalContext(ctx)
	defer cancel()

	start := time.Now()
	res, err := pipeline.Run(ctx, mol, g, jobs, func(string) (driver.Driver, error) {
		return cfg.NewDriver(logger)
	}, opts)
	if err != nil {
		var re *cdft.RunError
		if errors.As(err, &re) {
			printFailure(re)
		}
		logger.Error("goCDFT failed", "error", err)
		return err
	}

	for _, st := range res.States {
		printState(st)
		fmt.Printf("State %s: E = %.10f a.u., W = %.10f a.u.\n", st.Name(), st.Energy(), st.FreeEnergy())
	}
	for _, st := range cfg.States {
		if rel, ok := res.Relaxations[st.Name]; ok {
			printRelaxation(st.Name, rel)
		}
		if re, ok := res.Failures[st.Name]; ok {
			printFailure(re)
			fmt.Printf("State %s: diverged\n", st.Name)
		}
	}
	if couple && len(res.Failures) > 0 {
		if partial && len(res.States) >= 2 {
			logger.Warn("coupling the converged states only", "states", len(res.States))
			if res.Coupling, err = pipeline.Couple(ctx, res.States, opts.Coupling, logger); err != nil {
				return err
			}
		} else {
			OutputLogger.Printf("Coupling skipped: %d of %d states diverged", len(res.Failures), len(jobs))
		}
	}
	if res.Coupling != nil {
		printCoupling(res.Coupling)
		fmt.Printf("Coupling |H_ab| = %.6f mHa (%.6f eV)\n", res.Coupling.CouplingMilliHartree(), res.Coupling.CouplingEV())
	}
	if outFname != "" {
		if err := writeJSON(outFname, res); err != nil {
			return err
		}
	}
	memStats(logger)
	if err := res.Err(); err != nil {
		logger.Error("goCDFT finished with diverged states", "diverged", len(res.Failures), "elapsed", time.Since(start))
		return err
	}
	logger.Info("Exiting goCDFT...", "elapsed", time.Since(start))
	fmt.Println("goCDFT done.")
	return nil
}

type couplingReport struct {
	Names      []string    `json:"names"`
	Convention string      `json:"convention"`
	Coupling   float64     `json:"coupling"`
	CouplingEV float64     `json:"coupling_ev"`
	Couplings  [][]float64 `json:"couplings"`
	S          [][]float64 `json:"overlap"`
	H          [][]float64 `json:"hamiltonian"`
	Diabatic   []float64   `json:"diabatic"`
	Adiabatic  []float64   `json:"adiabatic"`
	Gap        float64     `json:"gap"`
}

type failureReport struct {
	Phase       string    `json:"phase"`
	Iterations  int       `json:"iterations"`
	Evaluations int       `json:"evaluations"`
	Residuals   []float64 `json:"residuals,omitempty"`
	Best        []float64 `json:"best_multipliers,omitempty"`
	Error       string    `json:"error"`
}

type relaxStepReport struct {
	Step       int     `json:"step"`
	Energy     float64 `json:"energy"`
	FreeEnergy float64 `json:"free_energy"`
	MaxForce   float64 `json:"max_force"`
	Accepted   bool    `json:"accepted"`
}

type relaxReport struct {
	Converged bool              `json:"converged"`
	Geometry  [][3]float64      `json:"geometry,omitempty"` // bohr
	Steps     []relaxStepReport `json:"steps"`
}

type report struct {
	States      []cdft.Summary           `json:"states"`
	Failures    map[string]failureReport `json:"failures,omitempty"`
	Relaxations map[string]relaxReport   `json:"relaxations,omitempty"`
	Coupling    *couplingReport          `json:"coupling,omitempty"`
}

func rows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	res := make([][]float64, r)
	for i := range res {
		res[i] = make([]float64, c)
		for j := range res[i] {
			res[i][j] = m.At(i, j)
		}
	}
	return res
}

func newReport(res *pipeline.Result) report {
	var rep report
	for _, st := range res.States {
		rep.States = append(rep.States, st.Summary())
	}
	for name, re := range res.Failures {
		if rep.Failures == nil {
			rep.Failures = map[string]failureReport{}
		}
		f := failureReport{
			Phase:       string(re.Phase),
			Iterations:  re.Iterations,
			Evaluations: re.Evaluations,
			Residuals:   re.Residuals,
			Error:       re.Err.Error(),
		}
		if re.Best != nil {
			f.Best = re.Best.Multipliers
		}
		rep.Failures[name] = f
	}
	for name, rel := range res.Relaxations {
		if rep.Relaxations == nil {
			rep.Relaxations = map[string]relaxReport{}
		}
		r := relaxReport{Converged: rel.Converged}
		if rel.Geometry != nil {
			for _, a := range rel.Geometry.Atoms {
				r.Geometry = append(r.Geometry, a.Coords)
			}
		}
		for _, st := range rel.Steps {
			r.Steps = append(r.Steps, relaxStepReport{
				Step:       st.Step,
				Energy:     st.Energy,
				FreeEnergy: st.FreeEnergy,
				MaxForce:   st.MaxForce,
				Accepted:   st.Accepted,
			})
		}
		rep.Relaxations[name] = r
	}
	if c := res.Coupling; c != nil {
		rep.Coupling = &couplingReport{
			Names:      c.Names,
			Convention: string(c.Convention),
			Coupling:   c.Coupling,
			CouplingEV: c.CouplingEV(),
			Couplings:  rows(c.Couplings),
			S:          rows(c.S),
			H:          rows(c.H),
			Diabatic:   c.Diabatic,
			Adiabatic:  c.Adiabatic,
			Gap:        c.Gap,
		}
	}
	return rep
}

func writeJSON(fname string, res *pipeline.Result) error {
	data, err := json.MarshalIndent(newReport(res), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fname, data, 0644)
}

func serve(cmd *cobra.Command, args []string) error {
	level, err := parseLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if len(args) == 1 {
		if cfg, err = config.LoadDriver(args[0]); err != nil {
			return err
		}
	}
	if cfg.Driver.Kind == config.EngineWebsocket {
		return errors.New("serve: the served engine cannot itself be a websocket")
	}
	d, err := cfg.NewDriver(logger)
	if err != nil {
		return err
	}
	if c, ok := d.(io.Closer); ok {
		defer c.Close()
	}

	stop := startMetrics(logger)
	defer stop()
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/", driver.NewServer(d, logger))
	srv := &http.Server{Addr: serveAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("serving engine", "addr", serveAddr, "engine", cfg.Driver.Kind)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdown)
}
