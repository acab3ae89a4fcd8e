// config.go --  This file is part of goCDFT project.
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

// Package config loads the YAML description of a CDFT job and turns it into
// the molecule, grid, constraints, solver options and driver of every state.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"example.com/gocdft/cdft"
	"example.com/gocdft/constraint"
	"example.com/gocdft/coupling"
	"example.com/gocdft/driver"
	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
	"example.com/gocdft/optimizer"
	"example.com/gocdft/population"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Engine kinds accepted in driver.kind.
const (
	EngineModel     = "model"
	EngineQbox      = "qbox"
	EngineWebsocket = "websocket"
)

type Config struct {
	System     SystemConfig     `yaml:"system"`
	Fragments  []FragmentConfig `yaml:"fragments"`
	States     []StateConfig    `yaml:"states"`
	Solver     SolverConfig     `yaml:"solver"`
	Driver     DriverConfig     `yaml:"driver"`
	Coupling   CouplingConfig   `yaml:"coupling"`
	Relax      RelaxConfig      `yaml:"relax"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// dir resolves relative paths; set by Load.
	dir string
}

type SystemConfig struct {
	// Geometry is a file with an "Atoms ... end" block.
	Geometry     string       `yaml:"geometry"`
	Atoms        []AtomConfig `yaml:"atoms"`
	Charge       int          `yaml:"charge"`
	Multiplicity int          `yaml:"multiplicity"`
	Grid         GridConfig   `yaml:"grid"`
}

// AtomConfig positions are in Angstrom.
type AtomConfig struct {
	Symbol   string     `yaml:"symbol"`
	Position [3]float64 `yaml:"position"`
}

// GridConfig is in bohr. Without an origin the cell is centred on the
// molecule.
type GridConfig struct {
	Cell   [3]float64  `yaml:"cell"`
	Points [3]int      `yaml:"points"`
	Origin *[3]float64 `yaml:"origin"`
}

type FragmentConfig struct {
	Name  string `yaml:"name"`
	Atoms []int  `yaml:"atoms"`
}

type StateConfig struct {
	Name        string             `yaml:"name"`
	Constraints []ConstraintConfig `yaml:"constraints"`
}

// ConstraintConfig refers to fragments by name. A formal Charge may be given
// instead of Target; it is converted with the promolecular electron count
// of the fragment.
type ConstraintConfig struct {
	Name      string     `yaml:"name"`
	Kind      string     `yaml:"kind"`
	Fragment  string     `yaml:"fragment"`
	Donor     string     `yaml:"donor"`
	Acceptor  string     `yaml:"acceptor"`
	Weight    string     `yaml:"weight"`
	Target    *float64   `yaml:"target"`
	Charge    *float64   `yaml:"charge"`
	Initial   float64    `yaml:"initial"`
	Bracket   [2]float64 `yaml:"bracket"`
	Tolerance float64    `yaml:"tolerance"`
}

type SolverConfig struct {
	Tolerance     float64        `yaml:"tolerance"`
	MaxIterations int            `yaml:"max_iterations"`
	MaxSCFRetries int            `yaml:"max_scf_retries"`
	MaxHalvings   int            `yaml:"max_halvings"`
	WarmStart     bool           `yaml:"warm_start"`
	Jacobian      JacobianConfig `yaml:"jacobian"`
}

type JacobianConfig struct {
	Policy     string  `yaml:"policy"`
	Step       float64 `yaml:"step"`
	Stagnation float64 `yaml:"stagnation"`
	Concurrent bool    `yaml:"concurrent"`
	MaxCond    float64 `yaml:"max_cond"`
}

// RelaxConfig drives the relax command. Forces are in Ha/bohr, lengths in
// bohr.
type RelaxConfig struct {
	MaxSteps        int     `yaml:"max_steps"`
	ForceTolerance  float64 `yaml:"force_tolerance"`
	StepSize        float64 `yaml:"step_size"`
	MaxDisplacement float64 `yaml:"max_displacement"`
}

type DriverConfig struct {
	Kind      string             `yaml:"kind"`
	Model     driver.ModelConfig `yaml:"model"`
	Qbox      driver.QboxConfig  `yaml:"qbox"`
	Websocket WebsocketConfig    `yaml:"websocket"`
}

type WebsocketConfig struct {
	URL    string            `yaml:"url"`
	Header map[string]string `yaml:"header"`
}

type CouplingConfig struct {
	Convention       string  `yaml:"convention"`
	OverlapThreshold float64 `yaml:"overlap_threshold"`
	MaxCond          float64 `yaml:"max_cond"`
}

type CheckpointConfig struct {
	// Dir of the badger store; empty disables checkpoints.
	Dir string `yaml:"dir"`
}

// Default returns a configuration with every default filled in and no
// system.
func Default() *Config {
	so := cdft.DefaultOptions()
	co := coupling.DefaultOptions()
	ro := cdft.DefaultRelaxOptions()
	return &Config{
		Solver: SolverConfig{
			Tolerance:     so.Tolerance,
			MaxIterations: so.MaxIterations,
			MaxSCFRetries: so.MaxSCFRetries,
			MaxHalvings:   so.MaxHalvings,
			Jacobian: JacobianConfig{
				Policy:     string(so.Policy),
				Step:       so.Step,
				Stagnation: so.Stagnation,
				MaxCond:    so.MaxCond,
			},
		},
		Driver: DriverConfig{
			Kind:  EngineModel,
			Model: driver.DefaultModelConfig(),
			Qbox:  driver.DefaultQboxConfig(),
		},
		Coupling: CouplingConfig{
			Convention:       string(co.Convention),
			OverlapThreshold: co.OverlapThreshold,
			MaxCond:          co.MaxCond,
		},
		Relax: RelaxConfig{
			MaxSteps:        ro.MaxSteps,
			ForceTolerance:  ro.ForceTolerance,
			StepSize:        ro.StepSize,
			MaxDisplacement: ro.MaxDisplacement,
		},
	}
}

// Parse decodes YAML on top of the defaults. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Load reads and validates a configuration file. Relative paths inside it
// are taken relative to the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	sys := c.System
	switch {
	case sys.Geometry == "" && len(sys.Atoms) == 0:
		add("system: either geometry or atoms is required")
	case sys.Geometry != "" && len(sys.Atoms) > 0:
		add("system: geometry and atoms are mutually exclusive")
	}
	for i, a := range sys.Atoms {
		if _, err := molecule.ElemData.Lookup(a.Symbol); err != nil {
			add("system.atoms[%d]: %v", i, err)
		}
	}
	for d := 0; d < 3; d++ {
		if !(sys.Grid.Cell[d] > 0) {
			add("system.grid.cell[%d] must be positive", d)
		}
		if sys.Grid.Points[d] <= 0 {
			add("system.grid.points[%d] must be positive", d)
		}
	}

	fragments := map[string]bool{}
	for i, f := range c.Fragments {
		if f.Name == "" {
			add("fragments[%d]: name is required", i)
		} else if fragments[f.Name] {
			add("fragments[%d]: duplicate name %q", i, f.Name)
		}
		fragments[f.Name] = true
		if len(f.Atoms) == 0 {
			add("fragment %s: no atoms", f.Name)
		}
	}

	if len(c.States) == 0 {
		add("states: at least one state is required")
	}
	names := map[string]bool{}
	for i, st := range c.States {
		if st.Name == "" {
			add("states[%d]: name is required", i)
		} else if names[st.Name] {
			add("states[%d]: duplicate name %q", i, st.Name)
		}
		names[st.Name] = true
		for j, cc := range st.Constraints {
			where := fmt.Sprintf("state %s constraint %d", st.Name, j)
			kind, err := constraint.ParseKind(cc.Kind)
			if err != nil {
				add("%s: %v", where, err)
				continue
			}
			refs := []string{cc.Fragment}
			if kind == constraint.ChargeTransfer {
				refs = []string{cc.Donor, cc.Acceptor}
			}
			for _, r := range refs {
				if !fragments[r] {
					add("%s: unknown fragment %q", where, r)
				}
			}
			switch {
			case cc.Target == nil && cc.Charge == nil:
				add("%s: target or charge is required", where)
			case cc.Target != nil && cc.Charge != nil:
				add("%s: target and charge are mutually exclusive", where)
			case cc.Charge != nil && kind == constraint.Spin:
				add("%s: spin constraints take a target, not a charge", where)
			}
		}
	}

	s := c.Solver
	if s.Tolerance <= 0 {
		add("solver.tolerance must be positive")
	}
	if s.MaxIterations < 1 {
		add("solver.max_iterations must be at least 1")
	}
	if s.MaxSCFRetries < 0 {
		add("solver.max_scf_retries must not be negative")
	}
	if s.MaxHalvings < 0 {
		add("solver.max_halvings must not be negative")
	}
	switch optimizer.Policy(s.Jacobian.Policy) {
	case optimizer.FiniteDifference, optimizer.Broyden:
	default:
		add("solver.jacobian.policy: unknown policy %q", s.Jacobian.Policy)
	}
	if s.Jacobian.Step <= 0 {
		add("solver.jacobian.step must be positive")
	}

	if err := c.ValidateDriver(); err != nil {
		errs = append(errs, err)
	}

	if _, err := coupling.ParseConvention(c.Coupling.Convention); err != nil {
		add("coupling: %v", err)
	}
	if err := c.RelaxOptions().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateDriver checks the driver section alone, for commands that only
// need an engine.
func (c *Config) ValidateDriver() error {
	switch c.Driver.Kind {
	case EngineModel:
		if err := c.Driver.Model.Validate(); err != nil {
			return fmt.Errorf("driver.model: %w", err)
		}
	case EngineQbox:
		if c.Driver.Qbox.SCFCmd == "" {
			return errors.New("driver.qbox.scf_cmd is required")
		}
	case EngineWebsocket:
		if c.Driver.Websocket.URL == "" {
			return errors.New("driver.websocket.url is required")
		}
	default:
		return fmt.Errorf("driver.kind: unknown engine %q", c.Driver.Kind)
	}
	return nil
}

// LoadDriver reads a configuration file and validates only its driver
// section.
func LoadDriver(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.dir = filepath.Dir(path)
	if err := cfg.ValidateDriver(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Molecule builds the molecule from the geometry file or the inline atoms.
func (c *Config) Molecule() (*molecule.Molecule, error) {
	var mol *molecule.Molecule
	if c.System.Geometry != "" {
		m, err := molecule.ReadGeometry(c.path(c.System.Geometry))
		if err != nil {
			return nil, err
		}
		mol = m
	} else {
		mol = &molecule.Molecule{}
		for _, a := range c.System.Atoms {
			if err := mol.AddAtom(a.Symbol, a.Position); err != nil {
				return nil, err
			}
		}
	}
	if c.System.Charge != 0 {
		mol.Charge = c.System.Charge
	}
	if c.System.Multiplicity != 0 {
		mol.Multiplicity = c.System.Multiplicity
	}
	if _, _, err := mol.NSpin(); err != nil {
		return nil, err
	}
	return mol, nil
}

// Grid builds the real-space grid for mol.
func (c *Config) Grid(mol *molecule.Molecule) (*grid.Grid, error) {
	gc := c.System.Grid
	g, err := grid.New(gc.Cell, gc.Points)
	if err != nil {
		return nil, err
	}
	if gc.Origin != nil {
		g.Origin = *gc.Origin
		return g, nil
	}
	var centroid [3]float64
	for _, a := range mol.Atoms {
		for d := 0; d < 3; d++ {
			centroid[d] += a.Coords[d] / float64(len(mol.Atoms))
		}
	}
	for d := 0; d < 3; d++ {
		g.Origin[d] = centroid[d] - gc.Cell[d]/2
	}
	return g, nil
}

func (c *Config) fragment(name string) (constraint.Fragment, error) {
	i := slices.IndexFunc(c.Fragments, func(f FragmentConfig) bool { return f.Name == name })
	if i < 0 {
		return constraint.Fragment{}, fmt.Errorf("unknown fragment %q", name)
	}
	return constraint.Fragment{Name: name, Atoms: slices.Clone(c.Fragments[i].Atoms)}, nil
}

// Constraints builds the constraint set of state. Formal charges are turned
// into electron-count targets with the promolecular density of h.
func (c *Config) Constraints(state StateConfig, h *population.Hirshfeld) (constraint.Set, error) {
	cs := make(constraint.Set, 0, len(state.Constraints))
	for j, cc := range state.Constraints {
		kind, err := constraint.ParseKind(cc.Kind)
		if err != nil {
			return nil, err
		}
		con := constraint.Constraint{
			Name:      cc.Name,
			Kind:      kind,
			Weight:    cc.Weight,
			Initial:   cc.Initial,
			Bracket:   cc.Bracket,
			Tolerance: cc.Tolerance,
		}
		if kind == constraint.ChargeTransfer {
			if con.Donor, err = c.fragment(cc.Donor); err != nil {
				return nil, err
			}
			if con.Acceptor, err = c.fragment(cc.Acceptor); err != nil {
				return nil, err
			}
		} else if con.Fragment, err = c.fragment(cc.Fragment); err != nil {
			return nil, err
		}

		switch {
		case cc.Target != nil:
			con.Target = *cc.Target
		case cc.Charge != nil && h == nil:
			return nil, fmt.Errorf("state %s constraint %d: formal charge needs a partition", state.Name, j)
		case cc.Charge != nil && kind == constraint.Charge:
			con.Target = h.FragmentElectrons(con.Fragment.Atoms) - *cc.Charge
		case cc.Charge != nil && kind == constraint.ChargeTransfer:
			// the donor loses q electrons and the acceptor gains them
			con.Target = h.FragmentElectrons(con.Donor.Atoms) - h.FragmentElectrons(con.Acceptor.Atoms) - 2*(*cc.Charge)
		default:
			return nil, fmt.Errorf("state %s constraint %d: no target", state.Name, j)
		}
		cs = append(cs, con)
	}
	return cs, nil
}

// SolverOptions returns the cdft options; logger, partition and recorder
// are left to the caller.
func (c *Config) SolverOptions() cdft.Options {
	opts := cdft.DefaultOptions()
	s := c.Solver
	opts.Tolerance = s.Tolerance
	opts.MaxIterations = s.MaxIterations
	opts.MaxSCFRetries = s.MaxSCFRetries
	opts.MaxHalvings = s.MaxHalvings
	opts.WarmStart = s.WarmStart
	opts.Policy = optimizer.Policy(s.Jacobian.Policy)
	opts.Step = s.Jacobian.Step
	opts.Stagnation = s.Jacobian.Stagnation
	opts.Concurrent = s.Jacobian.Concurrent
	if s.Jacobian.MaxCond > 0 {
		opts.MaxCond = s.Jacobian.MaxCond
	}
	return opts
}

// RelaxOptions leaves the partition to the solver, so the Hirshfeld weights
// follow the nuclei.
func (c *Config) RelaxOptions() cdft.RelaxOptions {
	return cdft.RelaxOptions{
		MaxSteps:        c.Relax.MaxSteps,
		ForceTolerance:  c.Relax.ForceTolerance,
		StepSize:        c.Relax.StepSize,
		MaxDisplacement: c.Relax.MaxDisplacement,
	}
}

func (c *Config) CouplingOptions() coupling.Options {
	opts := coupling.DefaultOptions()
	opts.Convention = coupling.Convention(c.Coupling.Convention)
	if c.Coupling.OverlapThreshold > 0 {
		opts.OverlapThreshold = c.Coupling.OverlapThreshold
	}
	if c.Coupling.MaxCond > 0 {
		opts.MaxCond = c.Coupling.MaxCond
	}
	return opts
}

// NewDriver creates a fresh engine connection. Every state gets its own.
func (c *Config) NewDriver(logger *slog.Logger) (driver.Driver, error) {
	switch c.Driver.Kind {
	case EngineModel:
		return driver.NewModel(c.Driver.Model, logger), nil
	case EngineQbox:
		qc := c.Driver.Qbox
		qc.Dir = c.path(qc.Dir)
		return driver.NewQbox(qc, logger)
	case EngineWebsocket:
		header := http.Header{}
		for k, v := range c.Driver.Websocket.Header {
			header.Set(k, v)
		}
		return driver.NewSocket(c.Driver.Websocket.URL, header, logger), nil
	}
	return nil, fmt.Errorf("unknown engine %q", c.Driver.Kind)
}

// CheckpointDir is the badger directory, or "" when checkpoints are off.
func (c *Config) CheckpointDir() string { return c.path(c.Checkpoint.Dir) }

// Parallelism is the number of states that may be solved at once. A Qbox
// server works in one directory and takes one state at a time.
func (c *Config) Parallelism() int {
	if c.Driver.Kind == EngineQbox {
		return 1
	}
	return len(c.States)
}
