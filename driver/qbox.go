// qbox.go --  This file is part of goCDFT project.
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
package driver

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/gocdft/grid"
	"example.com/gocdft/molecule"
	"github.com/fsnotify/fsnotify"
)

const (
	qboxVcFile       = "Vc.cube"
	qboxRhoFile      = "rhor.cube"
	qboxArchiveDir   = "qbox_outputs"
	qboxCompleteFile = "qb_complete.in"
)

// QboxConfig describes a Qbox server running in client-server mode in Dir.
type QboxConfig struct {
	Dir       string        `yaml:"dir" json:"dir"`
	InputFile string        `yaml:"input_file" json:"input_file"`
	InitCmd   string        `yaml:"init_cmd" json:"init_cmd"`
	SCFCmd    string        `yaml:"scf_cmd" json:"scf_cmd"`
	SaveCmd   string        `yaml:"save_cmd" json:"save_cmd"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	Poll      time.Duration `yaml:"poll" json:"poll"`
	// Unpolarized runs plot one total density which is split evenly.
	Unpolarized bool `yaml:"unpolarized" json:"unpolarized"`
	// Roll shifts the plotted density by half a cell along every axis, as
	// Qbox centres its cube output on the origin.
	Roll bool `yaml:"roll" json:"roll"`
}

func DefaultQboxConfig() QboxConfig {
	return QboxConfig{
		Dir:       ".",
		InputFile: "qb_cdft.in",
		SCFCmd:    "run 0 100 5",
		SaveCmd:   "save wf.xml",
		Timeout:   6 * time.Hour,
		Poll:      2 * time.Second,
		Roll:      true,
	}
}

// Qbox drives a Qbox process through its lock-file protocol: a command is
// written to the input file, the lock file is removed, and Qbox recreates
// the lock file once the command has finished.
type Qbox struct {
	cfg    QboxConfig
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	iter    int
}

func NewQbox(cfg QboxConfig, logger *slog.Logger) (*Qbox, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.InputFile == "" {
		cfg.InputFile = "qb_cdft.in"
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Hour
	}
	if cfg.SCFCmd == "" {
		return nil, errors.New("qbox: scf command is required")
	}
	q := &Qbox{cfg: cfg, logger: logger}
	archive := q.path(qboxArchiveDir)
	if err := os.RemoveAll(archive); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(archive, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(q.path(qboxCompleteFile), nil, 0644); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Qbox) path(name string) string { return filepath.Join(q.cfg.Dir, name) }

func (q *Qbox) lockFile() string { return q.path(q.cfg.InputFile + ".lock") }

func (q *Qbox) outputFile() string {
	base := q.cfg.InputFile
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	return q.path(base + ".out")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// waitLock blocks until the lock file exists. Directory events wake it up
// early; the poll ticker covers file systems without notifications.
func (q *Qbox) waitLock(ctx context.Context) error {
	lock := q.lockFile()
	if exists(lock) {
		return nil
	}
	var events <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(lock)); err == nil {
			events = w.Events
		} else {
			q.logger.Debug("qbox: falling back to polling", "error", err)
		}
	}
	ticker := time.NewTicker(q.cfg.Poll)
	defer ticker.Stop()
	timeout := time.NewTimer(q.cfg.Timeout)
	defer timeout.Stop()
	for {
		if exists(lock) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("%w: %s did not appear within %s", ErrEngineUnreachable, lock, q.cfg.Timeout)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name == lock && ev.Op.Has(fsnotify.Create) {
				return nil
			}
		case <-ticker.C:
		}
	}
}

// runCmd hands one command to Qbox and waits until it has been executed.
func (q *Qbox) runCmd(ctx context.Context, cmd string) error {
	if err := os.WriteFile(q.path(q.cfg.InputFile), []byte(cmd+"\n"), 0644); err != nil {
		return err
	}
	f, err := os.OpenFile(q.path(qboxCompleteFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, cmd)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Remove(q.lockFile()); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}
	q.logger.Debug("qbox command", "cmd", cmd)
	return q.waitLock(ctx)
}

func (q *Qbox) start(ctx context.Context) error {
	if q.started {
		return nil
	}
	q.logger.Info("qbox: waiting for Qbox to start", "lock", q.lockFile())
	if err := q.waitLock(ctx); err != nil {
		return err
	}
	if q.cfg.InitCmd != "" {
		if err := q.runCmd(ctx, q.cfg.InitCmd); err != nil {
			return err
		}
	}
	q.started = true
	return nil
}

// Evaluate implements Driver. Qbox keeps its wavefunctions between commands,
// so restart data is neither needed nor produced, and no orbitals are
// returned.
func (q *Qbox) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	field := req.Potential.Field
	if field == nil {
		field = grid.NewPotential(req.Grid.Len())
	}
	if !field.SpinFree() {
		return nil, errors.New("qbox: spin-dependent external potentials are not supported")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.start(ctx); err != nil {
		return nil, err
	}

	if err := q.writeCube(qboxVcFile, req, field.Up); err != nil {
		return nil, err
	}
	if err := q.runCmd(ctx, "set vext "+qboxVcFile); err != nil {
		return nil, err
	}
	if err := q.runCmd(ctx, q.cfg.SCFCmd); err != nil {
		return nil, err
	}
	q.iter++

	raw, err := os.ReadFile(q.outputFile())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSCFNotConverged, err)
	}
	archived := filepath.Join(q.path(qboxArchiveDir), fmt.Sprintf("iter%d.out", q.iter))
	if err := os.WriteFile(archived, raw, 0644); err != nil {
		q.logger.Warn("qbox: cannot archive output", "error", err)
	}
	out, err := ParseQboxOutput(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}
	resp := &Response{Energy: out.Energy, SCFIterations: out.Iterations}
	if resp.Forces, err = out.forcesFor(req.Molecule); err != nil {
		return nil, err
	}
	if resp.Density, err = q.fetchDensity(ctx, req.Grid); err != nil {
		return nil, err
	}
	return resp, nil
}

func (q *Qbox) writeCube(name string, req *Request, data []float64) error {
	f, err := os.Create(q.path(name))
	if err != nil {
		return err
	}
	if err := grid.WriteCube(f, req.Grid, req.Molecule.Atoms, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (q *Qbox) fetchDensity(ctx context.Context, g *grid.Grid) (*grid.Density, error) {
	d := &grid.Density{}
	spins := []string{" -spin 1", " -spin 2"}
	if q.cfg.Unpolarized {
		spins = []string{""}
	}
	for i, flag := range spins {
		if err := q.runCmd(ctx, "plot -density"+flag+" "+qboxRhoFile); err != nil {
			return nil, err
		}
		f, err := os.Open(q.path(qboxRhoFile))
		if err != nil {
			return nil, err
		}
		cg, _, data, err := grid.ReadCube(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("qbox density: %w", err)
		}
		if cg.N != g.N {
			return nil, fmt.Errorf("qbox density grid %v does not match %v", cg.N, g.N)
		}
		if q.cfg.Roll {
			data = roll(data, g.N)
		}
		if i == 0 {
			d.Up = data
		} else {
			d.Down = data
		}
	}
	if q.cfg.Unpolarized {
		for i := range d.Up {
			d.Up[i] *= 0.5
		}
		d.Down = append([]float64(nil), d.Up...)
	}
	return d, nil
}

// roll shifts data by n/2 along every axis.
func roll(data []float64, n [3]int) []float64 {
	res := make([]float64, len(data))
	for i := 0; i < n[0]; i++ {
		ii := (i + n[0]/2) % n[0]
		for j := 0; j < n[1]; j++ {
			jj := (j + n[1]/2) % n[1]
			for k := 0; k < n[2]; k++ {
				kk := (k + n[2]/2) % n[2]
				res[(ii*n[1]+jj)*n[2]+kk] = data[(i*n[1]+j)*n[2]+k]
			}
		}
	}
	return res
}

// Close saves the wavefunction and removes the protocol files.
func (q *Qbox) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var err error
	if q.started && q.cfg.SaveCmd != "" {
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout)
		err = q.runCmd(ctx, q.cfg.SaveCmd)
		cancel()
	}
	for _, f := range []string{q.path(q.cfg.InputFile), q.lockFile(), q.outputFile()} {
		if rerr := os.Remove(f); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = errors.Join(err, rerr)
		}
	}
	q.started = false
	return err
}

// QboxOutput is what the driver extracts from a Qbox XML output file.
type QboxOutput struct {
	Energy     float64
	Iterations int
	Forces     map[string][3]float64 // by Qbox atom name, e.g. "He1"
}

type qboxXML struct {
	Iterations []struct {
		Etotal  string `xml:"etotal"`
		Atomset []struct {
			Atoms []struct {
				Name  string `xml:"name,attr"`
				Force string `xml:"force"`
			} `xml:"atom"`
		} `xml:"atomset"`
	} `xml:"iteration"`
}

// ParseQboxOutput reads the total energy of the last iteration and its
// forces. Output without any etotal means the SCF did not finish.
func ParseQboxOutput(r io.Reader) (*QboxOutput, error) {
	var doc qboxXML
	dec := xml.NewDecoder(r)
	dec.Strict = false
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: qbox output: %v", ErrSCFNotConverged, err)
	}
	res := &QboxOutput{Forces: make(map[string][3]float64)}
	found := false
	for _, it := range doc.Iterations {
		if s := strings.TrimSpace(it.Etotal); s != "" {
			e, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("qbox output: etotal %q: %w", s, err)
			}
			res.Energy = e
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no etotal in qbox output", ErrSCFNotConverged)
	}
	res.Iterations = len(doc.Iterations)
	last := doc.Iterations[len(doc.Iterations)-1]
	for _, set := range last.Atomset {
		for _, a := range set.Atoms {
			words := strings.Fields(a.Force)
			if len(words) != 3 {
				continue
			}
			var f [3]float64
			for k := range f {
				v, err := strconv.ParseFloat(words[k], 64)
				if err != nil {
					return nil, fmt.Errorf("qbox output: force of %s: %w", a.Name, err)
				}
				f[k] = v
			}
			res.Forces[a.Name] = f
		}
	}
	return res, nil
}

var qboxAtomName = regexp.MustCompile(`^([a-zA-Z]+)([0-9]+)$`)

// forcesFor orders the parsed forces like the atoms of mol. Qbox names atoms
// by symbol and 1-based index.
func (o *QboxOutput) forcesFor(mol *molecule.Molecule) ([][3]float64, error) {
	if len(o.Forces) == 0 {
		return nil, nil
	}
	res := make([][3]float64, len(mol.Atoms))
	for name, f := range o.Forces {
		m := qboxAtomName.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("qbox output: unexpected atom name %q", name)
		}
		idx, _ := strconv.Atoi(m[2])
		if idx < 1 || idx > len(mol.Atoms) {
			return nil, fmt.Errorf("qbox output: atom %q out of range", name)
		}
		if !strings.EqualFold(mol.Atoms[idx-1].Symbol(), m[1]) {
			return nil, fmt.Errorf("qbox output: atom %q does not match %s", name, mol.Atoms[idx-1].Symbol())
		}
		res[idx-1] = f
	}
	return res, nil
}

var _ Driver = (*Qbox)(nil)
var _ io.Closer = (*Qbox)(nil)
