// checkpoint.go --  This file is part of goCDFT project.
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

// Package checkpoint keeps the multiplier history of CDFT runs in an
// embedded badger database, so that an interrupted run can be restarted
// from its last multipliers.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"example.com/gocdft/optimizer"
	"github.com/dgraph-io/badger/v4"
)

type Config struct {
	// Path is the database directory, ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

// Store records optimizer snapshots keyed by state name and iteration.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger routes badger's own messages to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("checkpoint: path is required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("checkpoint: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.New(slog.DiscardHandler)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func prefix(state string) []byte { return []byte("snapshot/" + state + "/") }

func key(state string, iteration int) []byte {
	return append(prefix(state), fmt.Sprintf("%08d", iteration)...)
}

// Record stores one snapshot of state, replacing any earlier snapshot with
// the same iteration.
func (s *Store) Record(ctx context.Context, state string, snap optimizer.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(state, snap.Iteration), val)
	})
}

// History returns the snapshots of state in iteration order.
func (s *Store) History(state string) ([]optimizer.Snapshot, error) {
	var res []optimizer.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix(state), PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var snap optimizer.Snapshot
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			})
			if err != nil {
				return fmt.Errorf("checkpoint: %s: %w", it.Item().Key(), err)
			}
			res = append(res, snap)
		}
		return nil
	})
	return res, err
}

// Latest returns the snapshot with the highest iteration of state.
func (s *Store) Latest(state string) (optimizer.Snapshot, bool, error) {
	hist, err := s.History(state)
	if err != nil || len(hist) == 0 {
		return optimizer.Snapshot{}, false, err
	}
	return hist[len(hist)-1], true, nil
}

// Clear removes every snapshot of state.
func (s *Store) Clear(state string) error {
	return s.db.DropPrefix(prefix(state))
}

// Recorder returns an optimizer.Recorder writing to state.
func (s *Store) Recorder(state string) optimizer.Recorder {
	return recorder{store: s, state: state}
}

type recorder struct {
	store *Store
	state string
}

func (r recorder) Record(ctx context.Context, snap optimizer.Snapshot) error {
	if err := r.store.Record(ctx, r.state, snap); err != nil {
		return err
	}
	r.store.logger.Debug("checkpoint recorded", "state", r.state, "iteration", snap.Iteration)
	return nil
}
