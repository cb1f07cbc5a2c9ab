// Package store keeps sweep reports in a bolt database so runs can be
// listed and compared later.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"github.com/weiihann/changebench/bench"
)

var sweepsBucket = []byte("sweeps")

// ErrNotFound is returned when no sweep matches.
var ErrNotFound = errors.New("sweep not found")

// Store is a bolt-backed sweep archive.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open result store %s", path)
	}

	err = db.Update(func(btx *bolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(sweepsBucket)
		return err
	})
	if err != nil {
		db.Close()

		return nil, errors.Wrap(err, "create sweeps bucket")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores the report under its run id, replacing any earlier copy.
func (s *Store) Save(r *bench.SweepReport) error {
	if r.RunID == "" {
		return errors.New("sweep has no run id")
	}

	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode sweep")
	}

	return s.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(sweepsBucket).Put([]byte(r.RunID), data)
	})
}

// Load returns the sweep with the given run id.
func (s *Store) Load(runID string) (*bench.SweepReport, error) {
	var data []byte

	err := s.db.View(func(btx *bolt.Tx) error {
		v := btx.Bucket(sweepsBucket).Get([]byte(runID))
		if v == nil {
			return errors.Wrapf(ErrNotFound, "run %s", runID)
		}

		// Get's slice is only valid inside the transaction.
		data = append([]byte(nil), v...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return decode(data)
}

// Summary is one line of List.
type Summary struct {
	RunID     string
	StartedAt time.Time
	Results   int
	Failed    int
}

// List returns every stored sweep, oldest first.
func (s *Store) List() ([]Summary, error) {
	var out []Summary

	err := s.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(sweepsBucket).ForEach(func(k, v []byte) error {
			r, err := decode(v)
			if err != nil {
				return errors.Wrapf(err, "run %s", k)
			}

			out = append(out, Summary{
				RunID:     r.RunID,
				StartedAt: r.StartedAt,
				Results:   len(r.Results),
				Failed:    len(r.Failures()),
			})

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})

	return out, nil
}

// Latest returns the most recently started sweep.
func (s *Store) Latest() (*bench.SweepReport, error) {
	list, err := s.List()
	if err != nil {
		return nil, err
	}

	if len(list) == 0 {
		return nil, ErrNotFound
	}

	return s.Load(list[len(list)-1].RunID)
}

func decode(data []byte) (*bench.SweepReport, error) {
	var r bench.SweepReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decode sweep")
	}

	return &r, nil
}

// Difference is a (label, pattern) pair whose outcome differs between two
// sweeps. A or B is nil when the pair ran in one sweep only.
type Difference struct {
	Label   string
	Pattern bench.Pattern
	A       *bench.DriftResult
	B       *bench.DriftResult
}

func (d Difference) String() string {
	describe := func(r *bench.DriftResult) string {
		switch {
		case r == nil:
			return "missing"
		case r.Status != bench.Completed:
			return r.Status.String()
		default:
			return fmt.Sprintf("%d", r.Drift)
		}
	}

	return fmt.Sprintf("%s %s: %s -> %s", d.Label, d.Pattern, describe(d.A), describe(d.B))
}

// Compare lists the pairs whose status or drift differ, in a's order
// followed by pairs only b ran.
func Compare(a, b *bench.SweepReport) []Difference {
	var diffs []Difference

	for i := range a.Results {
		ra := a.Results[i]

		rb, ok := b.Get(ra.Label, ra.Pattern)
		if !ok {
			diffs = append(diffs, Difference{Label: ra.Label, Pattern: ra.Pattern, A: &ra})
			continue
		}

		if ra.Status != rb.Status || ra.Drift != rb.Drift {
			diffs = append(diffs, Difference{Label: ra.Label, Pattern: ra.Pattern, A: &ra, B: &rb})
		}
	}

	for i := range b.Results {
		rb := b.Results[i]
		if _, ok := a.Get(rb.Label, rb.Pattern); !ok {
			diffs = append(diffs, Difference{Label: rb.Label, Pattern: rb.Pattern, B: &rb})
		}
	}

	return diffs
}
