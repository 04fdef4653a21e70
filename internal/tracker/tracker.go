// Package tracker records outstanding requests and the persisted set of
// cancelled serial numbers.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/rmiagent/internal/criteria"
)

// ErrNotFound is returned by Cancel for a serial number that is not outstanding.
var ErrNotFound = errors.New("request not found")

// Ledger persists the cancelled set. Put and Delete must be durable when they
// return nil.
type Ledger interface {
	List() ([]string, error)
	Put(sn string) error
	Delete(sn string) error
}

// Entry is an outstanding request as seen by Entries.
type Entry struct {
	SN        string `json:"sn"`
	Locator   any    `json:"locator,omitempty"`
	Cancelled bool   `json:"cancelled"`
}

// Tracker is shared by every in-flight request; all methods are serialised
// on one mutex.
type Tracker struct {
	mu          sync.Mutex
	outstanding map[string]any
	cancelled   map[string]struct{}
	ledger      Ledger
	logger      *slog.Logger
}

// New builds a Tracker and reloads the cancelled set from ledger. A nil ledger
// keeps the cancelled set in memory only.
func New(ledger Ledger, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		outstanding: make(map[string]any),
		cancelled:   make(map[string]struct{}),
		ledger:      ledger,
		logger:      logger,
	}
	if ledger == nil {
		return t, nil
	}
	sns, err := ledger.List()
	if err != nil {
		return nil, fmt.Errorf("load cancel ledger: %w", err)
	}
	for _, sn := range sns {
		t.cancelled[sn] = struct{}{}
	}
	if len(sns) > 0 {
		t.logger.Info("cancel ledger loaded", "count", len(sns))
	}
	return t, nil
}

// Add registers an outstanding request with its locator.
func (t *Tracker) Add(sn string, locator any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding[sn] = locator
}

// Find returns the outstanding serial numbers whose locator satisfies c,
// in sorted order.
func (t *Tracker) Find(c criteria.Criteria) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for sn, locator := range t.outstanding {
		if c.Match(locator) {
			out = append(out, sn)
		}
	}
	sort.Strings(out)
	return out
}

// Cancel marks an outstanding request cancelled and persists the mark. It
// returns sn on the first call and "" when sn was already cancelled.
func (t *Tracker) Cancel(sn string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.outstanding[sn]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sn)
	}
	if _, ok := t.cancelled[sn]; ok {
		return "", nil
	}
	if t.ledger != nil {
		if err := t.ledger.Put(sn); err != nil {
			return "", fmt.Errorf("persist cancel %s: %w", sn, err)
		}
	}
	t.cancelled[sn] = struct{}{}
	t.logger.Info("request cancelled", "sn", sn)
	return sn, nil
}

// Cancelled reports whether sn is in the cancelled set.
func (t *Tracker) Cancelled(sn string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cancelled[sn]
	return ok
}

// Remove forgets sn entirely. Unknown serial numbers are ignored.
func (t *Tracker) Remove(sn string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.outstanding, sn)
	if _, ok := t.cancelled[sn]; !ok {
		return nil
	}
	if t.ledger != nil {
		if err := t.ledger.Delete(sn); err != nil {
			return fmt.Errorf("clear cancel %s: %w", sn, err)
		}
	}
	delete(t.cancelled, sn)
	return nil
}

// Entries returns a snapshot of the outstanding requests sorted by sn.
func (t *Tracker) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.outstanding))
	for sn, locator := range t.outstanding {
		_, cancelled := t.cancelled[sn]
		out = append(out, Entry{SN: sn, Locator: locator, Cancelled: cancelled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SN < out[j].SN })
	return out
}
