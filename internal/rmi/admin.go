package rmi

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/rmiagent/internal/catalog"
	"github.com/mattjoyce/rmiagent/internal/criteria"
	"github.com/mattjoyce/rmiagent/internal/metrics"
	"github.com/mattjoyce/rmiagent/internal/tracker"
)

// AdminNamespace is the catalog name of the built-in administration target.
const AdminNamespace = "admin"

var ErrNoSelector = errors.New("cancel needs an sn or criteria")

// CancelRequests marks outstanding requests cancelled, either the one named
// by sn or every request whose locator matches spec. It returns the serial
// numbers newly cancelled; requests already cancelled are left out. An sn
// that is not outstanding fails with tracker.ErrNotFound.
func CancelRequests(tr *tracker.Tracker, sn string, spec map[string]any) ([]string, error) {
	var candidates []string
	switch {
	case spec != nil:
		c, err := criteria.Build(spec)
		if err != nil {
			return nil, err
		}
		candidates = tr.Find(c)
	case sn != "":
		candidates = []string{sn}
	default:
		return nil, ErrNoSelector
	}

	cancelled := []string{}
	for _, s := range candidates {
		got, err := tr.Cancel(s)
		if err != nil {
			if spec != nil && errors.Is(err, tracker.ErrNotFound) {
				// Finished between Find and Cancel.
				continue
			}
			return cancelled, fmt.Errorf("cancel %q: %w", s, err)
		}
		if got != "" {
			cancelled = append(cancelled, got)
		}
	}
	return cancelled, nil
}

// Admin is the built-in administration namespace.
type Admin struct {
	name    string
	tracker *tracker.Tracker
	catalog *catalog.Catalog
	metrics *metrics.Metrics
}

func NewAdmin(name string, tr *tracker.Tracker, c *catalog.Catalog, m *metrics.Metrics) *Admin {
	return &Admin{name: name, tracker: tr, catalog: c, metrics: m}
}

// RegisterAdmin adds the admin namespace to c. Its methods run directly in
// the agent since they act on agent state.
func RegisterAdmin(c *catalog.Catalog, a *Admin) error {
	return c.Register(AdminNamespace, a, catalog.WithModel(catalog.ModelDirect))
}

// Cancel takes the keyword arguments sn or criteria.
func (a *Admin) Cancel(_ context.Context, kw catalog.Kwargs) ([]string, error) {
	var (
		sn   string
		spec map[string]any
	)
	if _, err := kw.Decode("sn", &sn); err != nil {
		return nil, err
	}
	if _, err := kw.Decode("criteria", &spec); err != nil {
		return nil, err
	}
	cancelled, err := CancelRequests(a.tracker, sn, spec)
	a.metrics.Cancelled(len(cancelled))
	return cancelled, err
}

func (a *Admin) Echo(_ context.Context, text string) (string, error) {
	return text, nil
}

func (a *Admin) Hello(context.Context) (string, error) {
	return "Hello, I am " + a.name, nil
}

// Help lists the targets this agent serves.
func (a *Admin) Help(context.Context) ([]catalog.NamespaceInfo, error) {
	return a.catalog.Describe(), nil
}
