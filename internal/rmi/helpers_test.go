package rmi

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rmiagent/internal/callmodel"
	"github.com/mattjoyce/rmiagent/internal/catalog"
	"github.com/mattjoyce/rmiagent/internal/execctx"
	"github.com/mattjoyce/rmiagent/internal/tracker"
	"github.com/mattjoyce/rmiagent/internal/transport"
)

type ValueError struct {
	Msg string `json:"msg"`
}

func (e *ValueError) Error() string { return e.Msg }

type jobs struct {
	Prefix  string `json:"prefix"`
	calls   *atomic.Int32
	tracker *tracker.Tracker
}

func (j *jobs) Run(_ context.Context, s string) (string, error) {
	j.calls.Add(1)
	return j.Prefix + s, nil
}

func (j *jobs) Fail(_ context.Context, msg string) error {
	j.calls.Add(1)
	return &ValueError{Msg: msg}
}

func (j *jobs) Steps(ctx context.Context, n int) (int, error) {
	for i := 1; i <= n; i++ {
		execctx.Report(ctx, n, i, nil)
	}
	return n, nil
}

// SelfCancel cancels its own request and then behaves like a cooperative
// target that noticed.
func (j *jobs) SelfCancel(ctx context.Context) (string, error) {
	call := execctx.From(ctx)
	if _, err := CancelRequests(j.tracker, call.SN, nil); err != nil {
		return "", err
	}
	if call.IsCancelled() {
		return "", callmodel.ErrCancelled
	}
	return "not cancelled", nil
}

func (j *jobs) Boom(context.Context) error { return nil }

type panicModel struct{}

func (panicModel) Invoke(context.Context, *callmodel.Call) (any, error) { panic("boom") }

type sentReply struct {
	address string
	fields  transport.Fields
}

type recordingProducer struct {
	mu   sync.Mutex
	sent []sentReply
}

func (p *recordingProducer) Send(_ context.Context, address string, fields transport.Fields) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentReply{address: address, fields: fields})
	return nil
}

func (p *recordingProducer) statuses() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, s := range p.sent {
		out = append(out, s.fields["status"])
	}
	return out
}

func (p *recordingProducer) last() transport.Fields {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1].fields
}

type fixture struct {
	calls    *atomic.Int32
	tracker  *tracker.Tracker
	catalog  *catalog.Catalog
	producer *recordingProducer
	disp     *Dispatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	tr, err := tracker.New(nil, nil)
	require.NoError(t, err)

	f := &fixture{calls: new(atomic.Int32), tracker: tr, catalog: catalog.New(), producer: &recordingProducer{}}
	require.NoError(t, f.catalog.Register("jobs", &jobs{calls: f.calls, tracker: tr},
		catalog.WithMethodModel("Boom", catalog.ModelIsolated)))
	require.NoError(t, RegisterAdmin(f.catalog, NewAdmin("test agent", tr, f.catalog, nil)))

	models := map[string]callmodel.Model{
		catalog.ModelDirect:   callmodel.NewDirect(f.catalog),
		catalog.ModelIsolated: panicModel{},
	}
	f.disp = NewDispatcher(Config{ReportTimeout: time.Second}, f.catalog, models, f.producer, tr, nil, opts...)
	return f
}

// dispatch tracks sn the way the consumer does and runs the document.
func (f *fixture) dispatch(t *testing.T, doc *transport.Document) {
	t.Helper()
	f.tracker.Add(doc.SN, doc.Locator())
	f.disp.Dispatch(context.Background(), doc)
	require.NoError(t, f.tracker.Remove(doc.SN))
}

func newDoc(sn, ns, method string, args ...any) *transport.Document {
	req := &transport.Request{Namespace: ns, Method: method}
	for _, a := range args {
		b, _ := json.Marshal(a)
		req.Args = append(req.Args, b)
	}
	return &transport.Document{SN: sn, Version: transport.Version, ReplyTo: "replies", Request: req}
}
