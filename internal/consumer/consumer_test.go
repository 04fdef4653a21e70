package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rmiagent/internal/tracker"
	"github.com/mattjoyce/rmiagent/internal/transport"
	"github.com/mattjoyce/rmiagent/internal/transport/mocks"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	docs     []*transport.Document
	tracked  []bool
	tracker  *tracker.Tracker
	onCall   func(ctx context.Context, doc *transport.Document)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, doc *transport.Document) {
	f.mu.Lock()
	f.docs = append(f.docs, doc)
	tracked := false
	for _, e := range f.tracker.Entries() {
		if e.SN == doc.SN {
			tracked = true
		}
	}
	f.tracked = append(f.tracked, tracked)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(ctx, doc)
	}
}

type ackCounter struct{ n atomic.Int32 }

func (a *ackCounter) message(body string) *transport.Message {
	return transport.NewMessage([]byte(body), func(context.Context) error {
		a.n.Add(1)
		return nil
	})
}

const (
	validBody   = `{"sn":"good","version":"2.0","replyto":"replies","data":{"id":1},"request":{"namespace":"admin","method":"Echo","args":["hi"]}}`
	invalidBody = `{"sn":"old","version":"1.0","replyto":"replies","request":{"namespace":"admin","method":"Echo"}}`
)

type harness struct {
	reader   *mocks.MockReader
	producer *mocks.MockProducer
	tracker  *tracker.Tracker
	disp     *fakeDispatcher

	mu   sync.Mutex
	sent []transport.Fields
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	tr, err := tracker.New(nil, nil)
	require.NoError(t, err)
	return &harness{
		reader:   mocks.NewMockReader(ctrl),
		producer: mocks.NewMockProducer(ctrl),
		tracker:  tr,
		disp:     &fakeDispatcher{tracker: tr},
	}
}

func (h *harness) recordSends(err error) {
	h.producer.EXPECT().Send(gomock.Any(), "replies", gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, f transport.Fields) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sent = append(h.sent, f)
			return err
		}).AnyTimes()
}

func (h *harness) statuses() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []any
	for _, f := range h.sent {
		out = append(out, f["status"])
	}
	return out
}

func (h *harness) consumer(cfg Config) *Consumer {
	if cfg.ReopenDelay == 0 {
		cfg.ReopenDelay = 10 * time.Millisecond
	}
	return New(cfg, h.reader, h.producer, h.tracker, h.disp, nil)
}

func stopAfter(cancel context.CancelFunc) func(context.Context, time.Duration) (*transport.Message, error) {
	return func(context.Context, time.Duration) (*transport.Message, error) {
		cancel()
		return nil, nil
	}
}

func TestRejectsInvalidDocumentAndKeepsServing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var badAcks, goodAcks ackCounter
	h.reader.EXPECT().Open(gomock.Any()).Return(nil)
	gomock.InOrder(
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).Return(badAcks.message(invalidBody), nil),
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).Return(goodAcks.message(validBody), nil),
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).DoAndReturn(stopAfter(cancel)),
	)
	h.reader.EXPECT().Close().Return(nil)
	h.recordSends(nil)

	require.NoError(t, h.consumer(Config{Queue: "jobs"}).Run(ctx))

	assert.Equal(t, int32(1), badAcks.n.Load(), "invalid message acked exactly once")
	assert.Equal(t, int32(1), goodAcks.n.Load())
	assert.Equal(t, []any{transport.StatusRejected, transport.StatusAccepted}, h.statuses())

	h.mu.Lock()
	rejected := h.sent[0]
	h.mu.Unlock()
	assert.Equal(t, "old", rejected["sn"])
	assert.Equal(t, "model.version", rejected["code"])
	assert.Equal(t, "expected:2.0, found:1.0", rejected["details"])

	require.Len(t, h.disp.docs, 1)
	assert.Equal(t, "good", h.disp.docs[0].SN)
	assert.True(t, h.disp.tracked[0], "sn tracked while dispatching")
	assert.Empty(t, h.tracker.Entries(), "sn removed after ack")
}

func TestAcceptedSendFailureDoesNotBlockAck(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var acks ackCounter
	h.reader.EXPECT().Open(gomock.Any()).Return(nil)
	gomock.InOrder(
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).Return(acks.message(validBody), nil),
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).DoAndReturn(stopAfter(cancel)),
	)
	h.reader.EXPECT().Close().Return(nil)
	h.recordSends(errors.New("reply queue unavailable"))

	require.NoError(t, h.consumer(Config{}).Run(ctx))
	assert.Equal(t, int32(1), acks.n.Load())
	assert.Len(t, h.disp.docs, 1)
}

func TestUnparseableDocumentIsAckedWithoutReply(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var acks ackCounter
	h.reader.EXPECT().Open(gomock.Any()).Return(nil)
	gomock.InOrder(
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).Return(acks.message(`not json`), nil),
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).DoAndReturn(stopAfter(cancel)),
	)
	h.reader.EXPECT().Close().Return(nil)

	require.NoError(t, h.consumer(Config{}).Run(ctx))
	assert.Equal(t, int32(1), acks.n.Load())
	assert.Empty(t, h.disp.docs)
}

func TestReopensAfterTransportFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := h.consumer(Config{})
	var acks ackCounter
	gomock.InOrder(
		h.reader.EXPECT().Open(gomock.Any()).Return(nil),
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).Return(nil, &transport.ConnectionError{Op: "next", Err: errors.New("reset")}),
		h.reader.EXPECT().Close().Return(nil),
		h.reader.EXPECT().Open(gomock.Any()).Return(&transport.ConnectionError{Op: "ping", Err: errors.New("refused")}),
		h.reader.EXPECT().Open(gomock.Any()).DoAndReturn(func(context.Context) error {
			return nil
		}),
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).Return(acks.message(validBody), nil),
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).DoAndReturn(stopAfter(cancel)),
		h.reader.EXPECT().Close().Return(nil),
	)
	h.recordSends(nil)

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, int32(1), acks.n.Load())
	assert.Equal(t, StateClosed, c.State())
}

func TestInitialOpenRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		h.reader.EXPECT().Open(gomock.Any()).Return(errors.New("no broker yet")),
		h.reader.EXPECT().Open(gomock.Any()).Return(nil),
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).DoAndReturn(stopAfter(cancel)),
		h.reader.EXPECT().Close().Return(nil),
	)

	require.NoError(t, h.consumer(Config{}).Run(ctx))
}

func TestShutdownDuringDispatchLeavesMessagePending(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.disp.onCall = func(context.Context, *transport.Document) { cancel() }

	var acks ackCounter
	h.reader.EXPECT().Open(gomock.Any()).Return(nil)
	h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).Return(acks.message(validBody), nil)
	h.reader.EXPECT().Close().Return(nil)
	h.recordSends(nil)

	require.NoError(t, h.consumer(Config{}).Run(ctx))
	assert.Zero(t, acks.n.Load())
	assert.Len(t, h.tracker.Entries(), 1)
}

func TestDispatcherPanicIsContained(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.disp.onCall = func(context.Context, *transport.Document) { panic("dispatcher bug") }

	var acks ackCounter
	h.reader.EXPECT().Open(gomock.Any()).Return(nil)
	gomock.InOrder(
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).Return(acks.message(validBody), nil),
		h.reader.EXPECT().Next(gomock.Any(), gomock.Any()).DoAndReturn(stopAfter(cancel)),
	)
	h.reader.EXPECT().Close().Return(nil)
	h.recordSends(nil)

	require.NoError(t, h.consumer(Config{RateLimit: 1000, Burst: 10}).Run(ctx))
	assert.Equal(t, int32(1), acks.n.Load())
	assert.Empty(t, h.tracker.Entries())
}
