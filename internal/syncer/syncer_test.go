package syncer_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/memkeeper"
	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/syncer"
	"github.com/roach88/meshlog/internal/testutil"
)

type mesh struct {
	clock *testutil.ManualClock
	net   *syncer.Loopback
}

func newMesh() *mesh {
	return &mesh{clock: testutil.NewManualClock(1_000_000), net: syncer.NewLoopback()}
}

type node struct {
	name    string
	id      int
	k       *memkeeper.Keeper
	s       *syncer.Synchronizer
	impl    *testutil.FakeImpl
	user    record.User
	events  *recorder
	centers map[string]*record.Center
}

func (m *mesh) node(t *testing.T, name string, id int, kopts []memkeeper.Option, sopts ...syncer.Option) *node {
	t.Helper()
	n := &node{
		name:    name,
		id:      id,
		impl:    testutil.NewFakeImpl(),
		user:    record.User{ID: int64(id)*record.IDRange + 5, Name: "user@" + name},
		events:  &recorder{},
		centers: make(map[string]*record.Center),
	}
	k, err := memkeeper.New(id, append([]memkeeper.Option{
		memkeeper.WithClock(m.clock.Now),
		memkeeper.WithRegistry(testutil.NewRegistry()),
		memkeeper.WithPersister(testutil.NewFakePersister(n.user)),
	}, kopts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	n.k = k
	n.s = syncer.New(k, append([]syncer.Option{
		syncer.WithImpl(n.impl),
		syncer.WithDialer(m.net),
		syncer.WithClock(m.clock.Now),
		syncer.WithTokenGenerator(testutil.NewSequentialSessionGenerator(name)),
		syncer.WithObserver(n.events),
	}, sopts...)...)
	m.net.Register(url(name), n.s)
	return n
}

func url(name string) string { return "loop://" + name }

// know registers peer at n. An unclaimed center learns its ID on first
// contact.
func (n *node) know(t *testing.T, peer *node, claimed bool) *record.Center {
	t.Helper()
	c := record.NewCenter(peer.name)
	c.ServerURL = url(peer.name)
	if claimed {
		c.CenterID = peer.id
	}
	require.NoError(t, n.k.PutCenter(t.Context(), nil, c))
	n.centers[peer.name] = c
	return c
}

func link(t *testing.T, a, b *node) {
	t.Helper()
	a.know(t, b, true)
	b.know(t, a, true)
}

func docID(n *node, seq int64) int64 { return int64(n.id)*record.IDRange + 900 + seq }

func existence(doc int64) syncer.Fact {
	return syncer.Fact{SubjectType: testutil.DocumentSubject, Major: doc, Existence: true}
}

func title(doc int64) syncer.Fact {
	return syncer.Fact{SubjectType: testutil.DocumentSubject, ChangeType: testutil.ChangeTitle, Major: doc}
}

func quote(s string) string { return `"` + s + `"` }

func (n *node) persist(t *testing.T, m keeper.Mutation) int64 {
	t.Helper()
	rec, err := n.k.Persist(t.Context(), keeper.NewTxn(n.user), m)
	require.NoError(t, err)
	return rec.ID
}

func (n *node) create(t *testing.T, doc int64, value string) int64 {
	t.Helper()
	id := n.persist(t, keeper.Mutation{Subject: testutil.DocumentType(), Additivity: record.Creation, Major: doc})
	n.impl.Set(existence(doc), quote(value))
	return id
}

func (n *node) remove(t *testing.T, doc int64) int64 {
	t.Helper()
	id := n.persist(t, keeper.Mutation{Subject: testutil.DocumentType(), Additivity: record.Removal, Major: doc})
	n.impl.Remove(existence(doc))
	return id
}

func (n *node) setTitle(t *testing.T, doc int64, value string) int64 {
	t.Helper()
	st := testutil.DocumentType()
	ct, _ := record.FindChangeType(st, testutil.ChangeTitle)
	prev, _ := n.impl.Value(title(doc))
	id := n.persist(t, keeper.Mutation{Subject: st, Change: ct, Major: doc, PreviousValue: prev})
	n.impl.Set(title(doc), quote(value))
	return id
}

func (n *node) importFrom(t *testing.T, peer string) (*syncer.Result, error) {
	t.Helper()
	return n.s.Import(t.Context(), n.centers[peer], record.SyncManualRemote)
}

func (n *node) exports(t *testing.T, peer string) []*record.SyncRecord {
	t.Helper()
	recs, err := n.k.SyncRecords(t.Context(), n.centers[peer])
	require.NoError(t, err)
	return recs
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) SyncStarted(c *record.Center, rec *record.SyncRecord) {
	r.add(fmt.Sprintf("start %s import=%t", c.Name, rec.IsImport))
}

func (r *recorder) SyncFinished(c *record.Center, rec *record.SyncRecord, err error) {
	r.add(fmt.Sprintf("finish %s import=%t ok=%t", c.Name, rec.IsImport, err == nil))
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestImport_CreatePropagates(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	link(t, a, b)
	ctx := t.Context()

	doc := docID(a, 1)
	id := a.create(t, doc, "draft")
	m.clock.Advance(10)

	res, err := b.importFrom(t, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Received)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Applied)
	assert.Zero(t, res.Degraded)
	assert.False(t, res.Snapshot)
	assert.True(t, res.Record.Succeeded())

	v, ok := b.impl.Value(existence(doc))
	require.True(t, ok)
	assert.Equal(t, quote("draft"), v)
	raws, err := b.k.RawChanges(ctx, []int64{id})
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.Equal(t, doc, raws[0].Major)

	exports := a.exports(t, "B")
	require.Len(t, exports, 1)
	assert.False(t, exports[0].IsImport)
	assert.True(t, exports[0].Succeeded())
	assert.Equal(t, res.Record.ID, exports[0].ParallelID)
	assert.Equal(t, exports[0].ID, res.Record.ParallelID)

	assocs, err := a.k.Associations(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []record.Association{{RecordID: exports[0].ID, ChangeID: id}}, assocs)

	seenByB, err := b.k.Center(ctx, b.centers["A"].ID)
	require.NoError(t, err)
	assert.Equal(t, res.Record.Time, seenByB.LastImport)
	seenByA, err := a.k.Center(ctx, a.centers["B"].ID)
	require.NoError(t, err)
	assert.Equal(t, exports[0].Time, seenByA.LastExport)

	assert.Equal(t, []string{"start A import=true", "finish A import=true ok=true"}, b.events.list())
	assert.Equal(t, []string{"start B import=false", "finish B import=false ok=true"}, a.events.list())
}

func TestImport_ClaimsCenterID(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	unclaimed := a.know(t, b, false)
	b.know(t, a, true)

	_, err := a.importFrom(t, "B")
	require.NoError(t, err)

	c, err := a.k.Center(t.Context(), unclaimed.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, c.CenterID)
}

func TestImport_IdempotentFileSync(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	link(t, a, b)
	ctx := t.Context()

	doc := docID(a, 1)
	a.create(t, doc, "draft")
	m.clock.Advance(10)
	a.setTitle(t, doc, "first")
	m.clock.Advance(10)

	var buf bytes.Buffer
	exported, err := a.s.ExportFile(ctx, a.centers["B"], &buf)
	require.NoError(t, err)
	assert.True(t, exported.Pending())
	assert.Equal(t, record.SyncFile, exported.Type)
	data := buf.Bytes()

	receipt, res, err := b.s.ImportFile(ctx, b.centers["A"], bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 2, res.Applied)
	state := b.impl.Values()
	require.NoError(t, a.s.HandleReceipt(ctx, receipt))

	again, res, err := b.s.ImportFile(ctx, b.centers["A"], bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Received)
	assert.Zero(t, res.Imported)
	assert.Equal(t, state, b.impl.Values())

	err = a.s.HandleReceipt(ctx, again)
	assert.True(t, record.HasCode(err, record.ErrCodeRecordClosed), "got %v", err)

	res, err = b.importFrom(t, "A")
	require.NoError(t, err)
	assert.Zero(t, res.Received)
}

func TestImport_NewerLocalModificationWins(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	link(t, a, b)

	doc := docID(a, 1)
	a.create(t, doc, "draft")
	m.clock.Advance(10)
	_, err := b.importFrom(t, "A")
	require.NoError(t, err)

	m.clock.Advance(10)
	fromA := a.setTitle(t, doc, "from A")
	m.clock.Advance(10)
	b.setTitle(t, doc, "from B")
	m.clock.Advance(10)

	res, err := b.importFrom(t, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Zero(t, res.Applied)
	v, _ := b.impl.Value(title(doc))
	assert.Equal(t, quote("from B"), v)
	raws, err := b.k.RawChanges(t.Context(), []int64{fromA})
	require.NoError(t, err)
	assert.Len(t, raws, 1, "the losing change is still recorded")

	res, err = a.importFrom(t, "B")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Received)
	assert.Equal(t, 1, res.Applied)
	v, _ = a.impl.Value(title(doc))
	assert.Equal(t, quote("from B"), v)
}

func TestImport_RemoteCreateReplacesOlderLocalCreate(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	link(t, a, b)

	doc := docID(a, 1)
	b.create(t, doc, "from B")
	m.clock.Advance(10)
	a.create(t, doc, "from A")
	m.clock.Advance(10)

	res, err := b.importFrom(t, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Applied)
	v, _ := b.impl.Value(existence(doc))
	assert.Equal(t, quote("from A"), v, "the later creation wins")

	applied := b.impl.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, syncer.ActionReplace, applied[0].Kind)
}

func TestImport_RemoteCreateKeepsNewerLocalEdit(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	link(t, a, b)

	doc := docID(a, 1)
	b.create(t, doc, "from B")
	m.clock.Advance(10)
	fromA := a.create(t, doc, "from A")
	m.clock.Advance(10)
	b.setTitle(t, doc, "edited at B")
	m.clock.Advance(10)

	res, err := b.importFrom(t, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Received)
	assert.Equal(t, 1, res.Imported)
	assert.Zero(t, res.Applied, "a newer local edit blocks the replace")
	assert.Empty(t, b.impl.Applied())

	v, _ := b.impl.Value(existence(doc))
	assert.Equal(t, quote("from B"), v)
	v, _ = b.impl.Value(title(doc))
	assert.Equal(t, quote("edited at B"), v)

	raws, err := b.k.RawChanges(t.Context(), []int64{fromA})
	require.NoError(t, err)
	assert.Len(t, raws, 1, "the skipped creation is still recorded")
}

func TestImport_CreateThenDelete(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	link(t, a, b)

	doc := docID(a, 1)
	a.create(t, doc, "draft")
	m.clock.Advance(10)
	a.remove(t, doc)
	m.clock.Advance(10)

	res, err := b.importFrom(t, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 2, res.Applied)

	_, ok := b.impl.Value(existence(doc))
	assert.False(t, ok)
	applied := b.impl.Applied()
	require.Len(t, applied, 2)
	assert.Equal(t, syncer.ActionCreate, applied[0].Kind)
	assert.Equal(t, syncer.ActionDelete, applied[1].Kind)
}

func TestExport_RetriesFailedChanges(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	link(t, a, b)
	ctx := t.Context()

	doc := docID(a, 1)
	id := a.create(t, doc, "draft")
	m.clock.Advance(10)
	b.impl.FailOn[id] = true

	res, err := b.importFrom(t, "A")
	require.Error(t, err)
	var batch *record.BatchError
	require.True(t, errors.As(err, &batch))
	assert.Len(t, batch.Failures, 1)
	assert.Equal(t, 1, res.Imported)
	assert.Zero(t, res.Applied)

	assocs, err := b.k.Associations(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []record.Association{{RecordID: res.Record.ID, ChangeID: id, Error: true}}, assocs)

	exports := a.exports(t, "B")
	require.Len(t, exports, 1)
	assert.Contains(t, exports[0].ErrorText(), "apply changes")
	has, err := a.k.HasSyncExportError(ctx, id)
	require.NoError(t, err)
	assert.True(t, has)
	pending, err := a.k.PendingExportErrors(ctx, a.centers["B"].ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, pending)

	delete(b.impl.FailOn, id)
	m.clock.Advance(10)
	res, err = b.importFrom(t, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Received, "the failed change is resent")
	assert.Zero(t, res.Imported)
	assert.Equal(t, 1, res.Applied)

	has, err = a.k.HasSyncExportError(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestExport_RetryBudgetExhausted(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, []memkeeper.Option{memkeeper.WithMaxSyncTries(2)})
	b := m.node(t, "B", 2, nil)
	link(t, a, b)
	ctx := t.Context()

	id := a.create(t, docID(a, 1), "draft")
	b.impl.FailOn[id] = true

	for range 2 {
		m.clock.Advance(10)
		res, err := b.importFrom(t, "A")
		require.Error(t, err)
		assert.Equal(t, 1, res.Received)
	}

	has, err := a.k.HasSyncExportError(ctx, id)
	require.NoError(t, err)
	assert.False(t, has, "retry budget spent")

	m.clock.Advance(10)
	res, err := b.importFrom(t, "A")
	require.NoError(t, err)
	assert.Zero(t, res.Received)
}

func TestImport_IdentityMismatch(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	b.know(t, a, true)
	wrong := record.NewCenter("B")
	wrong.CenterID = 9
	wrong.ServerURL = url("B")
	require.NoError(t, a.k.PutCenter(t.Context(), nil, wrong))

	res, err := a.s.Import(t.Context(), wrong, record.SyncAutomatic)
	require.Error(t, err)
	assert.True(t, record.IsIdentityMismatch(err))
	assert.False(t, res.Record.Pending())
	assert.False(t, res.Record.Succeeded())

	exports := b.exports(t, "A")
	require.Len(t, exports, 1)
	assert.False(t, exports[0].Pending(), "error receipt was delivered")
	assert.False(t, exports[0].Succeeded())

	c, err := a.k.Center(t.Context(), wrong.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, c.CenterID)
}

func TestImport_SelfSync(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	ctx := t.Context()

	self, err := a.k.SelfCenter(ctx)
	require.NoError(t, err)
	_, err = a.s.Import(ctx, self, record.SyncManualRemote)
	assert.True(t, record.HasCode(err, record.ErrCodeSelfSync), "got %v", err)
	recs, err := a.k.SyncRecords(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, recs)

	echo := record.NewCenter("Echo")
	echo.ServerURL = url("A")
	require.NoError(t, a.k.PutCenter(ctx, nil, echo))
	res, err := a.s.Import(ctx, echo, record.SyncManualRemote)
	assert.True(t, record.HasCode(err, record.ErrCodeSelfSync), "got %v", err)
	assert.False(t, res.Record.Succeeded())
}

func TestExport_UnknownCenter(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	a.know(t, b, true)

	res, err := a.importFrom(t, "B")
	assert.True(t, record.HasCode(err, record.ErrCodeUnknownCenter), "got %v", err)
	assert.False(t, res.Record.Pending())

	recs, err := b.k.SyncRecords(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestImport_NoDialer(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil, syncer.WithDialer(nil))
	b := m.node(t, "B", 2, nil)
	link(t, a, b)

	res, err := a.importFrom(t, "B")
	assert.True(t, record.HasCode(err, record.ErrCodeTransport), "got %v", err)
	assert.Contains(t, res.Record.ErrorText(), "TRANSPORT")
}

func TestHandleReceipt(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	link(t, a, b)
	ctx := t.Context()

	missing, err := syncer.EncodeReceipt(syncer.Receipt{CenterID: 2, RecordID: 12345})
	require.NoError(t, err)
	err = a.s.HandleReceipt(ctx, missing)
	assert.True(t, record.HasCode(err, record.ErrCodeReceiptNotFound), "got %v", err)

	res, err := a.importFrom(t, "B")
	require.NoError(t, err)
	ofImport, err := syncer.EncodeReceipt(syncer.Receipt{CenterID: 2, RecordID: res.Record.ID})
	require.NoError(t, err)
	err = a.s.HandleReceipt(ctx, ofImport)
	assert.True(t, record.HasCode(err, record.ErrCodeReceiptNotFound), "import records take no receipts")

	exported, err := a.s.ExportFile(ctx, a.centers["B"], &bytes.Buffer{})
	require.NoError(t, err)
	forged, err := syncer.EncodeReceipt(syncer.Receipt{CenterID: 5, RecordID: exported.ID})
	require.NoError(t, err)
	assert.True(t, record.IsIdentityMismatch(a.s.HandleReceipt(ctx, forged)))

	good, err := syncer.EncodeReceipt(syncer.Receipt{CenterID: 2, ClientRecordID: 77, RecordID: exported.ID})
	require.NoError(t, err)
	require.NoError(t, a.s.HandleReceipt(ctx, good))
	closed, err := a.k.SyncRecord(ctx, exported.ID)
	require.NoError(t, err)
	assert.True(t, closed.Succeeded())
	assert.Equal(t, int64(77), closed.ParallelID)

	err = a.s.HandleReceipt(ctx, good)
	assert.True(t, record.HasCode(err, record.ErrCodeRecordClosed), "got %v", err)
	assert.Error(t, a.s.HandleReceipt(ctx, []byte("not hex")))
}

// cancelAfterAnswer cancels the session once the peer has answered.
type cancelAfterAnswer struct {
	inner  syncer.Dialer
	cancel context.CancelFunc

	receipts   [][]byte
	receiptErr error
}

func (d *cancelAfterAnswer) Dial(ctx context.Context, c *record.Center) (syncer.Transport, error) {
	t, err := d.inner.Dial(ctx, c)
	if err != nil {
		return nil, err
	}
	return &cancellingTransport{Transport: t, d: d}, nil
}

type cancellingTransport struct {
	syncer.Transport
	d *cancelAfterAnswer
}

func (t *cancellingTransport) Sync(ctx context.Context, req *syncer.SyncRequest) (*syncer.SyncResponse, error) {
	resp, err := t.Transport.Sync(ctx, req)
	t.d.cancel()
	return resp, err
}

func (t *cancellingTransport) SendReceipt(ctx context.Context, receipt []byte) error {
	t.d.receiptErr = ctx.Err()
	t.d.receipts = append(t.d.receipts, receipt)
	return t.Transport.SendReceipt(ctx, receipt)
}

func TestImport_CancelledAfterAnswer(t *testing.T) {
	m := newMesh()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	dialer := &cancelAfterAnswer{inner: m.net, cancel: cancel}
	a := m.node(t, "A", 1, nil, syncer.WithDialer(dialer))
	b := m.node(t, "B", 2, nil)
	link(t, a, b)
	b.create(t, docID(b, 1), "draft")
	m.clock.Advance(10)

	res, err := a.s.Import(ctx, a.centers["B"], record.SyncAutomatic)
	require.Error(t, err)
	assert.True(t, record.HasCode(err, record.ErrCodeCancelled), "got %v", err)
	assert.Contains(t, res.Record.ErrorText(), "CANCELLED")

	require.Len(t, dialer.receipts, 1)
	assert.NoError(t, dialer.receiptErr, "receipt is sent on a live context")
	receipt, err := syncer.DecodeReceipt(dialer.receipts[0])
	require.NoError(t, err)
	assert.True(t, receipt.Failed())

	exports := b.exports(t, "A")
	require.Len(t, exports, 1)
	assert.Contains(t, exports[0].ErrorText(), "CANCELLED")
}

func TestSyncAll(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	c := m.node(t, "C", 3, nil, syncer.WithParallelism(1))
	link(t, c, a)
	link(t, c, b)
	ctx := t.Context()

	a.create(t, docID(a, 1), "from A")
	b.create(t, docID(b, 1), "from B")
	m.clock.Advance(10)

	offline := record.NewCenter("Offline")
	require.NoError(t, c.k.PutCenter(ctx, nil, offline))
	retired := record.NewCenter("Retired")
	retired.ServerURL = url("Retired")
	require.NoError(t, c.k.PutCenter(ctx, nil, retired))
	require.NoError(t, c.k.RemoveCenter(ctx, keeper.NewTxn(c.user), retired))

	results, err := c.s.SyncAll(ctx, record.SyncAutomatic)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, 1, r.Applied)
	}
	_, ok := c.impl.Value(existence(docID(a, 1)))
	assert.True(t, ok)
	_, ok = c.impl.Value(existence(docID(b, 1)))
	assert.True(t, ok)

	ghost := record.NewCenter("Ghost")
	ghost.CenterID = 9
	ghost.ServerURL = "loop://nowhere"
	require.NoError(t, c.k.PutCenter(ctx, nil, ghost))

	results, err = c.s.SyncAll(ctx, record.SyncAutomatic)
	require.Error(t, err)
	assert.Len(t, results, 3)
	var batch *record.BatchError
	require.True(t, errors.As(err, &batch))
	assert.Len(t, batch.Failures, 1)
	assert.True(t, record.HasCode(err, record.ErrCodeTransport))
}

func TestExport_SnapshotAfterPurge(t *testing.T) {
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil)
	link(t, a, b)
	ctx := t.Context()

	doc := docID(a, 1)
	id := a.create(t, doc, "draft")
	m.clock.Advance(10)
	n, err := a.k.PurgeBatch(ctx, []int64{id})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := b.importFrom(t, "A")
	require.NoError(t, err)
	assert.True(t, res.Snapshot)
	assert.Zero(t, res.Received)
	v, ok := b.impl.Value(existence(doc))
	require.True(t, ok)
	assert.Equal(t, quote("draft"), v)

	res, err = b.importFrom(t, "A")
	require.NoError(t, err)
	assert.False(t, res.Snapshot, "peer is known to hold the purged history")
}

func TestImport_UnknownTypeIsKept(t *testing.T) {
	widget := &record.ExternalSubjectType{SubjectName: "widget", Major: "widget"}
	m := newMesh()
	a := m.node(t, "A", 1, []memkeeper.Option{
		memkeeper.WithRegistry(record.NewRegistry(testutil.DocumentType(), widget)),
	})
	b := m.node(t, "B", 2, nil)
	link(t, a, b)

	id := a.persist(t, keeper.Mutation{Subject: widget, Additivity: record.Creation, Major: docID(a, 7)})
	m.clock.Advance(10)

	res, err := b.importFrom(t, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Degraded)
	assert.Zero(t, res.Applied)

	changes, err := b.k.Changes(t.Context(), []int64{id})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.IsType(t, &record.ChangeRecordError{}, changes[0])
}

func TestImport_RecordsSpans(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	m := newMesh()
	a := m.node(t, "A", 1, nil)
	b := m.node(t, "B", 2, nil, syncer.WithTracerProvider(tp))
	link(t, a, b)
	a.create(t, docID(a, 1), "draft")
	m.clock.Advance(10)

	_, err := b.importFrom(t, "A")
	require.NoError(t, err)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "syncer.import", ended[0].Name())
	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "B-1", attrs["meshlog.session"])
	assert.Equal(t, "A", attrs["meshlog.center"])
	assert.Equal(t, "1", attrs["meshlog.applied"])
}
