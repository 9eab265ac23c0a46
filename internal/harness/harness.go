package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/memkeeper"
	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/search"
	"github.com/roach88/meshlog/internal/syncer"
	"github.com/roach88/meshlog/internal/testutil"
)

// StartTime is the manual clock reading every run starts at.
const StartTime int64 = 1_000_000

// docOffset places scenario documents inside their origin's ID range.
const docOffset = 900

// Harness holds the centers of one scenario run.
type Harness struct {
	clock  *testutil.ManualClock
	net    *syncer.Loopback
	nodes  map[string]*node
	order  []string
	logger *slog.Logger
	result *Result
}

// node is one center of the run.
type node struct {
	name  string
	id    int
	k     *memkeeper.Keeper
	s     *syncer.Synchronizer
	impl  *testutil.FakeImpl
	user  record.User
	peers map[string]*record.Center
}

// Run executes a scenario and returns the result.
//
// Every run starts from fresh in-memory keepers. An error is returned
// when the run itself could not proceed; failed expectations and
// assertions are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	h := &Harness{
		clock:  testutil.NewManualClock(StartTime),
		net:    syncer.NewLoopback(),
		nodes:  make(map[string]*node, len(scenario.Centers)),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		result: NewResult(),
	}
	defer h.close()

	for _, c := range scenario.Centers {
		if err := h.addNode(c); err != nil {
			return nil, fmt.Errorf("center %s: %w", c.Name, err)
		}
	}
	for i, l := range scenario.Links {
		if err := h.link(ctx, l); err != nil {
			return nil, fmt.Errorf("links[%d]: %w", i, err)
		}
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for _, errMsg := range EvaluateAssertions(ctx, h, scenario.Assertions) {
		h.result.AddError(errMsg)
	}
	return h.result, nil
}

func (h *Harness) addNode(c CenterSpec) error {
	n := &node{
		name:  c.Name,
		id:    c.ID,
		impl:  testutil.NewFakeImpl(),
		user:  record.User{ID: int64(c.ID)*record.IDRange + 5, Name: "user@" + c.Name},
		peers: make(map[string]*record.Center),
	}
	opts := []memkeeper.Option{
		memkeeper.WithClock(h.clock.Now),
		memkeeper.WithRegistry(testutil.NewRegistry()),
		memkeeper.WithPersister(testutil.NewFakePersister(n.user)),
		memkeeper.WithLogger(h.logger),
	}
	if c.MaxTries > 0 {
		opts = append(opts, memkeeper.WithMaxSyncTries(c.MaxTries))
	}
	k, err := memkeeper.New(c.ID, opts...)
	if err != nil {
		return err
	}
	n.k = k
	n.s = syncer.New(k,
		syncer.WithImpl(n.impl),
		syncer.WithDialer(h.net),
		syncer.WithClock(h.clock.Now),
		syncer.WithLogger(h.logger),
		syncer.WithTokenGenerator(testutil.NewSequentialSessionGenerator(c.Name)),
		syncer.WithObserver(&traceObserver{center: c.Name, result: h.result}),
	)
	h.net.Register(loopURL(c.Name), n.s)
	h.nodes[c.Name] = n
	h.order = append(h.order, c.Name)
	return nil
}

func loopURL(name string) string { return "loop://" + name }

func (h *Harness) link(ctx context.Context, l Link) error {
	from, to := h.nodes[l.From], h.nodes[l.To]
	c := record.NewCenter(to.name)
	c.ServerURL = loopURL(to.name)
	switch {
	case l.ID != nil:
		c.CenterID = *l.ID
	case !l.Unclaimed:
		c.CenterID = to.id
	}
	// Registration is configuration, not an audited change.
	if err := from.k.PutCenter(ctx, nil, c); err != nil {
		return err
	}
	from.peers[to.name] = c
	return nil
}

func (h *Harness) close() {
	for _, name := range h.order {
		h.net.Unregister(loopURL(name))
		h.nodes[name].k.Close()
	}
}

// docID resolves "ORIGIN/N" to the document's major ID.
func (h *Harness) docID(ref string) (int64, error) {
	origin, seq, err := parseDoc(ref)
	if err != nil {
		return 0, err
	}
	n, ok := h.nodes[origin]
	if !ok {
		return 0, fmt.Errorf("document %q: unknown origin %q", ref, origin)
	}
	return int64(n.id)*record.IDRange + docOffset + seq, nil
}

func existence(doc int64) syncer.Fact {
	return syncer.Fact{SubjectType: testutil.DocumentSubject, Major: doc, Existence: true}
}

func titleFact(doc int64) syncer.Fact {
	return syncer.Fact{SubjectType: testutil.DocumentSubject, ChangeType: testutil.ChangeTitle, Major: doc}
}

// jsonString is the stored form of a scenario value.
func jsonString(s string) string { return strconv.Quote(s) }

// execute runs one step and records it in the trace.
func (h *Harness) execute(ctx context.Context, i int, step Step) error {
	if step.Do == DoAdvance {
		h.clock.Advance(step.Ms)
		h.result.AddTrace(clockCenter, OpAdvance, fmt.Sprintf("%dms", step.Ms))
		return nil
	}

	n := h.nodes[step.Center]
	switch step.Do {
	case DoCreate, DoTitle, DoRemove:
		doc, err := h.docID(step.Doc)
		if err != nil {
			return err
		}
		if err := n.edit(ctx, step.Do, doc, step.Value); err != nil {
			return fmt.Errorf("%s %s at %s: %w", step.Do, step.Doc, n.name, err)
		}
		detail := step.Doc
		if step.Do != DoRemove {
			detail += " = " + step.Value
		}
		h.result.AddTrace(n.name, step.Do, detail)

	case DoPurge:
		count, err := n.purgeAll(ctx)
		if err != nil {
			return fmt.Errorf("purge at %s: %w", n.name, err)
		}
		h.result.AddTrace(n.name, OpPurge, fmt.Sprintf("%d changes", count))

	case DoImport:
		res, err := n.s.Import(ctx, n.peers[step.Peer], record.SyncManualRemote)
		h.result.AddTrace(n.name, OpImport, importDetail(step.Peer, res, err))
		for _, msg := range checkImport(step.Expect, res, err) {
			h.result.AddError(fmt.Sprintf("steps[%d]: import %s <- %s: %s", i, n.name, step.Peer, msg))
		}
		h.logger.Info("import step completed", "step", i, "center", n.name, "peer", step.Peer, "error", err)

	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}
	return nil
}

// edit records a document change the way an application would: log the
// change, then store the new value.
func (n *node) edit(ctx context.Context, do string, doc int64, value string) error {
	st := testutil.DocumentType()
	m := keeper.Mutation{Subject: st, Major: doc}
	fact := existence(doc)
	switch do {
	case DoCreate:
		m.Additivity = record.Creation
	case DoRemove:
		m.Additivity = record.Removal
	case DoTitle:
		ct, ok := record.FindChangeType(st, testutil.ChangeTitle)
		if !ok {
			return fmt.Errorf("document type has no %s change", testutil.ChangeTitle)
		}
		fact = titleFact(doc)
		m.Change = ct
		if prev, ok := n.impl.Value(fact); ok {
			m.PreviousValue = prev
		}
	}
	if _, err := n.k.Persist(ctx, keeper.NewTxn(n.user), m); err != nil {
		return err
	}
	if do == DoRemove {
		n.impl.Remove(fact)
	} else {
		n.impl.Set(fact, jsonString(value))
	}
	return nil
}

func (n *node) purgeAll(ctx context.Context) (int, error) {
	ids, err := n.k.Search(ctx, nil, search.SortBy(search.Asc(search.SortChangeTime)))
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return n.k.PurgeBatch(ctx, ids)
}

func importDetail(peer string, res *syncer.Result, err error) string {
	if err != nil {
		return fmt.Sprintf("from %s: %s", peer, errorCode(err))
	}
	return fmt.Sprintf("from %s: received=%d imported=%d applied=%d degraded=%d snapshot=%t",
		peer, res.Received, res.Imported, res.Applied, res.Degraded, res.Snapshot)
}

func errorCode(err error) string {
	if code := record.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

// checkImport compares an import outcome with its expectation.
func checkImport(want *SyncExpect, res *syncer.Result, err error) []string {
	if want == nil {
		if err != nil {
			return []string{fmt.Sprintf("unexpected error: %v", err)}
		}
		return nil
	}
	if want.Code != "" {
		if err == nil {
			return []string{fmt.Sprintf("expected error %s, import succeeded", want.Code)}
		}
		if got := errorCode(err); got != want.Code {
			return []string{fmt.Sprintf("expected error %s, got %s (%v)", want.Code, got, err)}
		}
		return nil
	}
	if err != nil {
		return []string{fmt.Sprintf("unexpected error: %v", err)}
	}

	var msgs []string
	check := func(name string, want *int, got int) {
		if want != nil && *want != got {
			msgs = append(msgs, fmt.Sprintf("%s: expected %d, got %d", name, *want, got))
		}
	}
	check("received", want.Received, res.Received)
	check("imported", want.Imported, res.Imported)
	check("applied", want.Applied, res.Applied)
	check("degraded", want.Degraded, res.Degraded)
	if want.Snapshot != nil && *want.Snapshot != res.Snapshot {
		msgs = append(msgs, fmt.Sprintf("snapshot: expected %t, got %t", *want.Snapshot, res.Snapshot))
	}
	return msgs
}

// traceObserver records sync attempts of one center.
type traceObserver struct {
	center string
	result *Result
}

func (o *traceObserver) SyncStarted(c *record.Center, rec *record.SyncRecord) {
	o.result.AddTrace(o.center, OpSyncStarted, direction(rec)+" "+centerName(c))
}

func (o *traceObserver) SyncFinished(c *record.Center, rec *record.SyncRecord, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	o.result.AddTrace(o.center, OpSyncFinished, direction(rec)+" "+centerName(c)+" "+status)
}

func centerName(c *record.Center) string {
	if c == nil {
		return "?"
	}
	return c.Name
}

func direction(rec *record.SyncRecord) string {
	if rec.IsImport {
		return "import"
	}
	return "export"
}
