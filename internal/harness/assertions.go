package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/search"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s\n", event.Seq, event.Action(), event.Detail)
		}
	}

	return buf.String()
}

// assertTraceContains checks if the trace contains an event with the
// given action whose detail contains assertion.Detail.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Action() == assertion.Action && strings.Contains(event.Detail, assertion.Detail) {
			return nil
		}
	}

	expected := assertion.Action
	if assertion.Detail != "" {
		expected += fmt.Sprintf(" with detail %q", assertion.Detail)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive, and a repeated action matches its
// next occurrence.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for _, want := range assertion.Actions {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Action() == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual:   fmt.Sprintf("%s missing or out of order", want),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the action appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Action() == assertion.Action {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertValue checks the application value of a document field at a center.
func assertValue(h *Harness, assertion Assertion) error {
	doc, err := h.docID(assertion.Doc)
	if err != nil {
		return err
	}
	fact := existence(doc)
	if assertion.Field == FieldTitle {
		fact = titleFact(doc)
	}
	field := assertion.Field
	if field == "" {
		field = FieldExists
	}
	where := fmt.Sprintf("%s of %s at %s", field, assertion.Doc, assertion.Center)

	got, ok := h.nodes[assertion.Center].impl.Value(fact)
	switch {
	case assertion.Absent && ok:
		return &AssertionError{Type: AssertValue, Expected: where + " absent", Actual: got}
	case assertion.Absent:
		return nil
	case !ok:
		return &AssertionError{Type: AssertValue, Expected: fmt.Sprintf("%s = %s", where, jsonString(assertion.Value)), Actual: "absent"}
	case got != jsonString(assertion.Value):
		return &AssertionError{Type: AssertValue, Expected: fmt.Sprintf("%s = %s", where, jsonString(assertion.Value)), Actual: got}
	}
	return nil
}

// assertChanges checks how many changes a center's log holds, local-only
// ones included.
func assertChanges(ctx context.Context, h *Harness, assertion Assertion) error {
	ids, err := h.nodes[assertion.Center].k.Search(ctx, nil, search.Sorter{})
	if err != nil {
		return fmt.Errorf("changes at %s: %w", assertion.Center, err)
	}
	if len(ids) != assertion.Count {
		return &AssertionError{
			Type:     AssertChanges,
			Expected: fmt.Sprintf("%d changes at %s", assertion.Count, assertion.Center),
			Actual:   fmt.Sprintf("%d changes", len(ids)),
		}
	}
	return nil
}

// assertSyncRecords checks the sync records a center holds for a peer.
func assertSyncRecords(ctx context.Context, h *Harness, assertion Assertion) error {
	n := h.nodes[assertion.Center]
	recs, err := n.k.SyncRecords(ctx, n.peers[assertion.Peer])
	if err != nil {
		return fmt.Errorf("sync records at %s: %w", assertion.Center, err)
	}
	var matched []*record.SyncRecord
	for _, r := range recs {
		if assertion.Direction == "" || direction(r) == assertion.Direction {
			matched = append(matched, r)
		}
	}

	what := fmt.Sprintf("records at %s for %s", assertion.Center, assertion.Peer)
	if assertion.Direction != "" {
		what = assertion.Direction + " " + what
	}
	if len(matched) != assertion.Count {
		return &AssertionError{
			Type:     AssertSyncRecords,
			Expected: fmt.Sprintf("%d %s", assertion.Count, what),
			Actual:   fmt.Sprintf("%d records", len(matched)),
		}
	}
	if assertion.Status == "" || len(matched) == 0 {
		return nil
	}
	last := matched[0]
	for _, r := range matched[1:] {
		if r.ID > last.ID {
			last = r
		}
	}
	if got := recordStatus(last); got != assertion.Status {
		return &AssertionError{
			Type:     AssertSyncRecords,
			Expected: fmt.Sprintf("latest of %s %s", what, assertion.Status),
			Actual:   got,
		}
	}
	return nil
}

func recordStatus(r *record.SyncRecord) string {
	switch {
	case r.Pending():
		return "pending"
	case r.Succeeded():
		return "ok"
	default:
		return "failed"
	}
}

// assertCenterID checks the global ID a center has on file for a peer.
func assertCenterID(ctx context.Context, h *Harness, assertion Assertion) error {
	n := h.nodes[assertion.Center]
	c, err := n.k.Center(ctx, n.peers[assertion.Peer].ID)
	if err != nil {
		return fmt.Errorf("center %s at %s: %w", assertion.Peer, assertion.Center, err)
	}
	if c.CenterID != assertion.ID {
		return &AssertionError{
			Type:     AssertCenterID,
			Expected: fmt.Sprintf("%s knows %s as %d", assertion.Center, assertion.Peer, assertion.ID),
			Actual:   fmt.Sprintf("%d", c.CenterID),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against a finished run.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(h.result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(h.result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(h.result.Trace, assertion)
		case AssertValue:
			err = assertValue(h, assertion)
		case AssertChanges:
			err = assertChanges(ctx, h, assertion)
		case AssertSyncRecords:
			err = assertSyncRecords(ctx, h, assertion)
		case AssertCenterID:
			err = assertCenterID(ctx, h, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
