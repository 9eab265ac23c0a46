package record

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginCenter_RecoversIssuer(t *testing.T) {
	for _, center := range []int{0, 1, 2, 57, 9_000} {
		p := PartitionFor(center)
		assert.Equal(t, center, OriginCenter(p.Start))
		assert.Equal(t, center, OriginCenter(p.End-1))
		assert.True(t, p.Contains(p.Start))
		assert.False(t, p.Contains(p.End))
	}
}

func TestPartition_DisjointAcrossCenters(t *testing.T) {
	a := PartitionFor(1)
	b := PartitionFor(2)
	assert.Equal(t, a.End, b.Start)
	assert.False(t, a.Contains(b.Start))
}

func TestPartition_Clamp(t *testing.T) {
	p := PartitionFor(3)
	assert.Equal(t, p.Start, p.Clamp(0))
	assert.Equal(t, p.Start+10, p.Clamp(p.Start+10))
	assert.Equal(t, p.Start, p.Clamp(p.End))
}

func TestRegistry_BuiltinsAndExternal(t *testing.T) {
	doc := &ExternalSubjectType{
		SubjectName: "document",
		Major:       "document",
		Changes:     []ChangeType{FieldChange{Field: "title"}},
	}
	reg := NewRegistry(doc)

	st, ok := reg.Subject("center")
	require.True(t, ok)
	assert.Equal(t, DomainInternal, st.Domain())

	st, ct, err := reg.Resolve("document", "title")
	require.NoError(t, err)
	assert.Equal(t, DomainExternal, st.Domain())
	assert.Equal(t, "title", ct.Name())

	_, _, err = reg.Resolve("document", "body")
	assert.Error(t, err)

	assert.Error(t, reg.Register(doc), "duplicate registration must fail")
	assert.True(t, reg.IsInternal("autoPurge"))
	assert.False(t, reg.IsInternal("document"))
}

func TestMarshalScalar_Canonical(t *testing.T) {
	data, err := MarshalScalar(map[string]any{"zebra": "z", "apple": int64(1), "mango": true})
	require.NoError(t, err)
	assert.Equal(t, `{"apple":1,"mango":true,"zebra":"z"}`, string(data))

	data, err = MarshalScalar("a<b>&c")
	require.NoError(t, err)
	assert.Equal(t, `"a<b>&c"`, string(data))

	data, err = MarshalScalar("line\u2028sep")
	require.NoError(t, err)
	assert.Equal(t, "\"line\u2028sep\"", string(data))

	data, err = MarshalScalar(`back\u2028slash`)
	require.NoError(t, err)
	assert.Equal(t, `"back\\u2028slash"`, string(data))

	_, err = MarshalScalar(1.5)
	assert.Error(t, err)
}

func TestUnmarshalScalar_Integers(t *testing.T) {
	v, err := UnmarshalScalar([]byte(`9007199254740993`))
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), v)

	v, err = UnmarshalScalar([]byte(`{"n":[1,"x",null]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": []any{int64(1), "x", nil}}, v)

	_, err = UnmarshalScalar([]byte(`1.25`))
	assert.Error(t, err)
}

type stubResolver struct {
	err error
}

func (s stubResolver) GetUser(id int64) (User, error) {
	return User{ID: id, Name: fmt.Sprintf("user-%d", id)}, nil
}

func (s stubResolver) GetData(st SubjectType, ct ChangeType, raw Raw) (ChangeData, error) {
	if s.err != nil {
		return ChangeData{}, s.err
	}
	return ChangeData{Major: fmt.Sprintf("obj-%d", raw.Major)}, nil
}

func TestDecode_ResolvedRecord(t *testing.T) {
	reg := NewRegistry()
	text := `"old name"`
	raw := Raw{
		ID: 1_000_000_005, Time: 42, UserID: 7,
		SubjectType: "center", ChangeType: CenterName, Additivity: Modification,
		Major: 1_000_000_001, PreValueText: &text,
	}

	ch := Decode(raw, reg, stubResolver{})
	rec, ok := ch.(*ChangeRecord)
	require.True(t, ok, "expected *ChangeRecord, got %T", ch)
	assert.Equal(t, "old name", rec.PreviousValue)
	assert.Equal(t, "user-7", rec.User.Name)
	assert.Equal(t, "obj-1000000001", rec.Major.Value)
	assert.Equal(t, 1, ChangeSubjectCenter(rec))

	back, err := ToRaw(rec)
	require.NoError(t, err)
	assert.Equal(t, raw, back)
}

func TestDecode_DegradesUnknownTypes(t *testing.T) {
	reg := NewRegistry()
	minor := int64(77)
	raw := Raw{ID: 2_000_000_001, Time: 5, SubjectType: "removedPlugin", ChangeType: "field", Major: 2_000_000_009, Minor: &minor}

	ch := Decode(raw, reg, nil)
	rec, ok := ch.(*ChangeRecordError)
	require.True(t, ok)
	assert.Contains(t, rec.Cause, "removedPlugin")
	assert.Equal(t, 2, ChangeSubjectCenter(rec))
	assert.Equal(t, &minor, rec.Refs().Minor)

	back, err := ToRaw(rec)
	require.NoError(t, err)
	assert.Equal(t, raw, back)
}

func TestDecode_DegradesMalformedPreviousValue(t *testing.T) {
	bad := `{not json`
	raw := Raw{ID: 1, SubjectType: "center", ChangeType: CenterName, PreValueText: &bad}
	_, ok := Decode(raw, NewRegistry(), nil).(*ChangeRecordError)
	assert.True(t, ok)
}

func TestDecode_DegradesResolverFailure(t *testing.T) {
	raw := Raw{ID: 1, SubjectType: "center", Major: 3}
	ch := Decode(raw, NewRegistry(), stubResolver{err: errors.New("gone")})
	rec, ok := ch.(*ChangeRecordError)
	require.True(t, ok)
	assert.Contains(t, rec.Cause, "gone")
}

func TestCenterDiff_OneFieldPerChange(t *testing.T) {
	old := NewCenter("A")
	old.ServerURL = "https://a"
	updated := old.Clone()
	updated.Name = "B"
	updated.ChangeSaveTime = 1000
	updated.ClientUser = &User{ID: 4}
	updated.LastExport = 99 // not audited

	diff := updated.Diff(old)
	names := make([]string, len(diff))
	for i, d := range diff {
		names[i] = d.Name
	}
	assert.Equal(t, []string{CenterName, CenterClientUser, CenterChangeSaveTime}, names)
	assert.Equal(t, "A", diff[0].Old)
}

func TestSyncRecord_ClosesOnce(t *testing.T) {
	rec := NewSyncRecord(NewCenter("peer"), SyncAutomatic, 10, true)
	assert.True(t, rec.Pending())

	require.NoError(t, rec.Close(errors.New("connection refused")))
	assert.Equal(t, "connection refused", rec.ErrorText())

	err := rec.Close(nil)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeRecordClosed))
	assert.Equal(t, "connection refused", rec.ErrorText())
}

func TestAutoPurger_Excludes(t *testing.T) {
	count := 5
	p := &AutoPurger{
		EntryCount:    &count,
		ExcludedUsers: []User{{ID: 9}},
		ExcludedTypes: []RecordType{{SubjectType: "doc", ChangeType: "", Additivity: Creation}},
	}
	require.NoError(t, p.Validate())
	assert.True(t, p.Excludes(Raw{UserID: 9, SubjectType: "x"}))
	assert.True(t, p.Excludes(Raw{UserID: 1, SubjectType: "doc", Additivity: Creation}))
	assert.False(t, p.Excludes(Raw{UserID: 1, SubjectType: "doc", Additivity: Removal}))

	neg := -1
	assert.True(t, HasCode((&AutoPurger{EntryCount: &neg}).Validate(), ErrCodeBadPolicy))

	cp := p.Clone()
	*cp.EntryCount = 1
	assert.Equal(t, 5, *p.EntryCount)
}

func TestRecordType_RoundTrip(t *testing.T) {
	rt := RecordType{SubjectType: "doc", ChangeType: "title", Additivity: Modification}
	parsed, err := ParseRecordType(rt.String())
	require.NoError(t, err)
	assert.Equal(t, rt, parsed)

	_, err = ParseRecordType("doc/title/7")
	assert.Error(t, err)
}

func TestWatermarks_RaiseAndEntries(t *testing.T) {
	w := Watermarks{}
	w.Raise(Pair{2, 1}, 10)
	w.Raise(Pair{2, 1}, 5)
	w.Raise(Pair{1, 1}, 7)
	assert.Equal(t, int64(10), w.Get(Pair{2, 1}))
	assert.Equal(t, int64(-1), w.Get(Pair{3, 3}))

	entries := w.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Origin)
	assert.Equal(t, w, WatermarksFrom(entries))
}

func TestBatchError_Aggregates(t *testing.T) {
	b := &BatchError{Op: "purge"}
	assert.NoError(t, b.Err())
	b.Add(nil)
	b.Add(NewNoUserError("x"))
	b.Add(errors.New("disk"))
	err := b.Err()
	require.Error(t, err)
	assert.True(t, IsNoUser(err))
	assert.Contains(t, err.Error(), "2 failure(s)")
}
