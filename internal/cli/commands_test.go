package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshlog/internal/search"
	"github.com/roach88/meshlog/internal/syncer"
)

// response is CLIResponse with the payload left undecoded.
type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

// execute runs the CLI with JSON output and decodes the response.
func execute(t *testing.T, args ...string) (response, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--format", "json"}, args...))
	err := cmd.Execute()

	var resp response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), "output: %s", out.String())
	return resp, err
}

// mustExecute runs the CLI and decodes a successful payload into v.
func mustExecute(t *testing.T, v any, args ...string) {
	t.Helper()
	resp, err := execute(t, args...)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)
	if v != nil {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
}

func newDB(t *testing.T, name string, centerID int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	var here CenterView
	mustExecute(t, &here, "--db", path, "init", "--center-id", strconv.Itoa(centerID))
	require.Equal(t, centerID, here.CenterID)
	return path
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.db")

	var here CenterView
	mustExecute(t, &here, "--db", path, "init", "--center-id", "3")
	assert.Equal(t, "Here", here.Name)
	assert.Equal(t, 3, here.CenterID)

	t.Run("same id again", func(t *testing.T) {
		mustExecute(t, nil, "--db", path, "init", "--center-id", "3")
	})

	t.Run("other id", func(t *testing.T) {
		resp, err := execute(t, "--db", path, "init", "--center-id", "4")
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		require.NotNil(t, resp.Error)
		assert.Equal(t, "CENTER_ID_IMMUTABLE", resp.Error.Code)
	})
}

func TestInit_CenterIDFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "meshlog.yaml")
	dbPath := filepath.Join(dir, "from-config.db")
	cfg := "center_id: 5\ndatabase:\n  path: " + dbPath + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	var here CenterView
	mustExecute(t, &here, "--config", cfgPath, "init")
	assert.Equal(t, 5, here.CenterID)
	assert.FileExists(t, dbPath)
}

func TestInit_BadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "meshlog.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: loud\n"), 0o644))

	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", cfgPath, "init"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInstall(t *testing.T) {
	path := newDB(t, "copy", 1)

	var here CenterView
	mustExecute(t, &here, "--db", path, "install", "--center-id", "9")
	assert.Equal(t, "Here", here.Name)
	assert.Equal(t, 9, here.CenterID)

	var centers CenterList
	mustExecute(t, &centers, "--db", path, "centers", "list")
	names := map[string]int{}
	for _, c := range centers {
		names[c.Name] = c.CenterID
	}
	assert.Equal(t, map[string]int{"Here": 9, "Installation": 1}, names)

	t.Run("requires center id", func(t *testing.T) {
		_, err := execute(t, "--db", path, "install")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestCenters_AddListRemove(t *testing.T) {
	path := newDB(t, "a", 1)

	var added CenterView
	mustExecute(t, &added, "--db", path, "centers", "add", "B", "--url", "https://b.example", "--center-id", "2")
	assert.Equal(t, "B", added.Name)
	assert.Equal(t, 2, added.CenterID)
	assert.NotZero(t, added.RowID)

	mustExecute(t, nil, "--db", path, "centers", "add", "C")

	t.Run("duplicate name", func(t *testing.T) {
		_, err := execute(t, "--db", path, "centers", "add", "B")
		require.Error(t, err)
	})

	mustExecute(t, nil, "--db", path, "centers", "remove", "C")

	var live CenterList
	mustExecute(t, &live, "--db", path, "centers", "list")
	require.Len(t, live, 2)
	assert.Equal(t, "Here", live[0].Name)
	assert.Equal(t, "B", live[1].Name)
	assert.Equal(t, "https://b.example", live[1].ServerURL)

	var all CenterList
	mustExecute(t, &all, "--db", path, "centers", "list", "--all")
	require.Len(t, all, 3)
	assert.True(t, all[2].Deleted)

	t.Run("unknown center", func(t *testing.T) {
		resp, err := execute(t, "--db", path, "centers", "remove", "Nobody")
		require.Error(t, err)
		assert.Equal(t, "UNKNOWN_CENTER", resp.Error.Code)
	})
}

func TestHistory(t *testing.T) {
	path := newDB(t, "a", 1)
	mustExecute(t, nil, "--db", path, "--user-id", "7", "--user-name", "ops", "centers", "add", "B")
	mustExecute(t, nil, "--db", path, "--user-id", "8", "centers", "remove", "B")

	var h History
	mustExecute(t, &h, "--db", path, "history", "--subject", "center")
	require.Len(t, h, 2)
	// Newest first.
	assert.Equal(t, "remove", h[0].Additivity)
	assert.Equal(t, "create", h[1].Additivity)
	assert.Greater(t, h[0].Time, h[1].Time)

	mustExecute(t, &h, "--db", path, "history", "--user", "7")
	require.Len(t, h, 1)
	assert.Equal(t, int64(7), h[0].User)

	mustExecute(t, &h, "--db", path, "history", "--limit", "1")
	require.Len(t, h, 1)
	assert.Equal(t, "remove", h[0].Additivity)

	mustExecute(t, &h, "--db", path, "history", "--subject", "autoPurge")
	assert.Empty(t, h)
}

func TestHistoryOptions_Search(t *testing.T) {
	q := HistoryOptions{User: -1}.Search(10_000)
	assert.Empty(t, q.(*search.And).Terms)

	q = HistoryOptions{User: 0, Since: 2 * time.Second, IncludeLocal: true}.Search(10_000)
	terms := q.(*search.And).Terms
	require.Len(t, terms, 3)
	assert.Equal(t, &search.UserIs{User: search.Lit(int64(0))}, terms[0])
	assert.Equal(t, &search.ChangeTime{Op: search.GTE, Value: search.Lit(search.At(8_000))}, terms[1])
	assert.Equal(t, &search.LocalOnly{Value: search.Null[bool]()}, terms[2])
}

func TestPurge_Policy(t *testing.T) {
	path := newDB(t, "a", 1)

	var report PurgeReport
	mustExecute(t, &report, "--db", path, "purge", "preview", "--entries", "100")
	assert.Equal(t, PurgeReport{Action: "preview", Count: 0}, report)

	mustExecute(t, &report, "--db", path, "purge", "apply",
		"--entries", "100", "--exclude-user", "9", "--exclude-type", "center//1")
	assert.Equal(t, "apply", report.Action)

	var policy PolicyView
	mustExecute(t, &policy, "--db", path, "purge", "show")
	require.NotNil(t, policy.EntryCount)
	assert.Equal(t, 100, *policy.EntryCount)
	assert.Nil(t, policy.Age)
	assert.Equal(t, []int64{9}, policy.ExcludedUsers)
	assert.Equal(t, []string{"center//1"}, policy.ExcludedTypes)

	// Each policy difference is recorded.
	var h History
	mustExecute(t, &h, "--db", path, "history", "--subject", "autoPurge")
	assert.Len(t, h, 3)

	var safe SafeTime
	mustExecute(t, &safe, "--db", path, "purge", "safe-time")
	assert.NotZero(t, safe.Time)
}

func TestPurge_BadPolicy(t *testing.T) {
	path := newDB(t, "a", 1)

	tests := map[string][]string{
		"negative entries": {"--entries", "-1"},
		"zero age":         {"--age", "0s"},
		"bad type":         {"--exclude-type", "center"},
	}
	for name, flags := range tests {
		t.Run(name, func(t *testing.T) {
			args := append([]string{"--db", path, "purge", "apply"}, flags...)
			resp, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			require.NotNil(t, resp.Error)
			assert.Equal(t, "BAD_POLICY", resp.Error.Code)
		})
	}
}

func TestPurge_Changes(t *testing.T) {
	path := newDB(t, "a", 1)
	mustExecute(t, nil, "--db", path, "centers", "add", "B")

	var h History
	mustExecute(t, &h, "--db", path, "history")
	require.Len(t, h, 1)

	var report PurgeReport
	mustExecute(t, &report, "--db", path, "purge", "changes", strconv.FormatInt(h[0].ID, 10))
	assert.Equal(t, 1, report.Count)

	mustExecute(t, &h, "--db", path, "history")
	assert.Empty(t, h)

	_, err := execute(t, "--db", path, "purge", "changes", "not-a-number")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSync_FileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := newDB(t, "a", 1)
	b := newDB(t, "b", 2)
	mustExecute(t, nil, "--db", a, "centers", "add", "B", "--center-id", "2")
	mustExecute(t, nil, "--db", b, "centers", "add", "A")

	syncFile := filepath.Join(dir, "a-to-b.json")
	receiptFile := filepath.Join(dir, "receipt.hex")

	var exported SyncReport
	mustExecute(t, &exported, "--db", a, "sync", "export", "B", "-o", syncFile)
	assert.Equal(t, "B", exported.Center)
	assert.NotZero(t, exported.RecordID)

	var imported SyncReport
	mustExecute(t, &imported, "--db", b, "sync", "import", "A", "-i", syncFile, "--receipt-out", receiptFile)
	assert.Nil(t, imported.Error)
	assert.NotEmpty(t, imported.Receipt)

	// B claimed A's global ID from the response.
	var centers CenterList
	mustExecute(t, &centers, "--db", b, "centers", "list")
	require.Len(t, centers, 2)
	assert.Equal(t, 1, centers[1].CenterID)
	assert.NotZero(t, centers[1].LastImport)

	var decoded ReceiptView
	mustExecute(t, &decoded, "receipt", "decode", "@"+receiptFile)
	assert.Equal(t, syncer.ReceiptMethod, decoded.Method)
	assert.Equal(t, 2, decoded.CenterID)
	assert.Equal(t, exported.RecordID, decoded.RecordID)
	assert.Equal(t, imported.RecordID, decoded.ClientRecordID)

	mustExecute(t, nil, "--db", a, "sync", "ack", "@"+receiptFile)

	var recs SyncRecordList
	mustExecute(t, &recs, "--db", a, "sync", "records", "B")
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Status)
	assert.False(t, recs[0].Import)
	assert.Equal(t, imported.RecordID, recs[0].ParallelID)

	t.Run("second ack", func(t *testing.T) {
		resp, err := execute(t, "--db", a, "sync", "ack", "@"+receiptFile)
		require.Error(t, err)
		assert.Equal(t, "RECORD_CLOSED", resp.Error.Code)
	})
}

func TestSync_ExportToSelf(t *testing.T) {
	a := newDB(t, "a", 1)
	out := filepath.Join(t.TempDir(), "self.json")

	resp, err := execute(t, "--db", a, "sync", "export", "Here", "-o", out)
	require.Error(t, err)
	assert.Equal(t, "SELF_SYNC", resp.Error.Code)
}

func TestReceiptDecode(t *testing.T) {
	msg := "disk full"
	data, err := syncer.EncodeReceipt(syncer.Receipt{CenterID: 4, ClientRecordID: 4_000_000_001, RecordID: 1_000_000_002, SyncError: &msg})
	require.NoError(t, err)

	var v ReceiptView
	mustExecute(t, &v, "receipt", "decode", string(data))
	assert.True(t, v.Failed())
	assert.Equal(t, "disk full", *v.SyncError)

	t.Run("text", func(t *testing.T) {
		cmd := NewRootCommand()
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetArgs([]string{"receipt", "decode", string(data)})
		require.NoError(t, cmd.Execute())
		assert.Equal(t, "receipt from center 4: export 1000000002, import 4000000001, failed: disk full\n", out.String())
	})

	t.Run("garbage", func(t *testing.T) {
		resp, err := execute(t, "receipt", "decode", "zz")
		require.Error(t, err)
		assert.Equal(t, ErrCodeGeneric, resp.Error.Code)
	})
}
