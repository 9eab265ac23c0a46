package syncer

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/roach88/meshlog/internal/record"
)

// ReceiptMethod is the method name carried by every receipt.
const ReceiptMethod = "syncReceipt"

// SyncRequest is what an importing center sends to the exporter.
type SyncRequest struct {
	// CenterID is the global ID of the importing center.
	CenterID int `json:"centerID"`
	// RecordID is the importer's sync record for this attempt.
	RecordID int64           `json:"recordID"`
	SyncType record.SyncType `json:"syncType"`
	Now      int64           `json:"now"`
	// Since is the importer's watermark matrix.
	Since []record.WatermarkEntry `json:"since"`
}

// SyncResponse is the exporter's answer.
type SyncResponse struct {
	CenterID int   `json:"centerID"`
	RecordID int64 `json:"recordID"`
	// Latest is the exporter's own watermark matrix.
	Latest []record.WatermarkEntry `json:"latest"`
	// Snapshot is the full application state, sent when the importer is
	// behind history the exporter already purged.
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Changes  []Change        `json:"changes"`
}

// Change is a change on the wire together with the exporter's current
// value of the fact it touches.
type Change struct {
	record.Raw
	Value json.RawMessage `json:"value,omitempty"`
}

// Receipt acknowledges an import. Field order is part of the wire format.
type Receipt struct {
	Method         string  `json:"method"`
	CenterID       int     `json:"centerID"`
	ClientRecordID int64   `json:"clientRecordID"`
	RecordID       int64   `json:"recordID"`
	SyncError      *string `json:"syncError"`
}

// Failed reports whether the importer reported an error.
func (r Receipt) Failed() bool { return r.SyncError != nil }

// EncodeReceipt returns the hex-encoded JSON form of r.
func EncodeReceipt(r Receipt) ([]byte, error) {
	r.Method = ReceiptMethod
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	out := make([]byte, hex.EncodedLen(len(data)))
	hex.Encode(out, data)
	return out, nil
}

// DecodeReceipt parses a hex-encoded receipt.
func DecodeReceipt(data []byte) (Receipt, error) {
	raw := make([]byte, hex.DecodedLen(len(data)))
	n, err := hex.Decode(raw, data)
	if err != nil {
		return Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(raw[:n], &r); err != nil {
		return Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	if r.Method != ReceiptMethod {
		return Receipt{}, fmt.Errorf("decode receipt: unexpected method %q", r.Method)
	}
	return r, nil
}
