package syncclient

import "encoding/json"

// Wire types of the sync HTTP API.

type PushRequest struct {
	ClientID string       `json:"client_id"`
	Upserts  []TableBatch `json:"upserts"`
}

type TableBatch struct {
	Table string            `json:"table"`
	Rows  []json.RawMessage `json:"rows"`
}

type RowError struct {
	Index int    `json:"index"`
	RowID string `json:"row_id,omitempty"`
	Error string `json:"error"`
}

type TableResult struct {
	Table    string     `json:"table"`
	Applied  int        `json:"applied"`
	Rejected int        `json:"rejected"`
	Errors   []RowError `json:"errors"`
}

type PushResult struct {
	BatchID       string        `json:"batch_id"`
	Tables        []TableResult `json:"tables"`
	Applied       int           `json:"applied"`
	Rejected      int           `json:"rejected"`
	LastServerSeq int64         `json:"last_server_seq"`
}

type pushResponse struct {
	OK     bool       `json:"ok"`
	Result PushResult `json:"result"`
}

// Change is one entry of a pull page. PayloadJSON is the row encoded as a
// JSON string.
type Change struct {
	Table       string `json:"table"`
	RowID       string `json:"row_id"`
	Op          string `json:"op"`
	PayloadJSON string `json:"payload_json"`
	ServerSeq   int64  `json:"server_seq"`
}

type PullPage struct {
	ServerCursor  int64    `json:"server_cursor"`
	ServerLastSeq int64    `json:"server_last_seq"`
	HasMore       bool     `json:"has_more"`
	Changes       []Change `json:"changes"`
}

type effectiveResponse struct {
	OK          bool            `json:"ok"`
	Permissions map[string]bool `json:"permissions"`
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
