package httpapi

import (
	"encoding/json"
	"fmt"

	"github.com/searchraft/searchraft/types"
)

// InitSnapshotPayload is the distinguished log body that triggers a one-shot
// snapshot instead of a mutation. It is used to upgrade a previously
// stand-alone store into a replicated one.
const InitSnapshotPayload = "INIT_SNAPSHOT"

// wireRequest is the log payload form of a Request. This codec is the single
// source of truth for wire compatibility of the replicated log: fields may
// be added but never renamed or repurposed.
type wireRequest struct {
	ID        string   `json:"id"`
	Method    string   `json:"method"`
	Path      string   `json:"path"`
	Query     string   `json:"query,omitempty"`
	Headers   []Header `json:"headers,omitempty"`
	Body      []byte   `json:"body,omitempty"`
	RouteHash uint64   `json:"route_hash"`
}

// EncodeRequest serializes a request into a self-describing byte string for
// the replicated log. Transport-level fields (upstream request, gates,
// streaming state) are not carried.
func EncodeRequest(r *Request) ([]byte, error) {
	w := wireRequest{
		ID:        r.ID,
		Method:    r.Method,
		Path:      r.Path,
		Query:     r.RawQuery,
		Headers:   r.Headers,
		Body:      r.Body,
		RouteHash: uint64(r.RouteHash),
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("httpapi: encode request: %w", err)
	}
	return data, nil
}

// DecodeRequest is the inverse of EncodeRequest. The returned request has a
// fresh input gate and no upstream handle.
func DecodeRequest(data []byte) (*Request, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodecMalformed, err)
	}

	return &Request{
		ID:        w.ID,
		Method:    w.Method,
		Path:      w.Path,
		RawQuery:  w.Query,
		Headers:   w.Headers,
		Body:      w.Body,
		RouteHash: types.RouteCode(w.RouteHash),
		InputGate: NewGate(),
	}, nil
}

// EncodeInitSnapshotSentinel builds the log payload for the snapshot
// sentinel entry.
func EncodeInitSnapshotSentinel() []byte {
	data, _ := json.Marshal(wireRequest{Body: []byte(InitSnapshotPayload)})
	return data
}

// IsInitSnapshotSentinel reports whether a decoded request is the snapshot
// sentinel: no originating request, no id, and the reserved body.
func (r *Request) IsInitSnapshotSentinel() bool {
	return r.Upstream == nil && r.ID == "" && string(r.Body) == InitSnapshotPayload
}
