package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

// fakeNode answers JSON-RPC requests from a per-method handler table.
type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) (any, *Error)
	requests []request
}

func newFakeNode(t *testing.T) (*fakeNode, *Client) {
	t.Helper()
	node := &fakeNode{handlers: make(map[string]func([]json.RawMessage) (any, *Error))}
	srv := httptest.NewServer(http.HandlerFunc(node.serve))
	t.Cleanup(srv.Close)
	return node, New(srv.URL, time.Second)
}

func (n *fakeNode) handle(method string, h func(params []json.RawMessage) (any, *Error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      uint64            `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	n.requests = append(n.requests, request{JSONRPC: req.JSONRPC, ID: req.ID, Method: req.Method})
	h, ok := n.handlers[req.Method]
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = Error{Code: -32601, Message: "method not found"}
	} else if result, rpcErr := h(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func counterData(id string, version any, owner any, value string) map[string]any {
	return map[string]any{
		"objectId": id,
		"version":  version,
		"type":     "0xpkg::counter::Counter",
		"owner":    owner,
		"content": map[string]any{
			"dataType": "moveObject",
			"type":     "0xpkg::counter::Counter",
			"fields":   map[string]any{"id": map[string]any{"id": id}, "value": value},
		},
	}
}

func TestClient_BuildMoveCall(t *testing.T) {
	node, client := newFakeNode(t)

	var got []json.RawMessage
	node.handle("unsafe_moveCall", func(params []json.RawMessage) (any, *Error) {
		got = params
		return map[string]any{"txBytes": base64.StdEncoding.EncodeToString([]byte("unsigned"))}, nil
	})

	call := models.MoveCall{Package: "0xpkg", Module: "counter", Function: "increment_personal_counter", Arguments: []string{"0xobj"}}
	txBytes, err := client.BuildMoveCall(context.Background(), "0xsender", call, 5_000_000)
	require.NoError(t, err)
	assert.Equal(t, []byte("unsigned"), txBytes)

	require.Len(t, got, 8)
	var sender, fn, budget string
	require.NoError(t, json.Unmarshal(got[0], &sender))
	require.NoError(t, json.Unmarshal(got[3], &fn))
	require.NoError(t, json.Unmarshal(got[7], &budget))
	assert.Equal(t, "0xsender", sender)
	assert.Equal(t, "increment_personal_counter", fn)
	assert.Equal(t, "5000000", budget)
	assert.JSONEq(t, `["0xobj"]`, string(got[5]))
}

func TestClient_Execute(t *testing.T) {
	tests := []struct {
		name       string
		effects    map[string]any
		wantStatus models.TxStatus
		wantError  string
	}{
		{"success", map[string]any{"status": map[string]any{"status": "success"}}, models.TxSuccess, ""},
		{"abort", map[string]any{"status": map[string]any{"status": "failure", "error": "MoveAbort(EUnderflow)"}}, models.TxFailure, "MoveAbort(EUnderflow)"},
		{"failure without reason", map[string]any{"status": map[string]any{"status": "failure"}}, models.TxFailure, "status failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, client := newFakeNode(t)
			node.handle("sui_executeTransactionBlock", func(params []json.RawMessage) (any, *Error) {
				var mode string
				_ = json.Unmarshal(params[3], &mode)
				if mode != "WaitForLocalExecution" {
					return nil, &Error{Code: -32602, Message: "bad mode " + mode}
				}
				return map[string]any{"digest": "D1g3st", "effects": tt.effects}, nil
			})

			res, err := client.Execute(context.Background(), []byte("tx"), []byte("sig"))
			require.NoError(t, err)
			assert.Equal(t, "D1g3st", res.Digest)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantError, res.Error)
		})
	}
}

func TestClient_GetObject(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("sui_getObject", func(params []json.RawMessage) (any, *Error) {
		var id string
		_ = json.Unmarshal(params[0], &id)
		if id == "0xgone" {
			return map[string]any{"error": map[string]any{"code": "deleted"}}, nil
		}
		return map[string]any{"data": counterData(id, "17", map[string]any{"AddressOwner": "0xowner"}, "5")}, nil
	})

	obj, err := client.GetObject(context.Background(), "0xobj")
	require.NoError(t, err)
	assert.Equal(t, "0xobj", obj.ObjectID)
	assert.Equal(t, uint64(17), obj.Version)
	assert.Equal(t, "0xowner", obj.Owner)

	value, err := ledger.CounterValue(obj.Fields)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), value)

	_, err = client.GetObject(context.Background(), "0xgone")
	assert.ErrorIs(t, err, ledger.ErrObjectNotFound)
}

func TestClient_GetObjectSharedOwner(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("sui_getObject", func(params []json.RawMessage) (any, *Error) {
		shared := map[string]any{"Shared": map[string]any{"initial_shared_version": 3}}
		return map[string]any{"data": counterData("0xglobal", 9, shared, "100")}, nil
	})

	obj, err := client.GetObject(context.Background(), "0xglobal")
	require.NoError(t, err)
	assert.Empty(t, obj.Owner)
	assert.Equal(t, uint64(9), obj.Version, "numeric versions decode too")
}

func TestClient_GetOwnedObjectsPaging(t *testing.T) {
	node, client := newFakeNode(t)

	var cursors []json.RawMessage
	node.handle("suix_getOwnedObjects", func(params []json.RawMessage) (any, *Error) {
		cursors = append(cursors, params[2])
		owner := map[string]any{"AddressOwner": "0xowner"}
		if string(params[2]) == "null" {
			return map[string]any{
				"data":        []any{map[string]any{"data": counterData("0x1", "1", owner, "0")}},
				"nextCursor":  "page-2",
				"hasNextPage": true,
			}, nil
		}
		return map[string]any{
			"data": []any{
				map[string]any{"data": counterData("0x2", "2", owner, "4")},
				map[string]any{"error": map[string]any{"code": "displayError"}},
			},
			"nextCursor":  nil,
			"hasNextPage": false,
		}, nil
	})

	objs, err := client.GetOwnedObjects(context.Background(), "0xowner", "0xpkg::counter::Counter")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "0x1", objs[0].ObjectID)
	assert.Equal(t, "0x2", objs[1].ObjectID)

	require.Len(t, cursors, 2)
	assert.JSONEq(t, `"page-2"`, string(cursors[1]))
}

func TestClient_RPCError(t *testing.T) {
	node, client := newFakeNode(t)
	node.handle("sui_getObject", func(params []json.RawMessage) (any, *Error) {
		return nil, &Error{Code: -32000, Message: "node overloaded"}
	})

	_, err := client.GetObject(context.Background(), "0xobj")
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32000, rpcErr.Code)
}

func TestClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).GetObject(context.Background(), "0xobj")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 502")
}

func TestFlexUint(t *testing.T) {
	var v struct {
		A flexUint `json:"a"`
		B flexUint `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"12","b":34}`), &v))
	assert.Equal(t, flexUint(12), v.A)
	assert.Equal(t, flexUint(34), v.B)

	assert.Error(t, json.Unmarshal([]byte(`{"a":"x"}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &v))
}
