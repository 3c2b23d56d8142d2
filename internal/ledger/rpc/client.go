// Package rpc - Ledger access over a full node's JSON-RPC endpoint.
//
// The client speaks JSON-RPC 2.0 over HTTP and implements ledger.Backend:
// unsafe_moveCall to build, sui_executeTransactionBlock to execute,
// sui_getObject and suix_getOwnedObjects to read.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/internal/ledger"
	"github.com/N3xt-Ep0ch-L4bs/Counter-Dapp/pkg/models"
)

const ownedPageLimit = 50

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client is a JSON-RPC client for one full node.
type Client struct {
	url    string
	client *http.Client
	nextID atomic.Uint64
	logger *slog.Logger
}

// New creates a client for the node at url.
//
// Parameters:
//   - url: JSON-RPC endpoint (e.g., "https://fullnode.testnet.sui.io:443")
//   - timeout: per-request timeout; 0 means 15s
func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: slog.Default().With("component", "ledger_rpc"),
	}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// call performs one JSON-RPC round trip and decodes result into out.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	c.logger.Debug("rpc call", "method", method, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, truncate(respBody, 200))
	}

	var rpcResp response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// BuildMoveCall asks the node to build an unsigned move call transaction.
func (c *Client) BuildMoveCall(ctx context.Context, sender string, call models.MoveCall, gasBudget uint64) ([]byte, error) {
	args := make([]any, 0, len(call.Arguments))
	for _, a := range call.Arguments {
		args = append(args, a)
	}
	params := []any{
		sender,
		call.Package,
		call.Module,
		call.Function,
		[]string{}, // type arguments
		args,
		nil, // node picks the gas object
		strconv.FormatUint(gasBudget, 10),
	}

	var result struct {
		TxBytes string `json:"txBytes"`
	}
	if err := c.call(ctx, "unsafe_moveCall", params, &result); err != nil {
		return nil, err
	}
	txBytes, err := base64.StdEncoding.DecodeString(result.TxBytes)
	if err != nil {
		return nil, fmt.Errorf("decode txBytes: %w", err)
	}
	return txBytes, nil
}

// Execute submits a signed transaction and waits for local execution.
func (c *Client) Execute(ctx context.Context, txBytes, signature []byte) (*models.ExecutionResult, error) {
	params := []any{
		base64.StdEncoding.EncodeToString(txBytes),
		[]string{base64.StdEncoding.EncodeToString(signature)},
		map[string]bool{"showEffects": true},
		"WaitForLocalExecution",
	}

	var result struct {
		Digest  string `json:"digest"`
		Effects struct {
			Status struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			} `json:"status"`
		} `json:"effects"`
	}
	if err := c.call(ctx, "sui_executeTransactionBlock", params, &result); err != nil {
		return nil, err
	}

	out := &models.ExecutionResult{Digest: result.Digest, Status: models.TxSuccess}
	if result.Effects.Status.Status != "success" {
		out.Status = models.TxFailure
		out.Error = result.Effects.Status.Error
		if out.Error == "" {
			out.Error = "status " + result.Effects.Status.Status
		}
	}
	return out, nil
}

var objectOptions = map[string]bool{
	"showType":    true,
	"showOwner":   true,
	"showContent": true,
}

// objectData mirrors the node's SuiObjectData.
type objectData struct {
	ObjectID string          `json:"objectId"`
	Version  flexUint        `json:"version"`
	Type     string          `json:"type"`
	Owner    json.RawMessage `json:"owner"`
	Content  *struct {
		DataType string         `json:"dataType"`
		Type     string         `json:"type"`
		Fields   map[string]any `json:"fields"`
	} `json:"content"`
}

type objectResponse struct {
	Data  *objectData `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

// GetObject reads one object. Missing and deleted objects map to ledger.ErrObjectNotFound.
func (c *Client) GetObject(ctx context.Context, objectID string) (*ledger.Object, error) {
	var result objectResponse
	if err := c.call(ctx, "sui_getObject", []any{objectID, objectOptions}, &result); err != nil {
		return nil, err
	}
	if result.Data == nil {
		code := "unknown"
		if result.Error != nil {
			code = result.Error.Code
		}
		return nil, fmt.Errorf("%w: %s", ledger.ErrObjectNotFound, code)
	}
	obj, err := result.Data.toObject()
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

// GetOwnedObjects lists every object of structType owned by owner, following cursors.
func (c *Client) GetOwnedObjects(ctx context.Context, owner, structType string) ([]ledger.Object, error) {
	query := map[string]any{
		"filter":  map[string]string{"StructType": structType},
		"options": objectOptions,
	}

	var out []ledger.Object
	var cursor any
	for {
		var page struct {
			Data        []objectResponse `json:"data"`
			NextCursor  *string          `json:"nextCursor"`
			HasNextPage bool             `json:"hasNextPage"`
		}
		if err := c.call(ctx, "suix_getOwnedObjects", []any{owner, query, cursor, ownedPageLimit}, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Data {
			if item.Data == nil {
				continue
			}
			obj, err := item.Data.toObject()
			if err != nil {
				c.logger.Warn("skipping undecodable owned object", "object_id", item.Data.ObjectID, "error", err)
				continue
			}
			out = append(out, obj)
		}
		if !page.HasNextPage || page.NextCursor == nil {
			return out, nil
		}
		cursor = *page.NextCursor
	}
}

func (d *objectData) toObject() (ledger.Object, error) {
	obj := ledger.Object{
		ObjectID: d.ObjectID,
		Version:  uint64(d.Version),
		Type:     d.Type,
		Owner:    decodeOwner(d.Owner),
	}
	if d.Content == nil || d.Content.DataType != "moveObject" {
		return obj, fmt.Errorf("%w: %s is not a move object", ledger.ErrUnexpectedShape, d.ObjectID)
	}
	if obj.Type == "" {
		obj.Type = d.Content.Type
	}
	obj.Fields = d.Content.Fields
	return obj, nil
}

// decodeOwner returns the owning address, or "" for shared and immutable objects.
func decodeOwner(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var owner struct {
		AddressOwner string `json:"AddressOwner"`
		ObjectOwner  string `json:"ObjectOwner"`
	}
	if err := json.Unmarshal(raw, &owner); err != nil {
		return ""
	}
	if owner.AddressOwner != "" {
		return owner.AddressOwner
	}
	return owner.ObjectOwner
}

// flexUint decodes u64 values sent either as JSON strings or numbers.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		*f = flexUint(n)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("version is neither string nor number")
	}
	*f = flexUint(n)
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
