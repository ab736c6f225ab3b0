// Package transport implements the client side of the exchange: a
// ServerConnection that runs RequestOperations against the hub over a
// pull-only request/response transport.
//
//	Enqueue(op1) ─┐                     ┌─ running (≤ MaxConcurrent) ──→ Exchanger ──→ hub
//	Enqueue(op2) ─┼─→ FIFO wait queue ──┤
//	Enqueue(op3) ─┘                     └─ callback fires once per op: result | error
//
// Every operation ends in exactly one callback invocation, whether it
// succeeds, fails, times out, is canceled or its connection is closed.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"push-rpc/protocol"
)

// Exchange is one request on the wire.
type Exchange struct {
	Endpoint  string
	SessionID string
	Body      []byte
}

// ExchangeResponse is the transport's answer to an Exchange.
type ExchangeResponse struct {
	Status    int
	SessionID string
	Body      []byte
	Header    http.Header
}

// Exchanger performs a single exchange. Implementations must honor ctx.
type Exchanger interface {
	Exchange(ctx context.Context, x Exchange) (*ExchangeResponse, error)
}

// StatusError is returned for non-200 HTTP answers.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: unexpected HTTP status %d %s", e.Status, http.StatusText(e.Status))
}

// HTTPExchanger posts envelopes with net/http.
type HTTPExchanger struct {
	client           *http.Client
	maxResponseBytes int64
}

// NewHTTPExchanger uses client, or http.DefaultClient when nil. Responses
// larger than maxResponseBytes are rejected (0 means 64 MiB).
func NewHTTPExchanger(client *http.Client, maxResponseBytes int64) *HTTPExchanger {
	if client == nil {
		client = http.DefaultClient
	}
	if maxResponseBytes <= 0 {
		maxResponseBytes = 64 << 20
	}
	return &HTTPExchanger{client: client, maxResponseBytes: maxResponseBytes}
}

func (e *HTTPExchanger) Exchange(ctx context.Context, x Exchange) (*ExchangeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.Endpoint, bytes.NewReader(x.Body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", protocol.ContentType)
	if x.SessionID != "" {
		req.Header.Set(protocol.SessionHeader, x.SessionID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > e.maxResponseBytes {
		return nil, fmt.Errorf("transport: response exceeds %d bytes", e.maxResponseBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Status: resp.StatusCode}
	}
	return &ExchangeResponse{
		Status:    resp.StatusCode,
		SessionID: resp.Header.Get(protocol.SessionHeader),
		Body:      body,
		Header:    resp.Header,
	}, nil
}
