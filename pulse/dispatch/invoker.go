package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/httpclient"
)

// maxResponseBytes caps how much of a target's response body is read.
const maxResponseBytes = 1 << 20

// LogIDHeader carries the record id alongside the payload.
const LogIDHeader = "X-Cadence-Log-Id"

// Invocation is one call to a definition's target.
type Invocation struct {
	DefinitionID int64
	LogID        string
	URL          string
	Payload      json.RawMessage

	// Sent is called once the request has been written to the target.
	// Invokers that cannot tell leave it uncalled; the dispatcher then
	// treats an error as a failure to deliver.
	Sent func()
}

// Response is what the target answered.
type Response struct {
	StatusCode int
	Body       []byte
}

// Invoker issues invocations. An error means no response was received;
// whether the target got the payload is told by Invocation.Sent.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, inv Invocation) (*Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (*Response, error) {
	return f(ctx, inv)
}

// HTTPInvoker POSTs the payload as JSON.
type HTTPInvoker struct {
	client *httpclient.Client
}

// NewHTTPInvoker creates an invoker. timeout bounds a single request (0 = none);
// a request that times out after it was written leaves its record pending.
// blockPrivate refuses targets on private networks.
func NewHTTPInvoker(timeout time.Duration, blockPrivate bool) *HTTPInvoker {
	return &HTTPInvoker{client: httpclient.New(httpclient.Options{
		Timeout:         timeout,
		BlockPrivateIPs: blockPrivate,
	})}
}

// NewHTTPInvokerWithClient uses an existing client.
func NewHTTPInvokerWithClient(c *httpclient.Client) *HTTPInvoker {
	return &HTTPInvoker{client: c}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, inv Invocation) (*Response, error) {
	if inv.Sent != nil {
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			WroteRequest: func(info httptrace.WroteRequestInfo) {
				if info.Err == nil {
					inv.Sent()
				}
			},
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.URL, bytes.NewReader(inv.Payload))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build request for %s", inv.URL)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(LogIDHeader, inv.LogID)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read response from %s", inv.URL)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
