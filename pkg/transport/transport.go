// Package transport implements the reader-credential-lifecycle wire
// protocol: JSON bodies, POST-only, one URL per method
// (<baseUrl>/<method>). It has a client side (readerclient and
// issuertrust dial out with it) and a server side (a MethodRouter that
// pkg/server mounts on an http.ServeMux).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/multipaz/readercred/pkg/log"
	"github.com/multipaz/readercred/pkg/protocol"
	"github.com/multipaz/readercred/pkg/rcerrors"
)

// Client calls a reader backend's four RPCs over HTTP POST.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a Client with a sane default timeout. baseURL should
// not have a trailing slash.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Call POSTs req as JSON to <BaseURL>/<method> and decodes the response
// body into resp. A non-2xx response is translated into an *rcerrors.Error
// — 404 becomes RegistrationLost (the only 404 case in this protocol is an
// unrecognized registrationId on certifyKeys), anything else becomes
// Transport.
func (c *Client) Call(ctx context.Context, method string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return rcerrors.TransportError("marshal %s request: %v", method, err)
	}

	url := c.BaseURL + "/" + method
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return rcerrors.TransportError("build %s request: %v", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return rcerrors.TransportError("%s: %v", method, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return rcerrors.TransportError("%s: read response: %v", method, err)
	}

	if httpResp.StatusCode == http.StatusNotFound {
		return rcerrors.RegistrationLostError("%s: registration not found", method)
	}
	if httpResp.StatusCode != http.StatusOK {
		return rcerrors.TransportError("%s: unexpected status %d: %s", method, httpResp.StatusCode, string(respBody))
	}

	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, resp); err != nil {
		return rcerrors.TransportError("%s: decode response: %v", method, err)
	}
	return nil
}

// GetNonce calls getNonce.
func (c *Client) GetNonce(ctx context.Context) (protocol.GetNonceResponse, error) {
	var resp protocol.GetNonceResponse
	err := c.Call(ctx, protocol.MethodGetNonce, protocol.GetNonceRequest{}, &resp)
	return resp, err
}

// Register calls register.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	err := c.Call(ctx, protocol.MethodRegister, req, &resp)
	return resp, err
}

// CertifyKeys calls certifyKeys.
func (c *Client) CertifyKeys(ctx context.Context, req protocol.CertifyKeysRequest) (protocol.CertifyKeysResponse, error) {
	var resp protocol.CertifyKeysResponse
	err := c.Call(ctx, protocol.MethodCertifyKeys, req, &resp)
	return resp, err
}

// GetIssuerList calls getIssuerList.
func (c *Client) GetIssuerList(ctx context.Context, req protocol.GetIssuerListRequest) (protocol.GetIssuerListResponse, error) {
	var resp protocol.GetIssuerListResponse
	err := c.Call(ctx, protocol.MethodGetIssuerList, req, &resp)
	return resp, err
}

// Handler is the shape each of the four method implementations has:
// decode request, do work, return a response or an error.
type Handler func(ctx context.Context, body []byte) (interface{}, error)

// MethodRouter dispatches POST /<method> to a registered Handler. It
// exists separately from pkg/server.Backend so the wire plumbing
// (status codes, JSON encode/decode, logging, metrics) stays out of the
// business logic.
type MethodRouter struct {
	handlers map[string]Handler
}

func NewMethodRouter() *MethodRouter {
	return &MethodRouter{handlers: make(map[string]Handler)}
}

// Handle registers a Handler for the given method name ("getNonce", etc).
func (m *MethodRouter) Handle(method string, h Handler) {
	m.handlers[method] = h
}

// Mount attaches all registered methods to mux at <prefix>/<method>.
func (m *MethodRouter) Mount(mux *http.ServeMux, prefix string) {
	for method, h := range m.handlers {
		mux.HandleFunc(prefix+"/"+method, m.serveMethod(method, h))
	}
}

func (m *MethodRouter) serveMethod(method string, h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, rcerrors.InternalServerError("read request body: %v", err))
			return
		}

		resp, err := h(r.Context(), body)
		if err != nil {
			log.WithComponent("transport").Warn().Str("method", method).Err(err).Msg("rpc failed")
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.WithComponent("transport").Error().Str("method", method).Err(err).Msg("encode response failed")
		}
	}
}

// writeError maps an rcerrors.Kind to an HTTP status. RegistrationLost
// gets its own status (404, so the client's retry logic can key off it
// without parsing the body); the remaining kinds collapse to 400
// (caller's fault) or 500 (ours).
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	rcErr, ok := err.(*rcerrors.Error)
	if ok {
		switch rcErr.Kind {
		case rcerrors.RegistrationLost:
			status = http.StatusNotFound
		case rcerrors.NonceUnknown, rcerrors.AttestationInvalid, rcerrors.AssertionMismatch:
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
		}
	}
	w.WriteHeader(status)
	fmt.Fprintln(w, err.Error())
}
