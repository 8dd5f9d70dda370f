package server

import (
	"context"
	"encoding/json"

	"github.com/multipaz/readercred/pkg/metrics"
	"github.com/multipaz/readercred/pkg/protocol"
	"github.com/multipaz/readercred/pkg/rcerrors"
	"github.com/multipaz/readercred/pkg/transport"
)

// NewRouter wires a Backend's four RPCs onto a transport.MethodRouter,
// timing and counting each call via RPCRequestsTotal and RPCDuration.
func NewRouter(b *Backend) *transport.MethodRouter {
	router := transport.NewMethodRouter()

	router.Handle(protocol.MethodGetNonce, instrument(protocol.MethodGetNonce, func(ctx context.Context, body []byte) (interface{}, error) {
		return b.GetNonce(ctx)
	}))

	router.Handle(protocol.MethodRegister, instrument(protocol.MethodRegister, func(ctx context.Context, body []byte) (interface{}, error) {
		var req protocol.RegisterRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, malformedRequest(err)
		}
		return b.Register(ctx, req)
	}))

	router.Handle(protocol.MethodCertifyKeys, instrument(protocol.MethodCertifyKeys, func(ctx context.Context, body []byte) (interface{}, error) {
		var req protocol.CertifyKeysRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, malformedRequest(err)
		}
		return b.CertifyKeys(ctx, req)
	}))

	router.Handle(protocol.MethodGetIssuerList, instrument(protocol.MethodGetIssuerList, func(ctx context.Context, body []byte) (interface{}, error) {
		var req protocol.GetIssuerListRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, malformedRequest(err)
			}
		}
		return b.GetIssuerList(ctx, req)
	}))

	return router
}

func instrument(method string, h transport.Handler) transport.Handler {
	return func(ctx context.Context, body []byte) (interface{}, error) {
		timer := metrics.NewTimer()
		resp, err := h(ctx, body)

		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.RPCRequestsTotal.WithLabelValues(method, outcome).Inc()
		timer.ObserveDurationVec(metrics.RPCDuration, method)

		return resp, err
	}
}

func malformedRequest(err error) error {
	return rcerrors.InternalServerError("malformed request body: %v", err)
}
