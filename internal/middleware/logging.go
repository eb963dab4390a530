package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"connectrpc.com/connect"
)

// LoggingInterceptor returns a Connect interceptor that logs every RPC call.
// It logs the procedure name, principal, remote address, duration, and any
// error codes/messages. Place it inside the auth interceptor so the principal
// is known.
func LoggingInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			procedure := req.Spec().Procedure
			principal := GetPrincipal(ctx) // empty if unauthenticated

			resp, err := next(ctx, req)

			attrs := []any{
				"procedure", procedure,
				"principal", principal,
				"peer", req.Peer().Addr,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err == nil {
				logger.Info("RPC ok", attrs...)
				return resp, nil
			}

			var connectErr *connect.Error
			if errors.As(err, &connectErr) && !serverFault(connectErr.Code()) {
				logger.Warn("RPC error", append(attrs, "code", connectErr.Code(), "error", connectErr.Message())...)
			} else {
				logger.Error("RPC error", append(attrs, "error", err)...)
			}
			return resp, err
		}
	}
}

func serverFault(code connect.Code) bool {
	switch code {
	case connect.CodeInternal, connect.CodeUnknown, connect.CodeDataLoss, connect.CodeUnavailable:
		return true
	}
	return false
}
