package retry

import (
	"context"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusFromError maps a gRPC call result onto the HTTP status space used by
// Classify. A nil error is 200.
func StatusFromError(err error) int {
	if err == nil {
		return runtime.HTTPStatusFromCode(codes.OK)
	}
	return runtime.HTTPStatusFromCode(status.Code(err))
}

// UnaryClientInterceptor applies the retry policy to unary gRPC calls.
// Terminal codes (those mapping to 4xx, e.g. InvalidArgument, NotFound,
// Unauthenticated) are returned unchanged; Unavailable, Internal and friends
// are retried.
func UnaryClientInterceptor(opts ...Option) grpc.UnaryClientInterceptor {
	cfg := newConfig(opts)
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		retries := 0
		for {
			err := invoker(ctx, method, req, reply, cc, callOpts...)
			code := StatusFromError(err)
			verdict := Classify(code)
			cfg.hooks.attempt(verdict, code)
			cfg.logVerdict(verdict, code, retries)

			if verdict != RetryableFailure {
				return err
			}
			if retries >= cfg.maxRetries {
				cfg.hooks.exhausted(code, retries)
				cfg.logger.Error("gRPC call failed after retries",
					zap.String("method", method),
					zap.Int("status", code),
					zap.Int("attempts", retries),
					zap.Error(err),
				)
				return &ExhaustedError{StatusCode: code, Attempts: retries, Err: err}
			}

			retries++
			cfg.hooks.retry(retries, code)
			cfg.logger.Debug("gRPC call KO, retrying",
				zap.String("method", method),
				zap.String("code", status.Code(err).String()),
				zap.Int("attempt", retries),
			)
			if werr := cfg.clock.Sleep(ctx, cfg.interval); werr != nil {
				return werr
			}
		}
	}
}
