package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/credentials/oauth"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/jmerrifield20/mtlsclient/pkg/retry"
)

// grpcTarget returns target, or host:port of base when target is empty.
func grpcTarget(target string, base *url.URL) string {
	if target != "" {
		return target
	}
	port := base.Port()
	if port == "" {
		port = "443"
		if base.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(base.Hostname(), port)
}

// dialGRPC creates the channel. grpc.NewClient does not connect; the first
// RPC does.
func dialGRPC(target string, opts Options, retryOpts []retry.Option) (*grpc.ClientConn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    30 * time.Second,
			Timeout: keepaliveTimeout(opts.Timeout),
		}),
		grpc.WithChainUnaryInterceptor(
			requestIDInterceptor,
			retry.UnaryClientInterceptor(retryOpts...),
		),
	}

	if strings.HasPrefix(opts.BaseURL, "http://") && opts.TLSConfig == nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(opts.TLSConfig)))
		if opts.TokenSource != nil {
			dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(oauth.TokenSource{TokenSource: opts.TokenSource}))
		}
	}

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc channel %q: %w", target, err)
	}
	return conn, nil
}

func keepaliveTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 20 * time.Second
	}
	return d
}

// requestIDInterceptor gives every RPC an x-request-id, kept across retries.
func requestIDInterceptor(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromOutgoingContext(ctx); !ok || len(md.Get(RequestIDHeader)) == 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, strings.ToLower(RequestIDHeader), newRequestID())
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}
