// Package client is the entry point of mtlsclient.
//
// A Manager owns one lazily built mutual-TLS transport and hands out typed
// service proxies bound to it, creating each proxy type at most once. Every
// HTTP call made through a proxy passes the retry layer: 2xx and 4xx answers
// are returned as they are, anything else is retried up to five times, 200 ms
// apart.
//
// # Creating a manager
//
// Nothing is read from disk and no connection is opened until the first
// proxy is requested:
//
//	m, err := client.New(client.Config{
//	    BaseURL:      "https://api.example.com",
//	    CertFile:     "/etc/app/client.p12",
//	    CertPassword: os.Getenv("CERT_PASSWORD"),
//	}, client.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err) // errors.Is(err, client.ErrConfigurationMissing)
//	}
//	defer m.Close()
//
// # Typed proxies
//
// A proxy is any type built from the shared transport. Service calls the
// factory once per type and returns the cached instance afterwards:
//
//	type AccountsAPI struct{ t *transport.Transport }
//
//	func NewAccountsAPI(t *transport.Transport) *AccountsAPI { return &AccountsAPI{t: t} }
//
//	func (a *AccountsAPI) Get(ctx context.Context, id string) (*Account, error) {
//	    var out Account
//	    res, err := a.t.Call(ctx, http.MethodGet, "accounts/"+id, nil, &out)
//	    if err != nil {
//	        return nil, err // transport failure or *retry.ExhaustedError
//	    }
//	    if res.Verdict() != retry.Success {
//	        return nil, fmt.Errorf("accounts: HTTP %d", res.StatusCode)
//	    }
//	    return &out, nil
//	}
//
//	accounts, err := client.Service(ctx, m, NewAccountsAPI)
//
// Generated gRPC clients use the channel that shares the same TLS config:
//
//	health, err := client.GRPCService(ctx, m, grpc_health_v1.NewHealthClient)
//
// # Build failures
//
// A keystore that cannot be read or decrypted surfaces as a
// *tlsutil.ConstructionError from the first Service call. The manager stays
// uninitialized and the next call tries again, so fixing the file on disk is
// enough to recover.
//
// # Server trust
//
// Config.Trust defaults to tlsutil.AcceptAll, which accepts any server chain.
// Use TrustPolicyFor or a tlsutil policy directly to verify servers:
//
//	policy, err := client.TrustPolicyFor(client.TrustPinned, nil, []string{fingerprint})
package client
