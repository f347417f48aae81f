package echo

import (
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// HealthGatewayPath is the REST route that mirrors the gRPC health check.
const HealthGatewayPath = "/v1/health/{service}"

// NewHealthGateway exposes hs over HTTP/JSON:
//
//	GET /v1/health/mtlsclient.echo  ->  {"status":"SERVING"}
//
// Unknown services map to 404 through the gateway's gRPC code translation.
func NewHealthGateway(hs grpc_health_v1.HealthServer) http.Handler {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
			MarshalOptions: protojson.MarshalOptions{
				UseProtoNames:   true,
				EmitUnpopulated: true,
			},
		}),
	)
	_ = mux.HandlePath(http.MethodGet, HealthGatewayPath, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		_, outbound := runtime.MarshalerForRequest(mux, r)
		resp, err := hs.Check(r.Context(), &grpc_health_v1.HealthCheckRequest{Service: params["service"]})
		if err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
			return
		}
		runtime.ForwardResponseMessage(r.Context(), mux, outbound, w, r, resp)
	})
	return mux
}
