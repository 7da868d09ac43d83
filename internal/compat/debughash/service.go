package debughash

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// Oracle is the server-side decision function a Service delegates to: given
// a build-id (hex-encoded) and a path, decide whether the candidate update
// is compatible.
type Oracle func(buildIDHex, path string) (compatible bool, reason string)

// Service implements the DebugHashOracle Connect handler, letting a
// deployment run its own compatibility policy (e.g. backed by a symbol
// database or a CI-produced allowlist) behind the same protocol Client
// speaks.
type Service struct {
	oracle Oracle
}

// NewService wraps oracle as a Connect-servable handler.
func NewService(oracle Oracle) *Service {
	return &Service{oracle: oracle}
}

// Check implements the unary RPC Client.Check calls.
func (s *Service) Check(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	buildIDHex := req.Msg.Fields["build_id"].GetStringValue()
	path := req.Msg.Fields["path"].GetStringValue()

	compatible, reason := s.oracle(buildIDHex, path)

	resp := connect.NewResponse(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"compatible": structpb.NewBoolValue(compatible),
			"reason":     structpb.NewStringValue(reason),
		},
	})
	return resp, nil
}

// Handler returns an http.Handler serving Check at the path Client.Check
// dials, suitable for http.ListenAndServe or net/http/httptest in tests.
func (s *Service) Handler() (string, http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/luci.compat.v1.DebugHashOracle/Check", func(w http.ResponseWriter, r *http.Request) {
		handler := connect.NewUnaryHandler(
			"/luci.compat.v1.DebugHashOracle/Check",
			s.Check,
		)
		handler.ServeHTTP(w, r)
	})
	return "/luci.compat.v1.DebugHashOracle/", mux
}
