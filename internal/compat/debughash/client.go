// Package debughash talks to the external "debug hash oracle" socket
// spec.md §4.1 allows ObjectIdentity.Load to consult as a final say on
// whether a candidate update is compatible, queried first by build-id and
// then by path.
package debughash

import (
	"context"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client queries a debug-hash oracle over Connect RPC. The wire message is
// a plain structpb.Struct rather than a hand-authored generated type: the
// oracle's request/response shape is intentionally minimal (a few scalar
// fields) and a real .proto/protoc-gen-go pair would add generated-code
// weight with no benefit over a well-known, already-implemented
// proto.Message, matching how the teacher's own go.mod already carries
// both connectrpc.com/connect and google.golang.org/protobuf without a
// bespoke schema.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a Client targeting baseURL (e.g. "http://127.0.0.1:9191"),
// the URI the --debughash flag in spec.md §6.3 accepts.
func New(baseURL string) *Client {
	return &Client{httpClient: http.DefaultClient, baseURL: baseURL}
}

// Check queries the oracle for buildID (preferred) or path, returning
// whether the candidate version is considered compatible.
func (c *Client) Check(ctx context.Context, buildID []byte, path string) (compatible bool, err error) {
	req := connect.NewRequest(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"build_id": structpb.NewStringValue(fmt.Sprintf("%x", buildID)),
			"path":     structpb.NewStringValue(path),
		},
	})

	client := connect.NewClient[structpb.Struct, structpb.Struct](
		c.httpClient,
		c.baseURL+"/luci.compat.v1.DebugHashOracle/Check",
	)

	resp, err := client.CallUnary(ctx, req)
	if err != nil {
		return false, fmt.Errorf("debughash: oracle call: %w", err)
	}

	v, ok := resp.Msg.Fields["compatible"]
	if !ok {
		return false, fmt.Errorf("debughash: oracle response missing %q field", "compatible")
	}
	return v.GetBoolValue(), nil
}

// AsOracleFunc adapts Check to the object.OracleFunc signature
// ObjectIdentity.Load expects, so internal/loader can wire a Client in
// without internal/object importing connect/protobuf at all.
func (c *Client) AsOracleFunc() func(buildID []byte, path string) (bool, error) {
	return func(buildID []byte, path string) (bool, error) {
		return c.Check(context.Background(), buildID, path)
	}
}
