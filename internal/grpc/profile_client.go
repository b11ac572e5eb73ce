package grpc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"messaging-core/internal/observability"
)

// BulkProfilesMethod is the identity service RPC used to enrich projections.
const BulkProfilesMethod = "/identity.ProfileService/BulkProfiles"

// Profile is the display data of one user. It is never persisted.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Dial opens an instrumented client connection to the identity service.
func Dial(addr string) (*gogrpc.ClientConn, error) {
	return gogrpc.NewClient(addr,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		gogrpc.WithChainUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
}

// ProfileClient wraps the identity service profile lookups. Messages are
// structpb.Struct so no generated stubs are needed.
type ProfileClient struct {
	conn    gogrpc.ClientConnInterface
	timeout time.Duration
}

// NewProfileClient constructs the wrapper. A nil conn disables enrichment.
func NewProfileClient(conn gogrpc.ClientConnInterface, timeout time.Duration) *ProfileClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProfileClient{conn: conn, timeout: timeout}
}

// BulkProfiles fetches the profiles of ids in one call, keyed by user id.
// Unknown users are absent from the result.
func (p *ProfileClient) BulkProfiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(ids))
	if p == nil || p.conn == nil || len(ids) == 0 {
		return out, nil
	}

	list := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		list = append(list, id)
	}
	req, err := structpb.NewStruct(map[string]interface{}{"ids": list})
	if err != nil {
		return nil, fmt.Errorf("build profiles request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, BulkProfilesMethod, req, resp); err != nil {
		return nil, err
	}

	for _, v := range resp.GetFields()["profiles"].GetListValue().GetValues() {
		fields := v.GetStructValue().GetFields()
		profile := Profile{
			UserID:      fields["user_id"].GetStringValue(),
			DisplayName: fields["display_name"].GetStringValue(),
			AvatarURL:   fields["avatar_url"].GetStringValue(),
		}
		if profile.UserID != "" {
			out[profile.UserID] = profile
		}
	}
	return out, nil
}
