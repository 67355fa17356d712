package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	HeaderActorRole  = "X-Actor-Role"
	HeaderMerchantID = "X-Merchant-ID"
	HeaderMemberID   = "X-Member-ID"
	HeaderStaffID    = "X-Staff-ID"
)

// Actor is the caller identity asserted by the upstream gateway.
type Actor struct {
	Role       string
	MerchantID string
	MemberID   string
	StaffID    string
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

func actorFromHeaders(get func(string) string) Actor {
	return Actor{
		Role:       strings.ToLower(strings.TrimSpace(get(HeaderActorRole))),
		MerchantID: strings.TrimSpace(get(HeaderMerchantID)),
		MemberID:   strings.TrimSpace(get(HeaderMemberID)),
		StaffID:    strings.TrimSpace(get(HeaderStaffID)),
	}
}

// ActorHeaders copies the actor headers onto the request context.
func ActorHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		a := actorFromHeaders(c.GetHeader)
		c.Request = c.Request.WithContext(WithActor(c.Request.Context(), a))
		c.Next()
	}
}

// ActorInterceptor is the gRPC counterpart of ActorHeaders.
func ActorInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return handler(ctx, req)
		}

		a := actorFromHeaders(func(key string) string {
			if v := md.Get(key); len(v) > 0 {
				return v[0]
			}
			return ""
		})
		return handler(WithActor(ctx, a), req)
	}
}
