package rpcpeer

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const peerTokenKey = "detock-peer-token"

// peerClaims identifies the partition a token was minted for, so a future
// authorization layer could restrict which partitions may call which RPCs;
// today every authenticated peer is trusted equally.
type peerClaims struct {
	Partition uint32 `json:"partition"`
	jwt.RegisteredClaims
}

// PeerAuth mints and verifies short-lived HS256 tokens peers present to one
// another over gRPC metadata. The secret is a pre-shared key distributed out
// of band (an operator-managed file or secret store); this package only
// consumes it.
type PeerAuth struct {
	secret         []byte
	localPartition uint32
}

func NewPeerAuth(secret []byte, localPartition uint32) *PeerAuth {
	return &PeerAuth{secret: secret, localPartition: localPartition}
}

func (a *PeerAuth) mint() (string, error) {
	claims := peerClaims{
		Partition: a.localPartition,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// UnaryClientInterceptor attaches a freshly minted token to every outgoing
// peer RPC.
func (a *PeerAuth) UnaryClientInterceptor(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	tok, err := a.mint()
	if err != nil {
		return err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, peerTokenKey, tok)
	return invoker(ctx, method, req, reply, cc, opts...)
}

// UnaryServerInterceptor rejects any RPC that doesn't carry a token signed
// with this partition's shared secret.
func (a *PeerAuth) UnaryServerInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok || len(md.Get(peerTokenKey)) == 0 {
		return nil, status.Error(codes.Unauthenticated, "rpcpeer: missing peer token")
	}
	var claims peerClaims
	_, err := jwt.ParseWithClaims(md.Get(peerTokenKey)[0], &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "rpcpeer: invalid peer token: %v", err)
	}
	return handler(ctx, req)
}
