package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DirectoryConn is a dialed DirectoryService client that sends the service
// token on every call.
type DirectoryConn struct {
	Conn      *grpc.ClientConn
	Directory *DirectoryClient
}

// DialDirectory is the client other internal services use to reach this
// service's DirectoryService.
func DialDirectory(ctx context.Context, addr, serviceToken string, timeout time.Duration) (*DirectoryConn, error) {
	conn, err := dial(ctx, addr, serviceToken, timeout)
	if err != nil {
		return nil, err
	}
	return &DirectoryConn{
		Conn:      conn,
		Directory: NewDirectoryClient(conn),
	}, nil
}

func (c *DirectoryConn) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Close()
}

func dial(ctx context.Context, addr, serviceToken string, timeout time.Duration) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(serviceTokenClientInterceptor(serviceToken)),
	)
}

func serviceTokenClientInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if token != "" {
			ctx = WithServiceToken(ctx, token)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
