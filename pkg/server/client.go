package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"git.canoozie.net/riddling/segkv/pkg/model"
)

// Client calls a remote KVS service. It implements the same operations as
// kvs.Engine, with a context on each call.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr. Without options the connection is plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	defaults := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	conn, err := grpc.NewClient(addr, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Get returns the value of key and whether it exists
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	resp := new(GetResponse)
	if err := c.conn.Invoke(ctx, methodGet, &GetRequest{Key: key}, resp); err != nil {
		return "", false, err
	}
	return resp.Value, resp.Found, nil
}

// Set stores value under key
func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.conn.Invoke(ctx, methodSet, &SetRequest{Key: key, Value: value}, new(SetResponse))
}

// Remove deletes key. A missing key is reported as model.ErrKeyNotFound.
func (c *Client) Remove(ctx context.Context, key string) error {
	err := c.conn.Invoke(ctx, methodRemove, &RemoveRequest{Key: key}, new(RemoveResponse))
	if status.Code(err) == codes.NotFound {
		return model.ErrKeyNotFound{Key: key}
	}
	return err
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
