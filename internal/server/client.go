package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the status service of a remote coordinator
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target; opts must carry transport credentials
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect status service %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Status fetches the coordinator's status
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, StatusMethod, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StatusJSON fetches the status rendered as indented JSON
func (c *Client) StatusJSON(ctx context.Context) ([]byte, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st)
}

func (c *Client) Close() error { return c.conn.Close() }
