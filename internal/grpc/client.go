package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wulonghui/dea-ng/internal/interfaces"
)

type Client struct {
	conn *grpc.ClientConn
}

func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}

	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (*interfaces.TaskRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{"task_id": taskID})
	if err != nil {
		return nil, err
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getTaskMethod, req, resp); err != nil {
		return nil, err
	}

	fields := resp.GetFields()
	str := func(key string) string {
		return fields[key].GetStringValue()
	}

	createdAt, err := time.Parse(time.RFC3339, str("created_at"))
	if err != nil {
		createdAt = time.Time{}
	}
	updatedAt, err := time.Parse(time.RFC3339, str("updated_at"))
	if err != nil {
		updatedAt = createdAt
	}

	return &interfaces.TaskRecord{
		ID:              str("task_id"),
		AppID:           str("app_id"),
		Status:          interfaces.TaskStatus(str("status")),
		StreamingLogURL: str("streaming_log_url"),
		Error:           str("error"),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}
