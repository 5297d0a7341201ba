package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"taskd/internal/task"
)

// Client is the façade used by the CLI and other local callers.
// Every call opens one connection, sends one message and reads one reply.
type Client struct {
	Socket  string
	Key     []byte
	Timeout time.Duration
}

func NewClient(socket string, key []byte, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{Socket: socket, Key: key, Timeout: timeout}
}

// Do sends m and returns the reply. ERROR replies become *RemoteError.
func (c *Client) Do(ctx context.Context, m Message) (Message, error) {
	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Socket)
	if err != nil {
		return Message{}, fmt.Errorf("dial scheduler: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteMessage(conn, c.Key, m); err != nil {
		return Message{}, fmt.Errorf("send %s: %w", m.Type, err)
	}
	resp, err := ReadMessage(conn, c.Key)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("read reply: %w", err)
	}
	if resp.Type == TypeError {
		return resp, &RemoteError{Msg: resp.Error}
	}
	return resp, nil
}

// ScheduleTask submits t and returns its id. Zero fields get defaults:
// start now, expire one hour, generated id.
func (c *Client) ScheduleTask(ctx context.Context, t task.Task) (string, error) {
	if t.WorkerName == "" {
		return "", errors.New("worker name is required")
	}
	resp, err := c.Do(ctx, NewTask(t))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SetContext merges key=value into the scheduler context and returns all of it.
func (c *Client) SetContext(ctx context.Context, key string, value any) (map[string]any, error) {
	resp, err := c.Do(ctx, Context(map[string]any{key: value}))
	if err != nil {
		return nil, err
	}
	return resp.Context, nil
}

func (c *Client) ListTasks(ctx context.Context) ([]task.Task, error) {
	resp, err := c.Do(ctx, List())
	if err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *Client) CancelTask(ctx context.Context, id string) error {
	_, err := c.Do(ctx, Cancel(id))
	return err
}

func (c *Client) AbortTask(ctx context.Context, id string) error {
	_, err := c.Do(ctx, Abort(id))
	return err
}
