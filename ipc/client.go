package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Client provides an IPC client for a running simulator.
type Client struct {
	addr string
}

// NewClient creates a new IPC client for addr.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{addr: addr}
}

func (c *Client) roundTrip(req Request, resp interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("natsim is not running: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to send %s request: %w", req.Command, err)
	}

	decoder := json.NewDecoder(conn)
	if err := decoder.Decode(resp); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return nil
}

// Ping checks if the server is running.
func (c *Client) Ping() error {
	var resp map[string]string
	if err := c.roundTrip(Request{Command: CommandPing}, &resp); err != nil {
		return err
	}

	if resp["status"] != "ok" {
		return fmt.Errorf("unexpected response: %v", resp)
	}

	return nil
}

// GetStatus retrieves the current status from the running instance.
func (c *Client) GetStatus() (*StatusResponse, error) {
	var raw json.RawMessage
	if err := c.roundTrip(Request{Command: CommandStatus}, &raw); err != nil {
		return nil, err
	}

	var failure struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &failure); err == nil && failure.Error != "" {
		return nil, fmt.Errorf("status failed: %s", failure.Error)
	}

	var resp StatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// Translate asks the running instance to translate destination ("IP:port").
// Validation failures satisfy errors.Is against the nat sentinels.
func (c *Client) Translate(destination string) (*TranslateResponse, error) {
	var resp TranslateResponse
	if err := c.roundTrip(Request{Command: CommandTranslate, Destination: destination}, &resp); err != nil {
		return nil, err
	}

	if resp.Error != "" {
		if sentinel := codeError(resp.Code); sentinel != nil {
			return nil, &RemoteError{Msg: resp.Error, Err: sentinel}
		}
		return nil, errors.New(resp.Error)
	}
	if resp.Entry == nil {
		return nil, fmt.Errorf("unexpected response: no entry")
	}
	return &resp, nil
}

// RemoteError is an error reported by the server.
type RemoteError struct {
	Msg string
	Err error
}

func (e *RemoteError) Error() string { return e.Msg }

func (e *RemoteError) Unwrap() error { return e.Err }
