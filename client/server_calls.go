package client

import (
	"context"
	"fmt"
	"mini-dcop/codec"
)

// SetNotifications asks the server to announce applications registering and leaving.
// Announcements arrive as applicationRegistered / applicationRemoved on the connection.
func (c *Client) SetNotifications(ctx context.Context, enabled bool) error {
	w := codec.NewWriter()
	w.PutBool(enabled)
	if _, _, err := c.Call(ctx, ServerID, "", "setNotifications(bool)", w.Bytes()); err != nil {
		return fmt.Errorf("setNotifications: %w", err)
	}
	return nil
}

// RegisteredApplications lists the applications currently registered with the server.
func (c *Client) RegisteredApplications(ctx context.Context) ([]string, error) {
	replyType, data, err := c.Call(ctx, ServerID, "", "registeredApplications()", nil)
	if err != nil {
		return nil, fmt.Errorf("registeredApplications: %w", err)
	}
	if replyType != "QCStringList" {
		return nil, fmt.Errorf("registeredApplications: unexpected reply type %q", replyType)
	}
	return codec.NewReader(data).StringList()
}

func (c *Client) IsApplicationRegistered(ctx context.Context, app string) (bool, error) {
	w := codec.NewWriter()
	w.PutString(app)
	replyType, data, err := c.Call(ctx, ServerID, "", "isApplicationRegistered(QCString)", w.Bytes())
	if err != nil {
		return false, fmt.Errorf("isApplicationRegistered: %w", err)
	}
	if replyType != "bool" {
		return false, fmt.Errorf("isApplicationRegistered: unexpected reply type %q", replyType)
	}
	return codec.NewReader(data).Bool()
}
