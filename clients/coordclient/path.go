package coordclient

import (
	"context"
	"strings"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
)

// Normalize turns path into an absolute path: blank becomes the root, a missing
// leading separator is added and a trailing separator is trimmed.
func Normalize(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return api.PathSeparator
	}
	if !strings.HasPrefix(path, api.PathSeparator) {
		path = api.PathSeparator + path
	}
	for len(path) > 1 && strings.HasSuffix(path, api.PathSeparator) {
		path = path[:len(path)-1]
	}
	return path
}

// resolve maps a client path to its location in the ensemble.
func (c *Client) resolve(path string) string {
	path = Normalize(path)
	if c.namespace == "" {
		return path
	}
	if path == api.PathSeparator {
		return c.namespace
	}
	return c.namespace + path
}

// strip maps an ensemble path back to a client path.
func (c *Client) strip(full string) string {
	if c.namespace == "" || full == "" {
		return full
	}
	if full == c.namespace {
		return api.PathSeparator
	}
	if strings.HasPrefix(full, c.namespace+api.PathSeparator) {
		return full[len(c.namespace):]
	}
	return full
}

// Nonexistent reports whether no node exists at path. A transport failure is
// returned as an error and never reported as absence.
func (c *Client) Nonexistent(ctx context.Context, path string) (bool, error) {
	full := c.resolve(path)
	var exists bool
	err := c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		ok, _, err := conn.Exists(ctx, full)
		exists = ok
		return err
	})
	if err != nil {
		return false, fail("exists", Normalize(path), err)
	}
	return !exists, nil
}
