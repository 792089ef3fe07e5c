package coordclient

import (
	"context"
	"errors"

	goset "github.com/deckarep/golang-set/v2"
	"github.com/flowchartsman/retry"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
)

func (c *Client) encode(path string, value any) ([]byte, error) {
	data, err := c.codec.Encode(value)
	if err != nil {
		return nil, &SerializationError{Direction: DirectionEncode, Path: path, Err: err}
	}
	return data, nil
}

func (c *Client) decode(path string, data []byte) (any, error) {
	v, err := c.codec.Decode(data)
	if err != nil {
		return nil, &SerializationError{Direction: DirectionDecode, Path: path, Err: err}
	}
	return v, nil
}

func isNilValue(value any) bool {
	if value == nil {
		return true
	}
	data, ok := value.([]byte)
	return ok && data == nil
}

// ensurePath creates full and its missing ancestors as empty persistent nodes.
func (c *Client) ensurePath(ctx context.Context, full string) error {
	for _, p := range append(ensemble.Ancestors(full), full) {
		p := p
		err := c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
			_, err := conn.Create(ctx, p, nil, api.NodePersistent)
			return err
		})
		if err != nil && !errors.Is(err, ensemble.ErrNodeExists) {
			return err
		}
	}
	return nil
}

// Create creates a node and returns the path actually created, which carries the
// sequence suffix for sequential modes. With recurse, missing ancestors are created
// as persistent nodes. A nil value stores an empty payload.
func (c *Client) Create(ctx context.Context, path string, value any, mode api.NodeMode, recurse bool) (string, error) {
	path = Normalize(path)
	data, err := c.encode(path, value)
	if err != nil {
		return "", fail("create", path, err)
	}
	if !mode.IsSequential() {
		absent, err := c.Nonexistent(ctx, path)
		if err != nil {
			return "", err
		}
		if !absent {
			return "", fail("create", path, ErrNodeExists)
		}
	}

	full := c.resolve(path)
	if recurse {
		if err := c.ensurePath(ctx, ensemble.Parent(full)); err != nil {
			return "", fail("create", path, err)
		}
	}
	var created string
	err = c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		p, err := conn.Create(ctx, full, data, mode)
		created = p
		return err
	})
	if err != nil {
		return "", fail("create", path, err)
	}
	return c.strip(created), nil
}

// CreatePersistent creates a persistent node together with its missing ancestors.
func (c *Client) CreatePersistent(ctx context.Context, path string, value any) (string, error) {
	return c.Create(ctx, path, value, api.NodePersistent, true)
}

// GetStat returns the decoded value and stat of path, or nil values if the node is absent.
func (c *Client) GetStat(ctx context.Context, path string) (any, *ensemble.Stat, error) {
	path = Normalize(path)
	full := c.resolve(path)
	var data []byte
	var st *ensemble.Stat
	err := c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		var err error
		data, st, err = conn.Get(ctx, full)
		return err
	})
	if errors.Is(err, ensemble.ErrNoNode) {
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, fail("get", path, err)
	}
	v, err := c.decode(path, data)
	if err != nil {
		return nil, nil, fail("get", path, err)
	}
	return v, st, nil
}

// Get returns the decoded value of path, or nil if the node is absent.
func (c *Client) Get(ctx context.Context, path string) (any, error) {
	v, _, err := c.GetStat(ctx, path)
	return v, err
}

// GetInto decodes the value of path into out and reports whether the node exists.
func (c *Client) GetInto(ctx context.Context, path string, out any) (bool, error) {
	path = Normalize(path)
	full := c.resolve(path)
	var data []byte
	err := c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		var err error
		data, _, err = conn.Get(ctx, full)
		return err
	})
	if errors.Is(err, ensemble.ErrNoNode) {
		return false, nil
	} else if err != nil {
		return false, fail("get", path, err)
	}
	if err := c.codec.DecodeInto(data, out); err != nil {
		return true, fail("get", path, &SerializationError{Direction: DirectionDecode, Path: path, Err: err})
	}
	return true, nil
}

// Stat returns the stat of path, or nil if the node is absent.
func (c *Client) Stat(ctx context.Context, path string) (*ensemble.Stat, error) {
	path = Normalize(path)
	full := c.resolve(path)
	var st *ensemble.Stat
	err := c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		var err error
		_, st, err = conn.Exists(ctx, full)
		return err
	})
	if err != nil {
		return nil, fail("stat", path, err)
	}
	return st, nil
}

// Children returns the names of the direct children of path. It fails if path is absent.
func (c *Client) Children(ctx context.Context, path string) (goset.Set[string], error) {
	path = Normalize(path)
	full := c.resolve(path)
	var names []string
	err := c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		var err error
		names, _, err = conn.Children(ctx, full)
		return err
	})
	if err != nil {
		return nil, fail("children", path, err)
	}
	return goset.NewSet[string](names...), nil
}

// Update replaces the value of an existing node.
func (c *Client) Update(ctx context.Context, path string, value any) error {
	return c.update(ctx, "update", path, value, ensemble.AnyVersion)
}

// UpdateVersion replaces the value of an existing node if its version equals version.
// A mismatch fails with ErrVersionConflict and leaves the value unchanged.
func (c *Client) UpdateVersion(ctx context.Context, path string, value any, version int32) error {
	return c.update(ctx, "update", path, value, version)
}

func (c *Client) update(ctx context.Context, op, path string, value any, version int32) error {
	path = Normalize(path)
	if isNilValue(value) {
		return fail(op, path, ErrNilValue)
	}
	data, err := c.encode(path, value)
	if err != nil {
		return fail(op, path, err)
	}
	absent, err := c.Nonexistent(ctx, path)
	if err != nil {
		return err
	}
	if absent {
		return fail(op, path, ErrNoNode)
	}
	full := c.resolve(path)
	err = c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		_, err := conn.Set(ctx, full, data, version)
		return err
	})
	if err != nil {
		return fail(op, path, err)
	}
	return nil
}

// Delete removes a node. A node with children is only removed, together with its
// subtree, when recurse is set; otherwise the call fails with ErrNotEmpty.
func (c *Client) Delete(ctx context.Context, path string, recurse bool) error {
	path = Normalize(path)
	absent, err := c.Nonexistent(ctx, path)
	if err != nil {
		return err
	}
	if absent {
		return fail("delete", path, ErrNoNode)
	}
	full := c.resolve(path)
	if recurse {
		err = c.deleteTree(ctx, full)
	} else {
		err = c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
			return conn.Delete(ctx, full, ensemble.AnyVersion)
		})
	}
	if err != nil {
		return fail("delete", path, err)
	}
	return nil
}

func (c *Client) deleteTree(ctx context.Context, full string) error {
	var names []string
	err := c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		var err error
		names, _, err = conn.Children(ctx, full)
		return err
	})
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := c.deleteTree(ctx, ensemble.Join(full, name)); err != nil && !errors.Is(err, ensemble.ErrNoNode) {
			return err
		}
	}
	return c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		return conn.Delete(ctx, full, ensemble.AnyVersion)
	})
}

// DeleteVersion removes a leaf node if its version equals version.
func (c *Client) DeleteVersion(ctx context.Context, path string, version int32) error {
	path = Normalize(path)
	absent, err := c.Nonexistent(ctx, path)
	if err != nil {
		return err
	}
	if absent {
		return fail("delete", path, ErrNoNode)
	}
	full := c.resolve(path)
	err = c.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		return conn.Delete(ctx, full, version)
	})
	if err != nil {
		return fail("delete", path, err)
	}
	return nil
}

// DeleteForce removes a leaf node and keeps retrying through connection losses until
// the deletion is acknowledged or ctx is done. A node found missing after a failed
// attempt counts as deleted.
func (c *Client) DeleteForce(ctx context.Context, path string) error {
	path = Normalize(path)
	full := c.resolve(path)
	attempted := false
	for {
		// the retrier hands back a stop marker unwrapped when it comes on the last try
		var last error
		retrier := retry.NewRetrier(c.opts.retry.Count+1, c.opts.retry.sleep(), c.opts.retry.sleep()<<maxBackoffShift)
		err := retrier.RunContext(ctx, func(ctx context.Context) error {
			conn, err := c.conn()
			last = err
			if err != nil {
				return retry.Stop(err)
			}
			err = conn.Delete(ctx, full, ensemble.AnyVersion)
			last = err
			switch {
			case err == nil:
				return nil
			case errors.Is(err, ensemble.ErrNoNode) && attempted:
				return nil
			case forceDeleteRetryable(err):
				attempted = true
				return err
			default:
				return retry.Stop(err)
			}
		})
		if err == nil {
			return nil
		}
		if last != nil {
			err = last
		}
		if !forceDeleteRetryable(err) || ctx.Err() != nil {
			return fail("delete", path, err)
		}
		_coordLogger.Debugf("force delete of %s still pending: %s", path, err)
	}
}

func forceDeleteRetryable(err error) bool {
	return ensemble.IsTransient(err) ||
		errors.Is(err, ensemble.ErrSessionExpired) ||
		errors.Is(err, ensemble.ErrClosed)
}
