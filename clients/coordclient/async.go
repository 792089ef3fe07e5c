package coordclient

import (
	"context"
	"errors"

	goset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
)

// AsyncResponse is the outcome of a successful asynchronous operation. Status is
// AsyncNoNode when the addressed node did not exist.
type AsyncResponse struct {
	Type     api.AsyncOpType
	Status   api.AsyncStatus
	Path     string
	Value    any
	Children goset.Set[string]
	Stat     *ensemble.Stat
}

type AsyncSuccessFunc func(actx *AsyncContext, resp *AsyncResponse)

type AsyncErrorFunc func(cause error, message string)

type asyncCallbacks struct {
	onSuccess AsyncSuccessFunc
	onError   AsyncErrorFunc
}

// AsyncContext submits operations which complete on the client executor. Operations
// return immediately; outcomes are reported to the callbacks in no particular order.
// An operation the executor refuses is reported to onError on the calling goroutine
// before the method returns.
type AsyncContext struct {
	client    *Client
	callbacks *atomic.Pointer[asyncCallbacks]
}

func (c *Client) OpenAsync(onSuccess AsyncSuccessFunc, onError AsyncErrorFunc) (*AsyncContext, error) {
	if onSuccess == nil || onError == nil {
		return nil, &AsyncError{Err: ErrNilCallback}
	}
	if c.closed.Load() {
		return nil, &AsyncError{Err: ErrClosed}
	}
	return &AsyncContext{
		client:    c,
		callbacks: atomic.NewPointer(&asyncCallbacks{onSuccess: onSuccess, onError: onError}),
	}, nil
}

// Close detaches the callbacks. Operations already submitted keep running but report nothing.
func (a *AsyncContext) Close() error {
	a.callbacks.Store(nil)
	return nil
}

func (a *AsyncContext) succeed(resp *AsyncResponse) {
	if cb := a.callbacks.Load(); cb != nil {
		cb.onSuccess(a, resp)
	}
}

func (a *AsyncContext) failWith(err *AsyncError) {
	if cb := a.callbacks.Load(); cb != nil {
		cb.onError(err, err.Error())
	}
}

func (a *AsyncContext) submit(typ api.AsyncOpType, path string, fn func(ctx context.Context) (*AsyncResponse, error)) {
	path = Normalize(path)
	task := func() {
		resp, err := fn(a.client.lifetime)
		switch {
		case err == nil:
			resp.Type = typ
			if resp.Path == "" {
				resp.Path = path
			}
			a.succeed(resp)
		case errors.Is(err, ensemble.ErrNoNode):
			a.succeed(&AsyncResponse{Type: typ, Status: api.AsyncNoNode, Path: path})
		default:
			a.failWith(&AsyncError{Op: typ, Path: path, Err: err})
		}
	}
	var err error
	if a.client.closed.Load() {
		err = ErrClosed
	} else {
		err = a.client.pool.Submit(task)
	}
	if err != nil {
		_coordLogger.Warnf("dispatch async %s on %s failed: %s", typ, path, err)
		a.failWith(&AsyncError{Op: typ, Path: path, Err: err})
	}
}

func (a *AsyncContext) Create(path string, value any, mode api.NodeMode, recurse bool) {
	a.submit(api.AsyncCreate, path, func(ctx context.Context) (*AsyncResponse, error) {
		created, err := a.client.Create(ctx, path, value, mode, recurse)
		if err != nil {
			return nil, err
		}
		return &AsyncResponse{Path: created}, nil
	})
}

func (a *AsyncContext) Get(path string) {
	a.submit(api.AsyncGet, path, func(ctx context.Context) (*AsyncResponse, error) {
		v, st, err := a.client.GetStat(ctx, path)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, ensemble.ErrNoNode
		}
		return &AsyncResponse{Value: v, Stat: st}, nil
	})
}

func (a *AsyncContext) Children(path string) {
	a.submit(api.AsyncChildren, path, func(ctx context.Context) (*AsyncResponse, error) {
		children, err := a.client.Children(ctx, path)
		if err != nil {
			return nil, err
		}
		return &AsyncResponse{Children: children}, nil
	})
}

func (a *AsyncContext) Exists(path string) {
	a.submit(api.AsyncExists, path, func(ctx context.Context) (*AsyncResponse, error) {
		st, err := a.client.Stat(ctx, path)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, ensemble.ErrNoNode
		}
		return &AsyncResponse{Stat: st}, nil
	})
}

func (a *AsyncContext) Update(path string, value any) {
	a.UpdateVersion(path, value, ensemble.AnyVersion)
}

func (a *AsyncContext) UpdateVersion(path string, value any, version int32) {
	a.submit(api.AsyncUpdate, path, func(ctx context.Context) (*AsyncResponse, error) {
		return &AsyncResponse{}, a.client.UpdateVersion(ctx, path, value, version)
	})
}

func (a *AsyncContext) Delete(path string, recurse bool) {
	a.submit(api.AsyncDelete, path, func(ctx context.Context) (*AsyncResponse, error) {
		return &AsyncResponse{}, a.client.Delete(ctx, path, recurse)
	})
}

func (a *AsyncContext) DeleteVersion(path string, version int32) {
	a.submit(api.AsyncDelete, path, func(ctx context.Context) (*AsyncResponse, error) {
		return &AsyncResponse{}, a.client.DeleteVersion(ctx, path, version)
	})
}

func (a *AsyncContext) DeleteForce(path string) {
	a.submit(api.AsyncDelete, path, func(ctx context.Context) (*AsyncResponse, error) {
		return &AsyncResponse{}, a.client.DeleteForce(ctx, path)
	})
}
