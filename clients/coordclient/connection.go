package coordclient

import (
	"context"
	"time"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/executor"
)

const redialInterval = 500 * time.Millisecond

// ConnectionStateListener receives connection state transitions. Calls are serialized per listener.
type ConnectionStateListener interface {
	Connected(c *Client)
	Suspended(c *Client)
	Reconnected(c *Client)
	Lost(c *Client)
	ReadOnly(c *Client)
}

// DefaultConnectionStateListener logs every transition at debug level. Embed it to override single hooks.
type DefaultConnectionStateListener struct{}

func (DefaultConnectionStateListener) Connected(c *Client) {
	_coordLogger.Debugf("connection state: connected, generation %d", c.Generation())
}

func (DefaultConnectionStateListener) Suspended(c *Client) {
	_coordLogger.Debugf("connection state: suspended")
}

func (DefaultConnectionStateListener) Reconnected(c *Client) {
	_coordLogger.Debugf("connection state: reconnected, generation %d", c.Generation())
}

func (DefaultConnectionStateListener) Lost(c *Client) {
	_coordLogger.Debugf("connection state: lost")
}

func (DefaultConnectionStateListener) ReadOnly(c *Client) {
	_coordLogger.Debugf("connection state: read only")
}

type connectionListener struct {
	listener   ConnectionStateListener
	dispatcher *executor.Serial
}

func dispatchConnectionState(c *Client, l ConnectionStateListener, state api.ConnectionState) {
	switch state {
	case api.StateConnected:
		l.Connected(c)
	case api.StateSuspended:
		l.Suspended(c)
	case api.StateReconnected:
		l.Reconnected(c)
	case api.StateLost:
		l.Lost(c)
	case api.StateReadOnly:
		l.ReadOnly(c)
	default:
		panic("unreachable")
	}
}

// AddConnectionListener registers listener for future transitions and returns its removal function.
func (c *Client) AddConnectionListener(listener ConnectionStateListener) (remove func()) {
	entry := &connectionListener{
		listener:   listener,
		dispatcher: executor.NewSerial(c.pool),
	}
	c.lock.Lock()
	c.seq++
	id := c.seq
	c.listeners[id] = entry
	c.lock.Unlock()
	return func() {
		c.lock.Lock()
		delete(c.listeners, id)
		c.lock.Unlock()
	}
}

// transition records state and fans it out to internal subscribers and registered listeners.
func (c *Client) transition(state api.ConnectionState) {
	old := api.ConnectionState(c.state.Swap(int32(state)))
	if old == state {
		return
	}
	_coordLogger.Infof("connection state %s -> %s", old, state)

	c.lock.Lock()
	subs := make([]*stateSubscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	listeners := make([]*connectionListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.lock.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- state:
		case <-sub.done:
		case <-c.lifetime.Done():
		}
	}
	for _, l := range listeners {
		l := l
		if err := l.dispatcher.Submit(func() {
			dispatchConnectionState(c, l.listener, state)
		}); err != nil {
			_coordLogger.Warnf("dispatch connection state %s failed: %s", state, err)
		}
	}
}

func awaitSession(ctx context.Context, conn ensemble.Conn) (ensemble.SessionState, error) {
	for {
		select {
		case st, ok := <-conn.States():
			if !ok {
				return 0, ensemble.ErrConnectionLoss
			}
			switch st {
			case ensemble.SessionConnected, ensemble.SessionReadOnly:
				return st, nil
			case ensemble.SessionExpired:
				return 0, ensemble.ErrConnectionLoss
			}
		case <-ctx.Done():
			return 0, ensemble.ErrConnectionLoss
		}
	}
}

// dial opens a session under the retry policy and waits for it to be usable.
func (c *Client) dial(ctx context.Context) (ensemble.Conn, ensemble.SessionState, error) {
	var conn ensemble.Conn
	var initial ensemble.SessionState
	err := c.opts.retry.Run(ctx, func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.connectionTimeout)
		defer cancel()
		cn, err := c.dialer.Dial(dialCtx)
		if err != nil {
			if dialCtx.Err() != nil && ctx.Err() == nil {
				return ensemble.ErrConnectionLoss
			}
			return err
		}
		st, err := awaitSession(dialCtx, cn)
		if err != nil {
			_ = cn.Close()
			return err
		}
		conn, initial = cn, st
		return nil
	})
	return conn, initial, err
}

// redial keeps dialing until a session is established or the client is closed.
func (c *Client) redial() (ensemble.Conn, ensemble.SessionState) {
	for {
		conn, initial, err := c.dial(c.lifetime)
		if err == nil {
			return conn, initial
		}
		if c.lifetime.Err() != nil {
			return nil, 0
		}
		_coordLogger.Warnf("redial failed: %s", err)
		select {
		case <-c.lifetime.Done():
			return nil, 0
		case <-time.After(redialInterval):
		}
	}
}

// monitor maps the session lifecycle to connection states and replaces dead sessions.
func (c *Client) monitor(conn ensemble.Conn) {
	defer close(c.monitorDone)
	states := conn.States()
	for {
		select {
		case <-c.lifetime.Done():
			return
		case st, ok := <-states:
			if ok {
				c.onSessionState(conn, st)
				continue
			}
			if c.lifetime.Err() != nil {
				return
			}
			c.transition(api.StateLost)
			_ = conn.Close()
			next, initial := c.redial()
			if next == nil {
				return
			}
			conn = next
			states = conn.States()
			c.bind(conn)
			c.transition(api.StateReconnected)
			if initial == ensemble.SessionReadOnly {
				c.transition(c.readOnlyState())
			}
		}
	}
}

func (c *Client) onSessionState(conn ensemble.Conn, st ensemble.SessionState) {
	prev := c.State()
	switch st {
	case ensemble.SessionConnected:
		if b := c.binding.Load(); b == nil || b.sessionID != conn.SessionID() {
			c.bind(conn)
		}
		switch prev {
		case api.StateSuspended, api.StateLost, api.StateReadOnly:
			c.transition(api.StateReconnected)
		case 0:
			c.transition(api.StateConnected)
		}
	case ensemble.SessionDisconnected:
		if prev.IsConnected() {
			c.transition(api.StateSuspended)
		}
	case ensemble.SessionExpired:
		c.transition(api.StateLost)
	case ensemble.SessionReadOnly:
		c.transition(c.readOnlyState())
	}
}

// readOnlyState is the state a read-only session maps to.
func (c *Client) readOnlyState() api.ConnectionState {
	if c.opts.readOnlyAllowed {
		return api.StateReadOnly
	}
	return api.StateSuspended
}
