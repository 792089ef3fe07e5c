// Package coordclient is a client for ZooKeeper-like coordination ensembles.
//
// A Client offers CRUD over the node tree, three tiers of change notification,
// atomic transactions, callback based asynchronous operations, connection state
// monitoring and a leader latch. The Client is a stable handle: when the
// underlying session is replaced after a loss, the Client rebinds to the new
// session and everything holding the Client keeps working.
package coordclient

import (
	"context"
	"io"
	"runtime"
	"sync"
	"time"

	goset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/codec"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/executor"
	"github.com/meidoworks/nekoq-coord/shared/logging"
)

var _coordLogger = logging.NewLogger("CoordClient")

type Reader interface {
	Nonexistent(ctx context.Context, path string) (bool, error)
	Get(ctx context.Context, path string) (any, error)
	GetStat(ctx context.Context, path string) (any, *ensemble.Stat, error)
	GetInto(ctx context.Context, path string, out any) (bool, error)
	Stat(ctx context.Context, path string) (*ensemble.Stat, error)
	Children(ctx context.Context, path string) (goset.Set[string], error)
}

type Writer interface {
	Create(ctx context.Context, path string, value any, mode api.NodeMode, recurse bool) (string, error)
	CreatePersistent(ctx context.Context, path string, value any) (string, error)
	Update(ctx context.Context, path string, value any) error
	UpdateVersion(ctx context.Context, path string, value any, version int32) error
	Delete(ctx context.Context, path string, recurse bool) error
	DeleteVersion(ctx context.Context, path string, version int32) error
	DeleteForce(ctx context.Context, path string) error
}

type Transactional interface {
	StartTransaction() (*Transaction, error)
	InTransaction(ctx context.Context, fn func(tx *Transaction) error) ([]TransactionResult, error)
}

type Asynchronous interface {
	OpenAsync(onSuccess AsyncSuccessFunc, onError AsyncErrorFunc) (*AsyncContext, error)
}

type Watchable interface {
	WatchNode(ctx context.Context, path string, listener NodeListener) (*Watch, error)
	WatchChildren(ctx context.Context, path string, listener ChildrenListener) (*Watch, error)
	WatchTree(ctx context.Context, path string, maxDepth int, listener TreeListener) (*Watch, error)
}

type Monitorable interface {
	State() api.ConnectionState
	Generation() int64
	AddConnectionListener(listener ConnectionStateListener) (remove func())
}

var (
	_ Reader        = (*Client)(nil)
	_ Writer        = (*Client)(nil)
	_ Transactional = (*Client)(nil)
	_ Asynchronous  = (*Client)(nil)
	_ Watchable     = (*Client)(nil)
	_ Monitorable   = (*Client)(nil)
)

type Option func(o *options)

type options struct {
	namespace         string
	connectionTimeout time.Duration
	retry             RetryPolicy
	readOnlyAllowed   bool
	codec             codec.Codec
	pool              *executor.Pool
	ownsPool          bool
	closers           []io.Closer
}

// WithNamespace roots every path of the client below /namespace.
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

func WithConnectionTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.connectionTimeout = timeout
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.retry = policy
	}
}

// WithReadOnlyAllowed accepts sessions served by a read-only ensemble member and reports
// them as READ_ONLY. Without it such a session counts as SUSPENDED.
func WithReadOnlyAllowed(allowed bool) Option {
	return func(o *options) {
		o.readOnlyAllowed = allowed
	}
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithExecutor runs callbacks on pool. The caller keeps ownership of pool.
func WithExecutor(pool *executor.Pool) Option {
	return func(o *options) {
		o.pool = pool
		o.ownsPool = false
	}
}

func withOwnedExecutor(pool *executor.Pool) Option {
	return func(o *options) {
		o.pool = pool
		o.ownsPool = true
	}
}

// withClosers attaches resources released after the client is closed.
func withClosers(closers ...io.Closer) Option {
	return func(o *options) {
		o.closers = append(o.closers, closers...)
	}
}

type binding struct {
	conn       ensemble.Conn
	sessionID  int64
	generation int64
}

type stateSubscription struct {
	ch   chan api.ConnectionState
	done chan struct{}
}

type Client struct {
	dialer    ensemble.Dialer
	opts      options
	codec     codec.Codec
	pool      *executor.Pool
	namespace string

	binding    *atomic.Pointer[binding]
	generation *atomic.Int64
	state      *atomic.Int32
	started    *atomic.Bool
	closed     *atomic.Bool
	txInFlight *atomic.Bool

	lifetime    context.Context
	cancel      context.CancelFunc
	monitorDone chan struct{}

	lock          sync.Mutex
	seq           int64
	subscriptions map[int64]*stateSubscription
	listeners     map[int64]*connectionListener
	resources     map[io.Closer]struct{}
}

// New creates a client dialing sessions through dialer. Open must be called before use.
func New(dialer ensemble.Dialer, opts ...Option) (*Client, error) {
	o := options{
		connectionTimeout: 15 * time.Second,
		retry:             ExponentialBackoffRetry(3, time.Second),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.codec == nil {
		o.codec = codec.NewCbor()
	}
	if o.pool == nil {
		pool, err := executor.NewPool(executor.Config{
			Name:            "CoordClient",
			CorePoolSize:    runtime.NumCPU(),
			MaximumPoolSize: runtime.NumCPU(),
			WorkQueueSize:   1024,
		})
		if err != nil {
			return nil, fail("new", "", err)
		}
		o.pool = pool
		o.ownsPool = true
	}
	namespace := ""
	if o.namespace != "" {
		namespace = Normalize(o.namespace)
		if namespace == api.PathSeparator {
			namespace = ""
		} else if err := ensemble.ValidatePath(namespace); err != nil {
			return nil, fail("new", namespace, err)
		}
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Client{
		dialer:    dialer,
		opts:      o,
		codec:     o.codec,
		pool:      o.pool,
		namespace: namespace,

		binding:    atomic.NewPointer[binding](nil),
		generation: atomic.NewInt64(0),
		state:      atomic.NewInt32(0),
		started:    atomic.NewBool(false),
		closed:     atomic.NewBool(false),
		txInFlight: atomic.NewBool(false),

		lifetime:    lifetime,
		cancel:      cancel,
		monitorDone: make(chan struct{}),

		subscriptions: map[int64]*stateSubscription{},
		listeners:     map[int64]*connectionListener{},
		resources:     map[io.Closer]struct{}{},
	}, nil
}

// Connect creates and opens a client.
func Connect(ctx context.Context, dialer ensemble.Dialer, opts ...Option) (*Client, error) {
	c, err := New(dialer, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Open(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Open establishes the first session, creates the namespace and starts the connection monitor.
func (c *Client) Open(ctx context.Context) error {
	if c.closed.Load() {
		return fail("open", "", ErrClosed)
	}
	if !c.started.CompareAndSwap(false, true) {
		return fail("open", "", ErrAlreadyStarted)
	}
	conn, initial, err := c.dial(ctx)
	if err != nil {
		close(c.monitorDone)
		return fail("open", "", err)
	}
	c.bind(conn)
	if initial == ensemble.SessionReadOnly {
		c.transition(c.readOnlyState())
	} else {
		c.transition(api.StateConnected)
	}
	go c.monitor(conn)

	if c.namespace != "" {
		if err := c.ensurePath(ctx, c.namespace); err != nil {
			return fail("open", c.namespace, err)
		}
	}
	_coordLogger.Infof("client opened, namespace [%s] session [0x%x]", c.namespace, conn.SessionID())
	return nil
}

func (c *Client) bind(conn ensemble.Conn) {
	gen := c.generation.Inc()
	c.binding.Store(&binding{conn: conn, sessionID: conn.SessionID(), generation: gen})
	_coordLogger.Debugf("bound session [0x%x], generation %d", conn.SessionID(), gen)
}

// currentConn returns the bound session even while the client is closing.
func (c *Client) currentConn() (ensemble.Conn, error) {
	b := c.binding.Load()
	if b == nil {
		return nil, ErrNotStarted
	}
	return b.conn, nil
}

func (c *Client) conn() (ensemble.Conn, error) {
	b, err := c.bound()
	if err != nil {
		return nil, err
	}
	return b.conn, nil
}

// bound returns the current binding, so that the session and its generation are read together.
func (c *Client) bound() (*binding, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	b := c.binding.Load()
	if b == nil {
		return nil, ErrNotStarted
	}
	return b, nil
}

// do runs fn against the current session under the retry policy.
func (c *Client) do(ctx context.Context, fn func(ctx context.Context, conn ensemble.Conn) error) error {
	return c.opts.retry.Run(ctx, func(ctx context.Context) error {
		conn, err := c.conn()
		if err != nil {
			return err
		}
		return fn(ctx, conn)
	})
}

// State returns the last connection state, or 0 before Open.
func (c *Client) State() api.ConnectionState {
	return api.ConnectionState(c.state.Load())
}

// Generation counts the sessions the client has been bound to.
func (c *Client) Generation() int64 {
	return c.generation.Load()
}

func (c *Client) SessionID() int64 {
	b := c.binding.Load()
	if b == nil {
		return 0
	}
	return b.sessionID
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) Codec() codec.Codec {
	return c.codec
}

func (c *Client) Closed() bool {
	return c.closed.Load()
}

func (c *Client) subscribe() (<-chan api.ConnectionState, func()) {
	sub := &stateSubscription{
		ch:   make(chan api.ConnectionState, 16),
		done: make(chan struct{}),
	}
	c.lock.Lock()
	c.seq++
	id := c.seq
	c.subscriptions[id] = sub
	c.lock.Unlock()

	once := new(sync.Once)
	return sub.ch, func() {
		once.Do(func() {
			c.lock.Lock()
			delete(c.subscriptions, id)
			c.lock.Unlock()
			close(sub.done)
		})
	}
}

func (c *Client) track(r io.Closer) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.resources[r] = struct{}{}
}

func (c *Client) untrack(r io.Closer) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.resources, r)
}

// Close releases watches and leader latches, stops the monitor, closes the session and
// shuts down an executor owned by the client.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.lock.Lock()
	resources := make([]io.Closer, 0, len(c.resources))
	for r := range c.resources {
		resources = append(resources, r)
	}
	c.lock.Unlock()

	var err error
	for _, r := range resources {
		err = multierr.Append(err, r.Close())
	}

	c.cancel()
	if c.started.Load() {
		<-c.monitorDone
	}
	if b := c.binding.Load(); b != nil {
		err = multierr.Append(err, b.conn.Close())
	}
	if c.opts.ownsPool {
		c.pool.Shutdown()
	}
	for _, closer := range c.opts.closers {
		err = multierr.Append(err, closer.Close())
	}
	if err != nil {
		_coordLogger.Warnf("client closed with errors: %s", err)
		return fail("close", "", err)
	}
	_coordLogger.Infof("client closed")
	return nil
}
