package coordclient

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/meidoworks/nekoq-coord/api"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/executor"
	"github.com/meidoworks/nekoq-coord/shared/logging"
)

var _electionLogger = logging.NewLogger("LeaderLatch")

const (
	latchSuffix        = "-latch-"
	latchResetInterval = 500 * time.Millisecond
)

var errContenderMissing = errors.New("contender node is missing")

// ElectionListener is told about gaining and losing leadership. Calls are serialized per latch.
type ElectionListener interface {
	Leader()
	LostLeader()
}

type ElectionListenerFuncs struct {
	OnLeader     func()
	OnLostLeader func()
}

func (f ElectionListenerFuncs) Leader() {
	if f.OnLeader != nil {
		f.OnLeader()
	}
}

func (f ElectionListenerFuncs) LostLeader() {
	if f.OnLostLeader != nil {
		f.OnLostLeader()
	}
}

type LatchState int32

const (
	LatchNotStarted LatchState = iota
	LatchWaiting
	LatchLeader
	LatchFollower
	LatchClosed
)

func (s LatchState) String() string {
	switch s {
	case LatchNotStarted:
		return "NOT_STARTED"
	case LatchWaiting:
		return "WAITING"
	case LatchLeader:
		return "LEADER"
	case LatchFollower:
		return "FOLLOWER"
	case LatchClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type Participant struct {
	ID     string
	Leader bool
	Node   string
}

type LatchOption func(l *LeaderLatch)

// WithParticipantID sets the id stored in the contender node. It defaults to a random uuid.
func WithParticipantID(id string) LatchOption {
	return func(l *LeaderLatch) {
		l.id = id
	}
}

// LeaderLatch takes part in a leader election among all latches sharing the same path.
// The contender with the lowest sequence number leads; every other contender watches
// only its direct predecessor.
type LeaderLatch struct {
	client     *Client
	path       string
	full       string
	id         string
	listener   ElectionListener
	dispatcher *executor.Serial

	state  *atomic.Int32
	leader *atomic.Bool
	node   *atomic.String
	notify chan bool
	wake   chan struct{}

	startLock sync.Mutex
	lock      sync.Mutex
	waiter    chan struct{}
	closed    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLeaderLatch(c *Client, path string, listener ElectionListener, opts ...LatchOption) *LeaderLatch {
	path = Normalize(path)
	l := &LeaderLatch{
		client:     c,
		path:       path,
		full:       c.resolve(path),
		id:         uuid.NewString(),
		listener:   listener,
		dispatcher: executor.NewSerial(c.pool),
		state:      atomic.NewInt32(int32(LatchNotStarted)),
		leader:     atomic.NewBool(false),
		node:       atomic.NewString(""),
		notify:     make(chan bool, 1),
		wake:       make(chan struct{}, 1),
		waiter:     make(chan struct{}),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.listener == nil {
		l.listener = ElectionListenerFuncs{}
	}
	return l
}

func (l *LeaderLatch) ID() string {
	return l.id
}

func (l *LeaderLatch) Path() string {
	return l.path
}

func (l *LeaderLatch) State() LatchState {
	return LatchState(l.state.Load())
}

func (l *LeaderLatch) HasLeadership() bool {
	return l.leader.Load()
}

// NotifyRoleChange delivers the latest leadership flag whenever it changes. Stale values are replaced.
func (l *LeaderLatch) NotifyRoleChange() <-chan bool {
	return l.notify
}

// Start creates the election path when missing and enters the election.
func (l *LeaderLatch) Start(ctx context.Context) error {
	l.startLock.Lock()
	defer l.startLock.Unlock()
	if !l.state.CompareAndSwap(int32(LatchNotStarted), int32(LatchWaiting)) {
		if l.State() == LatchClosed {
			return &ElectionError{Path: l.path, Err: ErrLatchClosed}
		}
		return &ElectionError{Path: l.path, Err: ErrAlreadyStarted}
	}
	if err := l.client.ensurePath(ctx, l.full); err != nil {
		l.state.CompareAndSwap(int32(LatchWaiting), int32(LatchNotStarted))
		return &ElectionError{Path: l.path, Err: err}
	}
	l.ctx, l.cancel = context.WithCancel(l.client.lifetime)
	states, unsubscribe := l.client.subscribe()
	pending := false
	if err := l.reset(ctx); err != nil {
		_electionLogger.Warnf("enter election on %s failed, will retry: %s", l.path, err)
		pending = true
	}
	go l.run(states, unsubscribe, pending)
	l.client.track(l)
	_electionLogger.Infof("participant [%s] started on %s", l.id, l.path)
	return nil
}

func (l *LeaderLatch) run(states <-chan api.ConnectionState, unsubscribe func(), needReset bool) {
	defer close(l.done)
	defer unsubscribe()
	var retry <-chan time.Time
	for {
		if needReset && retry == nil {
			retry = time.After(latchResetInterval)
		}
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
			if err := l.check(l.ctx); err != nil {
				_electionLogger.Debugf("check leadership on %s failed: %s", l.path, err)
				needReset = true
			}
		case st := <-states:
			switch st {
			case api.StateSuspended, api.StateLost:
				l.setLeadership(false)
			case api.StateReconnected:
				needReset = l.reset(l.ctx) != nil
				retry = nil
			}
		case <-retry:
			retry = nil
			needReset = l.reset(l.ctx) != nil
		}
	}
}

func (l *LeaderLatch) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *LeaderLatch) setState(s LatchState) {
	for {
		cur := l.state.Load()
		if cur == int32(LatchClosed) || l.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// reset withdraws the current contender node and enters the election with a new one.
func (l *LeaderLatch) reset(ctx context.Context) error {
	l.setLeadership(false)
	l.setState(LatchWaiting)
	b, err := l.client.bound()
	if err != nil {
		return err
	}
	if old := l.node.Swap(""); old != "" {
		if err := b.conn.Delete(ctx, old, ensemble.AnyVersion); err != nil && !errors.Is(err, ensemble.ErrNoNode) {
			_electionLogger.Warnf("delete stale contender %s failed: %s", old, err)
		}
	}

	protect := "_c_" + uuid.NewString() + latchSuffix
	created, err := b.conn.Create(ctx, ensemble.Join(l.full, protect), []byte(l.id), api.NodeEphemeralSequential)
	if errors.Is(err, ensemble.ErrNoNode) {
		if err := l.client.ensurePath(ctx, l.full); err != nil {
			return err
		}
		created, err = b.conn.Create(ctx, ensemble.Join(l.full, protect), []byte(l.id), api.NodeEphemeralSequential)
	}
	if ensemble.IsTransient(err) {
		// the create may have been applied before the connection dropped
		if found, ferr := l.findProtected(ctx, b.conn, protect); ferr == nil && found != "" {
			created, err = found, nil
		}
	}
	if err != nil {
		return err
	}
	l.node.Store(created)
	_electionLogger.Debugf("participant [%s] contends with %s", l.id, created)
	return l.check(ctx)
}

func (l *LeaderLatch) findProtected(ctx context.Context, conn ensemble.Conn, protect string) (string, error) {
	names, _, err := conn.Children(ctx, l.full)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if strings.HasPrefix(name, protect) {
			return ensemble.Join(l.full, name), nil
		}
	}
	return "", nil
}

// contenders returns the contender node names ordered by sequence number.
func contenders(names []string) []string {
	result := make([]string, 0, len(names))
	seqs := map[string]int64{}
	for _, name := range names {
		if !strings.Contains(name, latchSuffix) {
			continue
		}
		seq, ok := ensemble.SequenceOf(name)
		if !ok {
			continue
		}
		seqs[name] = seq
		result = append(result, name)
	}
	sort.Slice(result, func(i, j int) bool {
		return seqs[result[i]] < seqs[result[j]]
	})
	return result
}

// check evaluates the position of our node: the first contender leads, every other
// one watches the contender right before it.
func (l *LeaderLatch) check(ctx context.Context) error {
	node := l.node.Load()
	if node == "" {
		return errContenderMissing
	}
	b, err := l.client.bound()
	if err != nil {
		return err
	}
	names, _, err := b.conn.Children(ctx, l.full)
	if err != nil {
		return err
	}
	ordered := contenders(names)
	idx := -1
	for i, name := range ordered {
		if name == ensemble.Name(node) {
			idx = i
			break
		}
	}
	switch {
	case idx < 0:
		return errContenderMissing
	case idx == 0:
		l.setState(LatchLeader)
		l.setLeadership(true)
		return nil
	}

	l.setState(LatchFollower)
	l.setLeadership(false)
	_, _, ch, err := b.conn.GetW(ctx, ensemble.Join(l.full, ordered[idx-1]))
	if errors.Is(err, ensemble.ErrNoNode) {
		l.signal()
		return nil
	} else if err != nil {
		return err
	}
	go func() {
		select {
		case <-ch:
			l.signal()
		case <-l.ctx.Done():
		}
	}()
	return nil
}

func (l *LeaderLatch) setLeadership(leader bool) {
	if l.leader.Swap(leader) == leader {
		return
	}
	l.lock.Lock()
	if leader {
		close(l.waiter)
	} else {
		l.waiter = make(chan struct{})
	}
	l.lock.Unlock()

	listener := l.listener
	var err error
	if leader {
		_electionLogger.Infof("participant [%s] is now leader of %s", l.id, l.path)
		err = l.dispatcher.Submit(listener.Leader)
	} else {
		_electionLogger.Infof("participant [%s] lost leadership of %s", l.id, l.path)
		err = l.dispatcher.Submit(listener.LostLeader)
	}
	if err != nil {
		_electionLogger.Warnf("dispatch leadership change on %s failed: %s", l.path, err)
	}

	select {
	case <-l.notify:
	default:
	}
	select {
	case l.notify <- leader:
	default:
	}
}

// Await blocks until the latch holds leadership, ctx is done or the latch is closed.
func (l *LeaderLatch) Await(ctx context.Context) error {
	for {
		if l.HasLeadership() {
			return nil
		}
		l.lock.Lock()
		waiter := l.waiter
		l.lock.Unlock()
		select {
		case <-waiter:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed:
			return &ElectionError{Path: l.path, Err: ErrLatchClosed}
		}
	}
}

func (l *LeaderLatch) contenderNodes(ctx context.Context) ([]string, error) {
	var names []string
	err := l.client.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		var err error
		names, _, err = conn.Children(ctx, l.full)
		return err
	})
	if err != nil {
		return nil, &ElectionError{Path: l.path, Err: err}
	}
	return contenders(names), nil
}

func (l *LeaderLatch) participantID(ctx context.Context, name string) (string, error) {
	var data []byte
	err := l.client.do(ctx, func(ctx context.Context, conn ensemble.Conn) error {
		var err error
		data, _, err = conn.Get(ctx, ensemble.Join(l.full, name))
		return err
	})
	return string(data), err
}

// LeaderID returns the participant id of the current leader, or "" if there is no contender.
func (l *LeaderLatch) LeaderID(ctx context.Context) (string, error) {
	for {
		ordered, err := l.contenderNodes(ctx)
		if err != nil || len(ordered) == 0 {
			return "", err
		}
		id, err := l.participantID(ctx, ordered[0])
		if errors.Is(err, ensemble.ErrNoNode) {
			continue
		} else if err != nil {
			return "", &ElectionError{Path: l.path, Err: err}
		}
		return id, nil
	}
}

// Participants lists the contenders in election order.
func (l *LeaderLatch) Participants(ctx context.Context) ([]Participant, error) {
	ordered, err := l.contenderNodes(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]Participant, 0, len(ordered))
	for _, name := range ordered {
		id, err := l.participantID(ctx, name)
		if errors.Is(err, ensemble.ErrNoNode) {
			continue
		} else if err != nil {
			return nil, &ElectionError{Path: l.path, Err: err}
		}
		result = append(result, Participant{
			ID:     id,
			Leader: len(result) == 0,
			Node:   l.client.strip(ensemble.Join(l.full, name)),
		})
	}
	return result, nil
}

// Close leaves the election and deletes the contender node right away.
func (l *LeaderLatch) Close() error {
	l.startLock.Lock()
	defer l.startLock.Unlock()
	prev := LatchState(l.state.Swap(int32(LatchClosed)))
	if prev == LatchClosed {
		return nil
	}
	defer close(l.closed)
	if prev == LatchNotStarted {
		return nil
	}
	l.cancel()
	<-l.done
	l.client.untrack(l)

	var err error
	if node := l.node.Swap(""); node != "" {
		if conn, cerr := l.client.currentConn(); cerr == nil {
			ctx, cancel := context.WithTimeout(context.Background(), l.client.opts.connectionTimeout)
			err = conn.Delete(ctx, node, ensemble.AnyVersion)
			cancel()
			if errors.Is(err, ensemble.ErrNoNode) {
				err = nil
			}
		}
	}
	l.setLeadership(false)
	_electionLogger.Infof("participant [%s] left the election on %s", l.id, l.path)
	if err != nil {
		return &ElectionError{Path: l.path, Err: err}
	}
	return nil
}
