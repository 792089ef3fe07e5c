// Package testlib holds helpers shared by the tests of this module.
package testlib

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const tick = 10 * time.Millisecond

func AssertError(t testing.TB, e error) {
	t.Helper()
	if e != nil {
		t.Fatal("assertError:", e)
	}
}

// Eventually fails the test if cond does not hold within timeout.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, timeout, tick, msgAndArgs...)
}

// Recorder collects events reported from concurrent callbacks in arrival order.
type Recorder struct {
	lock   sync.Mutex
	events []string
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(format string, args ...interface{}) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *Recorder) Events() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.events...)
}

func (r *Recorder) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.events)
}

func (r *Recorder) Contains(event string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func (r *Recorder) Index(event string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

func (r *Recorder) Reset() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = nil
}

// WaitFor blocks until event has been recorded or fails the test after timeout.
func (r *Recorder) WaitFor(t testing.TB, timeout time.Duration, event string) {
	t.Helper()
	Eventually(t, timeout, func() bool {
		return r.Contains(event)
	}, "event %q not recorded", event)
}

// WaitLen blocks until at least n events have been recorded or fails the test after timeout.
func (r *Recorder) WaitLen(t testing.TB, timeout time.Duration, n int) {
	t.Helper()
	Eventually(t, timeout, func() bool {
		return r.Len() >= n
	}, "expected %d events", n)
}
