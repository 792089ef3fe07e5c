package workgroup

import (
	"context"
	"time"

	"github.com/meidoworks/nekoq-coord/shared/logging"
)

var _workgroupLogger = logging.NewLogger("WorkGroup")

const restartDelay = 100 * time.Millisecond

type WorkGroup interface {
	// Run starts fn in the background. The returned channel is closed once the task is finished for good.
	Run(ctx context.Context, name string, fn func(ctx context.Context) bool) <-chan struct{}
}

var defaultFailOverWorkGroup failOverWorkGroup

// failOverWorkGroup restarts a task which panicked or returned false, until ctx is done.
type failOverWorkGroup struct {
}

func (f failOverWorkGroup) Run(ctx context.Context, name string, fn func(ctx context.Context) bool) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			shutdownChannel := make(chan bool, 1)
			func() {
				defer func() {
					err := recover()
					if err != nil {
						_workgroupLogger.Errorf("WorkGroup will restart task [%s] after reporting panic: %v", name, err)
						shutdownChannel <- false
					}
				}()
				shutdown := fn(ctx)
				shutdownChannel <- shutdown
			}()
			if shutdown := <-shutdownChannel; shutdown || ctx.Err() != nil {
				break
			}
			_workgroupLogger.Infof("WorkGroup reports restarting task [%s] after last task complete", name)
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartDelay):
			}
		}
	}()
	return done
}

func WithFailOver() WorkGroup {
	return defaultFailOverWorkGroup
}
