package ginshared

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/netutil"
)

const shutdownTimeout = 5 * time.Second

// StartBareMetalGinServer serves engine on l until ctx is done.
// At most maxConnections connections are served at once when maxConnections is positive.
func StartBareMetalGinServer(ctx context.Context, l net.Listener, engine *gin.Engine, maxConnections int) error {
	if maxConnections > 0 {
		l = netutil.LimitListener(l, maxConnections)
	}
	server := &http.Server{Handler: engine}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(sctx)
	}()
	err := server.Serve(l)
	cancel()
	<-stopped
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
