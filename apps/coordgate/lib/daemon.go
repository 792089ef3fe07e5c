package lib

import (
	"context"

	"github.com/meidoworks/nekoq-coord/clients/coordclient"
	"github.com/meidoworks/nekoq-coord/config"
	"github.com/meidoworks/nekoq-coord/shared/workgroup"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type electionLogger struct {
	path string
}

func (e electionLogger) Leader() {
	_gatewayLogger.Infof("gained leadership of %s", e.path)
}

func (e electionLogger) LostLeader() {
	_gatewayLogger.Warnf("lost leadership of %s", e.path)
}

// Run connects to the configured ensemble, joins the election if enabled and serves
// the gateway if enabled, until ctx is done.
func Run(ctx context.Context, cfg *config.CoordConfig) (err error) {
	client, err := coordclient.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, client.Close())
	}()
	if err := client.Open(ctx); err != nil {
		return err
	}
	_gatewayLogger.Infof("connected to ensemble %v, session 0x%x", cfg.Ensemble.Servers, client.SessionID())

	var latch *coordclient.LeaderLatch
	if cfg.Election.Enabled {
		var opts []coordclient.LatchOption
		if cfg.Election.ParticipantId != "" {
			opts = append(opts, coordclient.WithParticipantID(cfg.Election.ParticipantId))
		}
		latch = coordclient.NewLeaderLatch(client, cfg.Election.Path, electionLogger{path: cfg.Election.Path}, opts...)
		if err := latch.Start(ctx); err != nil {
			return err
		}
		_gatewayLogger.Infof("participant [%s] joined the election on %s", latch.ID(), latch.Path())
	}

	g, gctx := errgroup.WithContext(ctx)
	if !cfg.Gateway.Disable {
		gateway := NewGateway(client, latch, cfg.Gateway)
		g.Go(func() error {
			<-workgroup.WithFailOver().Run(gctx, "coordgate", func(ctx context.Context) bool {
				if err := gateway.ListenAndServe(ctx); err != nil {
					_gatewayLogger.Errorf("gateway on %s stopped: %s", cfg.Gateway.Listen, err)
					return false
				}
				return true
			})
			return gateway.Close()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}
