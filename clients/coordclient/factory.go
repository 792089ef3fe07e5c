package coordclient

import (
	"github.com/spf13/afero"

	"github.com/meidoworks/nekoq-coord/config"
	"github.com/meidoworks/nekoq-coord/shared/codec"
	"github.com/meidoworks/nekoq-coord/shared/ensemble"
	"github.com/meidoworks/nekoq-coord/shared/ensemble/memensemble"
	"github.com/meidoworks/nekoq-coord/shared/ensemble/zkensemble"
	"github.com/meidoworks/nekoq-coord/shared/executor"
)

// NewFromConfig builds an unopened client from cfg. An "embedded" server entry starts
// an in-process ensemble owned by the client.
func NewFromConfig(cfg *config.CoordConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fail("new", "", err)
	}
	cdc, err := codec.New(cfg.Serializer.Type, cfg.Serializer.Compress)
	if err != nil {
		return nil, fail("new", "", err)
	}
	pool, err := executor.NewPool(executor.Config{
		Name:            cfg.Threads.Name,
		CorePoolSize:    cfg.Threads.CorePoolSize,
		MaximumPoolSize: cfg.Threads.MaximumPoolSize,
		KeepAlive:       cfg.Threads.KeepAlive(),
		WorkQueueSize:   cfg.Threads.WorkQueueSize,
	})
	if err != nil {
		return nil, fail("new", "", err)
	}

	opts := []Option{
		WithNamespace(cfg.Ensemble.Namespace),
		WithConnectionTimeout(cfg.Ensemble.ConnectionTimeout()),
		WithRetryPolicy(retryPolicyFromConfig(cfg.Ensemble.Retry)),
		WithReadOnlyAllowed(cfg.Ensemble.ReadOnly),
		WithCodec(cdc),
		withOwnedExecutor(pool),
	}

	var dialer ensemble.Dialer
	if embedded, dir := cfg.Ensemble.Embedded(); embedded {
		var ensOpts []memensemble.Option
		if dir != "" {
			ensOpts = append(ensOpts, memensemble.WithDataDir(afero.NewOsFs(), dir))
		}
		ens, err := memensemble.New(ensOpts...)
		if err != nil {
			pool.Shutdown()
			return nil, fail("new", "", err)
		}
		dialer = ens.Dialer()
		opts = append(opts, withClosers(ens))
	} else {
		dialer = zkensemble.NewDialer(zkensemble.Config{
			Servers:           cfg.Ensemble.Servers,
			SessionTimeout:    cfg.Ensemble.SessionTimeout(),
			ConnectionTimeout: cfg.Ensemble.ConnectionTimeout(),
		})
	}
	return New(dialer, opts...)
}
