package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/replicore/examples/arena"
	"github.com/zeusync/replicore/internal/config"
	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/persist"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/protocol/factory"
	"github.com/zeusync/replicore/internal/core/schema"
	"github.com/zeusync/replicore/internal/server"
	"github.com/zeusync/replicore/sdk/go/client"
)

var (
	CommonSet = wire.NewSet(ProvideLogger, ProvideRegistry)
	HostSet   = wire.NewSet(CommonSet, ProvideTransport, ProvideStore, ProvideScene, ProvideHost)
	ClientSet = wire.NewSet(CommonSet, ProvideDialer, ProvideClient)
)

func ProvideLogger(cfg *config.Config) (log.Log, error) {
	lc, err := cfg.Log()
	if err != nil {
		return nil, err
	}
	logger, err := log.NewWithConfig(lc)
	if err != nil {
		return nil, err
	}
	return logger, nil
}

func ProvideRegistry() (*schema.Registry, error) {
	return arena.Registry()
}

func ProvideTransport(cfg *config.Config, logger log.Log) (protocol.Transport, error) {
	return factory.Listen(cfg.Transport, logger)
}

func ProvideDialer(cfg *config.Config, logger log.Log) (protocol.Dialer, error) {
	return factory.NewDialer(cfg.Transport, logger)
}

// ProvideStore returns nil when snapshots are disabled.
func ProvideStore(cfg *config.Config) (persist.Store, error) {
	if cfg.Persist.Dir == "" {
		return nil, nil
	}
	store, err := persist.NewFileStore(cfg.Persist.Dir)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func ProvideScene(logger log.Log) *arena.Scene {
	return arena.NewScene(logger)
}

func ProvideHost(cfg *config.Config, registry *schema.Registry, transport protocol.Transport, store persist.Store, logger log.Log, scene *arena.Scene) (*server.Host, error) {
	h, err := server.NewHost(cfg, registry, transport, store, logger)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	h.Authority().SetFactory(scene.Factory())
	h.SetHooks(server.Hooks{
		Setup:      scene.Setup,
		OnJoin:     scene.Join,
		OnLeave:    scene.Leave,
		BeforeStep: scene.BeforeStep,
	})
	return h, nil
}

func ProvideClient(cfg *config.Config, registry *schema.Registry, dialer protocol.Dialer, logger log.Log, controls arena.Controls) (*client.Client, error) {
	c, err := client.New(cfg, registry, dialer, logger)
	if err != nil {
		return nil, err
	}
	c.Replica().SetFactory(arena.Factory(controls))
	return c, nil
}
