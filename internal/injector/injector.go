//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/replicore/examples/arena"
	"github.com/zeusync/replicore/internal/config"
	"github.com/zeusync/replicore/internal/server"
	"github.com/zeusync/replicore/sdk/go/client"
)

func InitializeHost(cfg *config.Config) (*server.Host, error) {
	wire.Build(HostSet)
	return nil, nil
}

func InitializeClient(cfg *config.Config, controls arena.Controls) (*client.Client, error) {
	wire.Build(ClientSet)
	return nil, nil
}
