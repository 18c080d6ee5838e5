// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"
	"net/http"

	"github.com/dukex/flowengine/pkg/actions/enqueue"
	"github.com/dukex/flowengine/pkg/actions/httprequest"
	logaction "github.com/dukex/flowengine/pkg/actions/log"
	"github.com/dukex/flowengine/pkg/actions/publishevent"
	"github.com/dukex/flowengine/pkg/actions/startworkflow"
	"github.com/dukex/flowengine/pkg/eventbus"
	"github.com/dukex/flowengine/pkg/registry"
	"github.com/redis/go-redis/v9"
)

// ActionDeps are the clients rule actions talk to. Actions whose client is nil
// are not registered.
type ActionDeps struct {
	HTTPClient *http.Client
	Redis      redis.UniversalClient
	Publisher  eventbus.EventPublisher
	Starter    startworkflow.Starter
}

func registerNativeActions(reg *registry.Registry, deps ActionDeps) {
	reg.RegisterAction(logaction.NewActionFactory())
	reg.RegisterAction(httprequest.NewActionFactory(deps.HTTPClient))

	if deps.Redis != nil {
		reg.RegisterAction(enqueue.NewActionFactory(deps.Redis))
	}

	if deps.Publisher != nil {
		reg.RegisterAction(publishevent.NewActionFactory(deps.Publisher))
	}

	if deps.Starter != nil {
		reg.RegisterAction(startworkflow.NewActionFactory(deps.Starter))
	}
}

func NewRegistry(log *slog.Logger, deps ActionDeps) *registry.Registry {
	reg := registry.NewRegistry(log)

	registerNativeActions(reg, deps)

	return reg
}
