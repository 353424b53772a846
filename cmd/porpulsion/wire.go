//go:build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/porpulsion/porpulsion-agent/internal/channel"
	"github.com/porpulsion/porpulsion-agent/internal/config"
	"github.com/porpulsion/porpulsion-agent/internal/tunnel"
)

func wireApp(conf *config.Config) (*App, func(), error) {
	panic(wire.Build(
		newApp,
		provideLevel,
		provideLogBuffer,
		provideClientset,
		provideCredentials,
		provideRegistry,
		provideObservability,
		provideMetrics,
		provideExecutor,
		provideReconciler,
		provideAgent,
		provideHandshake,
		provideServer,
		channel.NewRouter,
		channel.NewManager,
		tunnel.New,
	))
}
