//go:build wireinject
// +build wireinject

package app

import (
	"github.com/google/wire"

	"github.com/sparlo/usage/internal/shared/config"
)

// InitializeApp creates the application using Wire.
func InitializeApp(cfg *config.Config) (*App, func(), error) {
	wire.Build(AppSet)
	return nil, nil, nil
}
