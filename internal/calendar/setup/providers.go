// Package setup registers the remote server flavours with the sync engine.
package setup

import (
	"errors"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
)

// ErrBearerUnsupported is returned for iCloud bindings configured with a
// bearer token; iCloud only accepts app-specific passwords.
var ErrBearerUnsupported = errors.New("apple calendar requires basic authentication")

// ServerConfig holds the settings shared by every remote client.
type ServerConfig struct {
	Timeout time.Duration
	Breaker caldav.BreakerConfig
	Logger  *slog.Logger
}

// NewServerRegistry returns a registry with every supported flavour
// registered. All clients share one set of per-host circuit breakers.
func NewServerRegistry(config ServerConfig) *application.ServerRegistry {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breakers := caldav.NewBreakers(config.Breaker, logger)

	open := func(binding *domain.SyncUser) (reconcile.RemoteStore, error) {
		return caldav.NewClient(caldav.ConfigFor(binding, config.Timeout), breakers,
			logger.With("server_type", binding.ServerType().String()))
	}

	registry := application.NewServerRegistry(open)
	registry.Register(domain.ServerNextcloud, open)
	registry.Register(domain.ServerFastmail, open)
	registry.Register(domain.ServerApple, func(binding *domain.SyncUser) (reconcile.RemoteStore, error) {
		if binding.AuthMode() == domain.AuthBearer {
			return nil, ErrBearerUnsupported
		}
		return open(binding)
	})
	logger.Debug("registered caldav servers",
		"flavours", []string{
			domain.ServerNextcloud.String(),
			domain.ServerFastmail.String(),
			domain.ServerApple.String(),
		},
	)
	return registry
}
