// Package config reads service configuration from the environment. Database
// and network settings come in through CLI flags instead, so everything
// here is either a secret or an operator preference.
package config

import (
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
)

// Config is the environment backed part of the service configuration
type Config struct {
	// GatewayURL is the base URL of the Lightning REST gateway
	GatewayURL string `env:"GATEWAY_URL" envDefault:"https://localhost:8080"`
	// GatewayMacaroon authenticates us towards the node, hex encoded
	GatewayMacaroon string        `env:"GATEWAY_MACAROON"`
	GatewayTimeout  time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"30s"`

	// LinkedGatewayURL points at the user-linked wallet gateway. Empty
	// disables the linked withdrawal route.
	LinkedGatewayURL      string `env:"LINKED_GATEWAY_URL"`
	LinkedGatewayMacaroon string `env:"LINKED_GATEWAY_MACAROON"`

	// AdminToken guards the operator HTTP routes. Empty disables them.
	AdminToken string `env:"ADMIN_TOKEN"`

	// SendGridKey enables emailed audit reports when set
	SendGridKey     string `env:"SENDGRID_API_KEY"`
	ReportFrom      string `env:"REPORT_FROM" envDefault:"audit@satsbank.io"`
	ReportRecipient string `env:"REPORT_RECIPIENT"`

	// AuditSchedule is a cron expression for the nightly audit run
	AuditSchedule string `env:"AUDIT_SCHEDULE" envDefault:"0 4 * * *"`

	// PollInterval is how often the settlement poller sweeps open invoices
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
}

// FromEnv parses the configuration out of the environment
func FromEnv() (Config, error) {
	var conf Config
	if err := env.Parse(&conf); err != nil {
		return Config{}, errors.Wrap(err, "could not parse environment config")
	}
	return conf, nil
}
