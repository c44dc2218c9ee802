package actions

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli"

	"github.com/satsbank/satsbank/api"
	"github.com/satsbank/satsbank/async"
	"github.com/satsbank/satsbank/audit"
	"github.com/satsbank/satsbank/cmd/satsbank/flags"
	"github.com/satsbank/satsbank/config"
	"github.com/satsbank/satsbank/db"
	"github.com/satsbank/satsbank/email"
	"github.com/satsbank/satsbank/ln"
	"github.com/satsbank/satsbank/payments"
)

const (
	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second
)

// awaitGateway tries to get a response from the Lightning gateway, returning
// an error if that isn't possible within a set of attempts
func awaitGateway(lncli ln.Pinger) error {
	retry := func() bool {
		err := lncli.Ping()
		if err != nil {
			log.WithError(err).Debug("Gateway ping failed")
		}
		return err == nil
	}
	return async.Await(rpcAwaitAttempts, rpcAwaitDuration, retry, "couldn't reach gateway")
}

func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the wallet api",
		Action: func(c *cli.Context) error {
			envConf, err := config.FromEnv()
			if err != nil {
				return err
			}

			network, err := flags.ReadNetwork(c)
			if err != nil {
				return err
			}

			dbConf := flags.ReadDbConf(c)
			database, err := db.Open(dbConf)
			if err != nil {
				return err
			}
			defer func() { err = database.Close() }()

			// we do a DB status check here, to verify that we can connect
			// to the DB. otherwise errors there won't get picked up until later
			if _, err := database.MigrationStatus(); err != nil {
				log.WithError(err).Warn("Could not query DB migration status")
			}
			if c.Bool("db.migrateup") {
				if err := database.MigrateUp(); err != nil {
					return err
				}
			}

			lncli := ln.NewRestClient(ln.GatewayConfig{
				URL:         envConf.GatewayURL,
				MacaroonHex: envConf.GatewayMacaroon,
				Timeout:     envConf.GatewayTimeout,
			})
			if err := awaitGateway(lncli); err != nil {
				return err
			}
			log.Info("Gateway is properly started")

			var sender audit.ReportSender
			if envConf.SendGridKey != "" && envConf.ReportRecipient != "" {
				sender = email.NewSendGridSender(envConf.SendGridKey,
					envConf.ReportFrom, envConf.ReportRecipient)
			} else {
				log.Warn("SendGrid not configured, audit reports will only be logged")
			}

			auditor := audit.NewEngine(database, lncli, lncli, sender)

			apiConf := api.Config{
				LogLevel:   log.Level,
				Network:    network,
				AdminToken: envConf.AdminToken,
			}
			if envConf.LinkedGatewayURL != "" {
				apiConf.LinkedWallet = ln.NewRestClient(ln.GatewayConfig{
					URL:         envConf.LinkedGatewayURL,
					MacaroonHex: envConf.LinkedGatewayMacaroon,
					Timeout:     envConf.GatewayTimeout,
				})
			}

			a, err := api.NewApp(database, lncli, auditor, apiConf)
			if err != nil {
				return err
			}

			poller := payments.NewPoller(database, lncli, payments.SystemClock(),
				envConf.PollInterval)
			poller.Start()
			defer poller.Stop()

			scheduler := cron.New()
			if _, err := scheduler.AddFunc(envConf.AuditSchedule, func() {
				if _, err := auditor.Run(); err != nil {
					log.WithError(err).Error("Scheduled audit run failed")
				}
			}); err != nil {
				return fmt.Errorf("bad audit schedule %q: %w", envConf.AuditSchedule, err)
			}
			scheduler.Start()
			defer scheduler.Stop()

			// shut the poller and scheduler down cleanly on SIGINT/SIGTERM
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-quit
				log.WithField("signal", sig).Info("Shutting down")
				poller.Stop()
				scheduler.Stop()
				os.Exit(0)
			}()

			address := fmt.Sprintf(":%d", c.Int("port"))
			if os.Getenv(gin.EnvGinMode) == gin.ReleaseMode {
				err = a.Router.RunTLS(address,
					c.String("tls-cert-file"),
					c.String("tls-key-file"))
			} else {
				err = a.Router.Run(address)
			}

			return err
		},
	}

	baseFlags := []cli.Flag{
		cli.IntFlag{
			Name:  "port",
			Value: 5000,
			Usage: "Port number to listen on",
		},
		cli.StringFlag{
			Name:      "tls-cert-file",
			EnvVar:    "SATSBANK_TLS_CERT_FILE",
			Usage:     "Path to TLS cert file",
			TakesFile: true,
			Required:  os.Getenv(gin.EnvGinMode) == gin.ReleaseMode,
		},
		cli.StringFlag{
			Name:     "tls-key-file",
			EnvVar:   "SATSBANK_TLS_KEY_FILE",
			Usage:    "Path to TLS key file",
			Required: os.Getenv(gin.EnvGinMode) == gin.ReleaseMode,
		},
	}

	serve.Flags = flags.Concat(baseFlags, flags.Db)
	return serve
}
