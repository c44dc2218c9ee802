package actions

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/satsbank/satsbank/audit"
	"github.com/satsbank/satsbank/cmd/satsbank/flags"
	"github.com/satsbank/satsbank/config"
	"github.com/satsbank/satsbank/db"
	"github.com/satsbank/satsbank/email"
	"github.com/satsbank/satsbank/ln"
)

// Audit returns a command that runs a single balance audit and prints the
// report
func Audit() cli.Command {
	return cli.Command{
		Name:  "audit",
		Usage: "Runs a single balance audit against the ledger and the node",
		Flags: flags.Concat([]cli.Flag{
			cli.BoolFlag{
				Name:  "send-report",
				Usage: "Email the report to the configured recipient",
			},
		}, flags.Db),
		Action: func(c *cli.Context) error {
			envConf, err := config.FromEnv()
			if err != nil {
				return err
			}

			dbConf := flags.ReadDbConf(c)
			database, err := db.Open(dbConf)
			if err != nil {
				return err
			}
			defer func() { err = database.Close() }()

			lncli := ln.NewRestClient(ln.GatewayConfig{
				URL:         envConf.GatewayURL,
				MacaroonHex: envConf.GatewayMacaroon,
				Timeout:     envConf.GatewayTimeout,
			})

			var sender audit.ReportSender
			if c.Bool("send-report") {
				if envConf.SendGridKey == "" || envConf.ReportRecipient == "" {
					return fmt.Errorf("send-report requires SENDGRID_API_KEY and REPORT_RECIPIENT")
				}
				sender = email.NewSendGridSender(envConf.SendGridKey,
					envConf.ReportFrom, envConf.ReportRecipient)
			}

			auditor := audit.NewEngine(database, lncli, lncli, sender)
			report, err := auditor.Run()
			if err != nil {
				return err
			}

			fmt.Print(audit.RenderText(report))
			if report.Status == audit.Failed {
				return cli.NewExitError("audit failed", 1)
			}
			return nil
		},
	}
}
