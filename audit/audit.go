// Package audit recomputes every account balance from the ledger and
// compares it to the stored balance. A mismatch means money was created or
// destroyed outside the guarded mutations, which is the one thing a
// custodial wallet can never shrug off.
package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/satsbank/satsbank/build"
	"github.com/satsbank/satsbank/db"
	"github.com/satsbank/satsbank/ln"
	"github.com/satsbank/satsbank/models/accounts"
	"github.com/satsbank/satsbank/models/ledger"
)

var log = build.AddSubLogger("AUDT")

// Status is the overall outcome of an audit run
type Status string

const (
	// Passed means every stored balance matched its recomputed value
	Passed Status = "passed"
	// Failed means at least one account drifted from its ledger
	Failed Status = "failed"
)

// ActivityWindow is how far back the informational activity aggregates reach
const ActivityWindow = 24 * time.Hour

// Entry is one account's audit result. Difference is stored minus computed:
// positive means the account shows more money than its history justifies.
type Entry struct {
	AccountID       int
	Username        string
	StoredBalance   int64
	ComputedBalance int64
	Difference      int64
}

// HealthStatus is the result of probing one dependency
type HealthStatus struct {
	Name string
	OK   bool
	Err  string
}

// Report is the full result of one audit run
type Report struct {
	RunID      uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time
	Status     Status

	// Mismatches holds only the accounts that drifted
	Mismatches      []Entry
	AccountsChecked int

	// TotalCustodialSat is the sum of all stored balances
	TotalCustodialSat int64
	// NodeTotalSat is the node's aggregate balance, 0 if the probe failed.
	// The node holding less than the custodial total is an insolvency
	// signal, reported but not a run failure: node balance moves for
	// reasons outside the ledger (fees, channel reserves).
	NodeTotalSat int64
	NodeProbeOK  bool

	Health   []HealthStatus
	Activity ledger.Activity
}

// ReportSender delivers a finished report to a human. Ping lets the audit
// probe the notification channel like any other dependency.
type ReportSender interface {
	SendReport(subject string, body string) error
	Ping() error
}

// Engine runs audits. Probe failures degrade the report instead of aborting
// it: a flaky node must not hide a ledger mismatch.
type Engine struct {
	database *db.DB
	node     ln.BalanceFetcher
	pinger   ln.Pinger
	sender   ReportSender
}

// NewEngine wires an audit engine. sender may be nil, in which case reports
// are only logged.
func NewEngine(database *db.DB, node ln.BalanceFetcher, pinger ln.Pinger,
	sender ReportSender) *Engine {
	return &Engine{
		database: database,
		node:     node,
		pinger:   pinger,
		sender:   sender,
	}
}

// Run executes one full audit: recompute every balance, compare against the
// node, probe dependencies, aggregate recent activity, and send the report
func (e *Engine) Run() (Report, error) {
	report := Report{
		RunID:     uuid.New(),
		StartedAt: time.Now(),
		Status:    Passed,
	}

	log.WithField("runId", report.RunID).Info("Starting audit run")

	all, err := accounts.GetAll(e.database)
	if err != nil {
		return Report{}, errors.Wrap(err, "could not list accounts")
	}

	for _, account := range all {
		computed, err := ledger.ComputeBalance(e.database, account.ID)
		if err != nil {
			return Report{}, errors.Wrapf(err,
				"could not recompute balance for account %d", account.ID)
		}

		report.AccountsChecked++
		report.TotalCustodialSat += account.BalanceSat

		if account.BalanceSat != computed {
			report.Status = Failed
			report.Mismatches = append(report.Mismatches, Entry{
				AccountID:       account.ID,
				Username:        account.Username,
				StoredBalance:   account.BalanceSat,
				ComputedBalance: computed,
				Difference:      account.BalanceSat - computed,
			})
			log.WithField("accountId", account.ID).
				WithField("stored", account.BalanceSat).
				WithField("computed", computed).
				Error("Balance mismatch")
		}
	}

	e.probeNode(&report)
	e.probeHealth(&report)

	activity, err := ledger.ActivitySince(e.database, report.StartedAt.Add(-ActivityWindow))
	if err != nil {
		log.WithError(err).Error("Could not aggregate activity")
	} else {
		report.Activity = activity
	}

	report.FinishedAt = time.Now()

	log.WithField("runId", report.RunID).
		WithField("status", report.Status).
		WithField("accounts", report.AccountsChecked).
		WithField("mismatches", len(report.Mismatches)).
		Info("Finished audit run")

	if e.sender != nil {
		subject := fmt.Sprintf("Audit %s: %s", report.RunID, report.Status)
		if err := e.sender.SendReport(subject, RenderText(report)); err != nil {
			log.WithError(err).Error("Could not send audit report")
		}
	}

	return report, nil
}

func (e *Engine) probeNode(report *Report) {
	if e.node == nil {
		return
	}
	balance, err := e.node.NodeBalance()
	if err != nil {
		log.WithError(err).Error("Could not fetch node balance")
		return
	}
	report.NodeTotalSat = balance.TotalSat()
	report.NodeProbeOK = true

	if report.NodeTotalSat < report.TotalCustodialSat {
		log.WithField("nodeSat", report.NodeTotalSat).
			WithField("custodialSat", report.TotalCustodialSat).
			Warn("Node balance below custodial total")
	}
}

func (e *Engine) probeHealth(report *Report) {
	dbStatus := HealthStatus{Name: "database", OK: true}
	if err := e.database.Ping(); err != nil {
		dbStatus.OK = false
		dbStatus.Err = err.Error()
	}
	report.Health = append(report.Health, dbStatus)

	if e.pinger != nil {
		lnStatus := HealthStatus{Name: "lightning", OK: true}
		if err := e.pinger.Ping(); err != nil {
			lnStatus.OK = false
			lnStatus.Err = err.Error()
		}
		report.Health = append(report.Health, lnStatus)
	}

	if e.sender != nil {
		mailStatus := HealthStatus{Name: "email", OK: true}
		if err := e.sender.Ping(); err != nil {
			mailStatus.OK = false
			mailStatus.Err = err.Error()
		}
		report.Health = append(report.Health, mailStatus)
	}
}

// RenderText renders a report as the plain text body of the summary email
func RenderText(report Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Audit run %s\n", report.RunID)
	fmt.Fprintf(&b, "Status: %s\n", strings.ToUpper(string(report.Status)))
	fmt.Fprintf(&b, "Started: %s\n", report.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Finished: %s\n\n", report.FinishedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "Accounts checked: %d\n", report.AccountsChecked)
	fmt.Fprintf(&b, "Custodial total: %d sat\n", report.TotalCustodialSat)
	if report.NodeProbeOK {
		fmt.Fprintf(&b, "Node total: %d sat\n", report.NodeTotalSat)
	} else {
		b.WriteString("Node total: unavailable\n")
	}
	b.WriteString("\n")

	if len(report.Mismatches) > 0 {
		b.WriteString("MISMATCHES:\n")
		for _, entry := range report.Mismatches {
			fmt.Fprintf(&b, "  account %d (%s): stored %d, computed %d, difference %d\n",
				entry.AccountID, entry.Username,
				entry.StoredBalance, entry.ComputedBalance, entry.Difference)
		}
		b.WriteString("\n")
	}

	if len(report.Health) > 0 {
		b.WriteString("Health:\n")
		for _, h := range report.Health {
			if h.OK {
				fmt.Fprintf(&b, "  %s: ok\n", h.Name)
			} else {
				fmt.Fprintf(&b, "  %s: FAILING (%s)\n", h.Name, h.Err)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Activity since %s:\n", report.Activity.Since.Format(time.RFC3339))
	if len(report.Activity.ByType) == 0 {
		b.WriteString("  none\n")
	}
	for _, a := range report.Activity.ByType {
		fmt.Fprintf(&b, "  %s: %d transactions, %d sat\n", a.Type, a.Count, a.AmountSat)
	}
	fmt.Fprintf(&b, "  active accounts: %d\n", report.Activity.ActiveAccounts)

	return b.String()
}
