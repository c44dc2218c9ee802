package payments

import (
	"time"

	"github.com/satsbank/satsbank/db"
	"github.com/satsbank/satsbank/ln"
	"github.com/satsbank/satsbank/models/ledger"
)

// DefaultPollInterval is how often the poller sweeps open payments when no
// other interval is configured
const DefaultPollInterval = 30 * time.Second

// Poller periodically reconciles all open inbound payments against the node.
// It is the safety net behind the on-demand observation in the API: even if
// nobody ever asks about a payment, it converges to the node's view within
// one poll interval.
type Poller struct {
	database *db.DB
	lncli    ln.InvoiceLookuper
	clock    Clock
	interval time.Duration
	quit     chan struct{}
	done     chan struct{}
}

// NewPoller creates a poller sweeping at the given interval. A zero interval
// falls back to DefaultPollInterval.
func NewPoller(database *db.DB, lncli ln.InvoiceLookuper, clock Clock,
	interval time.Duration) *Poller {
	if interval == 0 {
		interval = DefaultPollInterval
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Poller{
		database: database,
		lncli:    lncli,
		clock:    clock,
		interval: interval,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop in its own goroutine
func (p *Poller) Start() {
	log.WithField("interval", p.interval).Info("Starting settlement poller")
	go p.loop()
}

// Stop shuts the poller down and waits for an in-flight sweep to finish
func (p *Poller) Stop() {
	close(p.quit)
	<-p.done
	log.Info("Settlement poller stopped")
}

func (p *Poller) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Sweep()
		case <-p.quit:
			return
		}
	}
}

// Sweep reconciles every open inbound payment once. Failures on individual
// hashes are logged and skipped, a single unreachable lookup must not stall
// the rest of the sweep.
func (p *Poller) Sweep() {
	hashes, err := ledger.OpenInboundHashes(p.database)
	if err != nil {
		log.WithError(err).Error("Could not list open payments")
		return
	}
	if len(hashes) == 0 {
		return
	}

	log.WithField("count", len(hashes)).Debug("Sweeping open payments")

	for _, hash := range hashes {
		select {
		case <-p.quit:
			return
		default:
		}

		obs, err := Observe(p.database, p.lncli, hash, p.clock)
		if err != nil {
			log.WithError(err).WithField("hash", hash).
				Error("Could not observe payment")
			continue
		}
		if obs.Applied {
			log.WithField("hash", hash).Info("Poller applied settlement")
		}
	}
}
