package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/shopspring/decimal"
)

// Totals is the read side the dashboard aggregates come from.
type Totals interface {
	TotalDivineAlgoShare(ctx context.Context) (decimal.Decimal, error)
	TotalWalletBalance(ctx context.Context) (decimal.Decimal, error)
}

// Publisher receives dashboard events. *Hub implements it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Dashboard periodically pushes platform-wide totals to every client.
type Dashboard struct {
	totals Totals
	pub    Publisher
	logger *slog.Logger
	sched  gocron.Scheduler
}

// NewDashboard creates a dashboard feed. Call Start to schedule it.
func NewDashboard(totals Totals, pub Publisher, logger *slog.Logger) *Dashboard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dashboard{totals: totals, pub: pub, logger: logger}
}

// Push computes both totals and publishes them.
func (d *Dashboard) Push(ctx context.Context) error {
	share, err := d.totals.TotalDivineAlgoShare(ctx)
	if err != nil {
		return fmt.Errorf("divine algo share total: %w", err)
	}
	balance, err := d.totals.TotalWalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("wallet balance total: %w", err)
	}
	d.pub.Publish(EventDivineAlgoShare, Total{Total: share.String()})
	d.pub.Publish(EventWalletBalance, Total{Total: balance.String()})
	return nil
}

// Start schedules Push every interval, beginning immediately. Overlapping
// runs are skipped.
func (d *Dashboard) Start(interval time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := d.Push(ctx); err != nil {
				d.logger.Error("dashboard push failed", "err", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}
	sched.Start()
	d.sched = sched
	return nil
}

// Stop shuts the scheduler down.
func (d *Dashboard) Stop() error {
	if d.sched == nil {
		return nil
	}
	return d.sched.Shutdown()
}
