package convo

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs the idle sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

// Sweeper purges idle rooms from a Store on a cron schedule.
type Sweeper struct {
	store     *Store
	cron      *cron.Cron
	onExpired func(Room)
	logger    *zap.Logger
}

// SweeperOpts holds parameters for creating a Sweeper.
type SweeperOpts struct {
	Store     *Store
	Schedule  string     // standard cron spec or descriptor; defaults to DefaultSweepSchedule
	OnExpired func(Room) // optional; called once per purged room
	Logger    *zap.Logger
}

// NewSweeper creates a Sweeper. The schedule is validated up front.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("convo: sweeper: store is required")
	}
	spec := opts.Schedule
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sw := &Sweeper{
		store:     opts.Store,
		cron:      cron.New(),
		onExpired: opts.OnExpired,
		logger:    logger,
	}
	if _, err := sw.cron.AddFunc(spec, sw.RunOnce); err != nil {
		return nil, fmt.Errorf("convo: sweeper: schedule %q: %w", spec, err)
	}
	return sw, nil
}

// Start begins the schedule in its own goroutine.
func (sw *Sweeper) Start() {
	sw.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (sw *Sweeper) Stop() {
	<-sw.cron.Stop().Done()
}

// RunOnce sweeps immediately, reporting each purged room to OnExpired.
func (sw *Sweeper) RunOnce() {
	expired := sw.store.Sweep(sw.store.now())
	for _, room := range expired {
		sw.logger.Info("room expired",
			zap.String("room", room.ID),
			zap.Time("last_activity", room.UpdatedAt),
			zap.Int("messages", len(room.Messages)))
		if sw.onExpired != nil {
			sw.onExpired(room)
		}
	}
}
