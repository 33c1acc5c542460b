package server

import (
	"context"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/kataras/golog"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/stockresearch/config"
	"github.com/mohammad-safakhou/stockresearch/internal/jobs"
	"github.com/mohammad-safakhou/stockresearch/internal/logging"
	"github.com/mohammad-safakhou/stockresearch/internal/research"
)

// Scheduler submits the configured recurring research jobs. With Redis set,
// a per-schedule per-minute lock keeps replicas from submitting twice.
type Scheduler struct {
	Schedules []config.ScheduleConfig
	Store     *jobs.Store
	Runner    Submitter
	Rdb       *redis.Client
	KeyPrefix string
	Limits    research.RequestLimits
	Interval  time.Duration
	Logger    *golog.Logger

	now  func() time.Time
	last map[string]time.Time
}

// Run ticks until ctx is done. Schedules first become due after their next
// occurrence following the start time.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.Schedules) == 0 {
		return nil
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	s.init()
	s.Logger.Infof("%d schedule(s) loaded", len(s.Schedules))
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) init() {
	if s.Logger == nil {
		s.Logger = logging.Discard()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.last == nil {
		start := s.now()
		s.last = make(map[string]time.Time, len(s.Schedules))
		for _, sc := range s.Schedules {
			s.last[scheduleKey(sc)] = start
		}
	}
}

// tick submits every due schedule and returns the ids of the created jobs.
func (s *Scheduler) tick(ctx context.Context) []string {
	s.init()
	now := s.now()
	var created []string
	for _, sc := range s.Schedules {
		key := scheduleKey(sc)
		last := s.last[key]
		if !isDue(sc.Cron, &last, now) {
			continue
		}
		s.last[key] = now
		if s.Rdb != nil {
			lockKey := s.KeyPrefix + "sched:lock:" + key + ":" + now.UTC().Format("200601021504")
			ok, err := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if err != nil {
				s.Logger.Warnf("schedule %s: lock: %v", key, err)
				continue
			}
			if !ok {
				continue
			}
		}
		id, err := s.submit(ctx, sc)
		if err != nil {
			s.Logger.Errorf("schedule %s: %v", key, err)
			continue
		}
		s.Logger.Infof("schedule %s submitted %s", key, id)
		created = append(created, id)
	}
	return created
}

func (s *Scheduler) submit(ctx context.Context, sc config.ScheduleConfig) (string, error) {
	req, err := research.Request{
		Topic:     sc.Topic,
		Symbols:   sc.Symbols,
		Market:    sc.Market,
		MaxTopics: sc.MaxTopics,
	}.Normalize(s.Limits)
	if err != nil {
		return "", err
	}
	job, err := s.Store.Create(req)
	if err != nil {
		return "", err
	}
	if s.Runner != nil {
		s.Runner.Submit(ctx, job.ID)
	}
	return job.ID, nil
}

func scheduleKey(sc config.ScheduleConfig) string {
	if sc.Name != "" {
		return sc.Name
	}
	return sc.Cron + "|" + sc.Topic
}

// isDue reports whether a schedule last fired at last should fire at now.
// Supports "@daily", "@hourly" and standard cron expressions; a schedule that
// never fired is due at once.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	switch cronSpec {
	case "@daily":
		return last == nil || now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		return last == nil || now.Sub(*last) >= time.Hour
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return false
	}
	if last == nil {
		return true
	}
	next := expr.Next(*last)
	return !next.IsZero() && !next.After(now)
}
