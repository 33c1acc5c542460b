package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/stockresearch/config"
	"github.com/mohammad-safakhou/stockresearch/internal/jobs"
)

func TestIsDue(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	cases := []struct {
		name string
		spec string
		last *time.Time
		want bool
	}{
		{"daily never ran", "@daily", nil, true},
		{"daily recent", "@daily", ago(2 * time.Hour), false},
		{"daily elapsed", "@daily", ago(25 * time.Hour), true},
		{"hourly elapsed", "@hourly", ago(61 * time.Minute), true},
		{"hourly recent", "@hourly", ago(10 * time.Minute), false},
		{"cron passed", "30 9 * * *", ago(time.Hour), true},
		{"cron ahead", "0 10 * * *", ago(time.Hour), false},
		{"cron never ran", "0 10 * * *", nil, true},
		{"invalid", "not a cron", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isDue(tc.spec, tc.last, now))
		})
	}
}

func testScheduler(store *jobs.Store, runner Submitter, rdb *redis.Client, start time.Time, clock *time.Time) *Scheduler {
	s := &Scheduler{
		Schedules: []config.ScheduleConfig{
			{Name: "aapl-morning", Cron: "0 9 * * *", Topic: "Apple pre-market", Symbols: []string{"aapl"}, Market: "US"},
			{Name: "samsung", Cron: "@daily", Topic: "Samsung Electronics", Symbols: []string{"005930"}, Market: "KR", MaxTopics: 4},
		},
		Store:  store,
		Runner: runner,
		Rdb:    rdb,
		Limits: testLimits(),
	}
	*clock = start
	s.now = func() time.Time { return *clock }
	return s
}

func TestSchedulerSubmitsDueSchedules(t *testing.T) {
	store := jobs.NewStore(jobs.Options{})
	runner := &fakeRunner{}
	var clock time.Time
	s := testScheduler(store, runner, nil, time.Date(2025, 3, 10, 8, 59, 0, 0, time.UTC), &clock)
	ctx := context.Background()

	assert.Empty(t, s.tick(ctx), "nothing is due right at start")

	clock = clock.Add(time.Minute)
	ids := s.tick(ctx)
	require.Len(t, ids, 1)
	job, err := store.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Apple pre-market", job.Topic)
	assert.Equal(t, []string{"AAPL"}, job.Symbols)
	assert.Equal(t, 5, job.MaxTopics)
	assert.Equal(t, ids, runner.submitted())

	clock = clock.Add(time.Minute)
	assert.Empty(t, s.tick(ctx), "fired once per occurrence")

	clock = clock.Add(24 * time.Hour)
	assert.Len(t, s.tick(ctx), 2)
}

func TestSchedulerLockPreventsDuplicateSubmission(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := jobs.NewStore(jobs.Options{})
	start := time.Date(2025, 3, 10, 8, 59, 0, 0, time.UTC)
	var clockA, clockB time.Time
	a := testScheduler(store, nil, rdb, start, &clockA)
	b := testScheduler(store, nil, rdb, start, &clockB)
	a.KeyPrefix, b.KeyPrefix = "test:", "test:"
	ctx := context.Background()
	a.tick(ctx)
	b.tick(ctx)

	clockA, clockB = start.Add(time.Minute), start.Add(time.Minute)
	created := append(a.tick(ctx), b.tick(ctx)...)
	assert.Len(t, created, 1)
	assert.True(t, mr.Exists("test:sched:lock:aapl-morning:202503100900"))
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	store := jobs.NewStore(jobs.Options{})
	s := &Scheduler{
		Schedules: []config.ScheduleConfig{{Name: "x", Cron: "@hourly", Topic: "Apple"}},
		Store:     store,
		Interval:  10 * time.Millisecond,
		Limits:    testLimits(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerLockAgainstRedisContainer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = rdb.Close() })

	store := jobs.NewStore(jobs.Options{})
	start := time.Date(2025, 3, 10, 8, 59, 0, 0, time.UTC)
	var clockA, clockB time.Time
	a := testScheduler(store, nil, rdb, start, &clockA)
	b := testScheduler(store, nil, rdb, start, &clockB)
	a.tick(ctx)
	b.tick(ctx)
	clockA, clockB = start.Add(time.Minute), start.Add(time.Minute)
	created := append(a.tick(ctx), b.tick(ctx)...)
	assert.Len(t, created, 1)

	ttl, err := rdb.TTL(ctx, "sched:lock:aapl-morning:202503100900").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
