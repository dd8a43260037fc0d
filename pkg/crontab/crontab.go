package crontab

import (
	"context"
	"fmt"

	"github.com/cloudreve/davcore/application/dependency"
	"github.com/cloudreve/davcore/pkg/conf"
	"github.com/cloudreve/davcore/pkg/logging"
	"github.com/gofrs/uuid"
	"github.com/robfig/cron/v3"
)

type (
	CronType         string
	CronTaskFunc     func(ctx context.Context)
	cornRegistration struct {
		t  CronType
		fn CronTaskFunc
	}
)

const (
	CronTypeGarbageCollect = CronType("garbage_collect")
)

var (
	registrations []cornRegistration
)

// Register registers a cron task.
func Register(t CronType, fn CronTaskFunc) {
	registrations = append(registrations, cornRegistration{
		t:  t,
		fn: fn,
	})
}

// NewCron constructs a new cron instance with given dependency.
func NewCron(dep dependency.Dep) (*cron.Cron, error) {
	l := dep.Logger()
	l.Info("Initialize crontab jobs...")
	c := cron.New()

	for _, r := range registrations {
		cronConfig := schedule(dep.ConfigProvider(), r.t)
		if cronConfig == "" {
			l.Info("Cron task %q disabled.", r.t)
			continue
		}

		if _, err := c.AddFunc(cronConfig, taskWrapper(string(r.t), cronConfig, dep, r.fn)); err != nil {
			return nil, fmt.Errorf("cron: failed to register task %q with %q: %w", r.t, cronConfig, err)
		}
	}

	return c, nil
}

func schedule(config conf.ConfigProvider, t CronType) string {
	switch t {
	case CronTypeGarbageCollect:
		return config.System().CronGarbageCollect
	}
	return ""
}

func taskWrapper(name, config string, dep dependency.Dep, task CronTaskFunc) func() {
	l := dep.Logger()
	l.Info("Cron task %s started with config %q", name, config)
	return func() {
		cid := uuid.Must(uuid.NewV4())
		l.Info("Executing Cron task %q with Cid %q", name, cid)
		ctx := context.Background()
		l := dep.Logger().CopyWithPrefix(fmt.Sprintf("[Cid: %s Cron: %s]", cid, name))
		ctx = dep.ForkWithLogger(ctx, l)
		ctx = context.WithValue(ctx, logging.CorrelationIDCtx{}, cid)
		ctx = context.WithValue(ctx, logging.LoggerCtx{}, l)
		task(ctx)
	}
}
