package app

import (
	"context"

	"taskd/internal/config"
	"taskd/internal/proc"
	"taskd/internal/workers"
	"taskd/pkg/logx"
)

// reloadLoop applies committed config changes: logging and pool sizes
// live, jobs through a hang-up of the runners.
func (a *App) reloadLoop(ctx context.Context, set *proc.Set) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(last, next, set)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Config, set *proc.Set) {
	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.notify(sdReloading)
	defer a.notify(sdReady)

	if err := a.logs.Apply(next.LogConfig()); err != nil {
		a.log.Warn("log file sink disabled", logx.Err(err))
	}
	if err := workers.ApplyPoolSizes(a.reg, next.Workers); err != nil {
		a.log.Warn("pool sizes not applied", logx.Err(err))
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("some config changes need a restart to take effect", logx.Any("sections", ch.Restart))
	}
	set.Hangup()
	a.log.Info("config reloaded", ch.Fields()...)
}
