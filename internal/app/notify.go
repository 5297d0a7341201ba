package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	"taskd/pkg/logx"
)

const (
	sdReady     = daemon.SdNotifyReady
	sdReloading = daemon.SdNotifyReloading
	sdStopping  = daemon.SdNotifyStopping
)

// notify reports state to systemd. It is a no-op outside a notify unit.
func (a *App) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}
