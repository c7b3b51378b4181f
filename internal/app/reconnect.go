// reconnect.go — client reconnect manager. Grounded on the retired
// internal/bridge/conn.go's WaitForServer poll loop: on disconnect, retry
// the dial on a fixed interval (config.ReconnectIntervalSecs) until it
// succeeds, then fire the connection's Reconnected callback.
package app

import (
	"time"

	"go.uber.org/zap"

	"github.com/openvocs/ov-core/internal/util"
)

const defaultReconnectInterval = 5 * time.Second

type reconnectManager struct {
	app      *App
	interval time.Duration
}

func newReconnectManager(a *App) *reconnectManager {
	return &reconnectManager{app: a, interval: defaultReconnectInterval}
}

// SetInterval overrides the retry interval (wired from config at startup).
func (r *reconnectManager) SetInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

// schedule starts a background retry loop for cfg. It runs until a dial
// succeeds; the caller is responsible for not scheduling duplicate retries
// for the same logical connection (App.CloseConnection only schedules one
// per disconnect).
func (r *reconnectManager) schedule(cfg SocketConfig, onSuccess SuccessFunc, onFailure FailureFunc) {
	util.SafeGo(r.app.log, func() {
		for {
			time.Sleep(r.interval)
			handle, err := r.app.dialOnce(cfg)
			if err != nil {
				r.app.log.Debug("reconnect attempt failed", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
				continue
			}
			if cfg.Reconnected != nil {
				cfg.Reconnected(r.app, handle, cfg.UserData)
			}
			if onSuccess != nil {
				onSuccess(r.app, handle, cfg.UserData)
			}
			return
		}
	})
}
