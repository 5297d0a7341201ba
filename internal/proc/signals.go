package proc

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	logx "taskd/pkg/logx"
)

// SignalHandlers receives the process signals a Set cares about.
type SignalHandlers struct {
	ChildExited func()
	Hangup      func()
	Terminate   func()
	Abort       func()
}

// Notify routes SIGCHLD, SIGHUP, SIGTERM/SIGINT and SIGABRT to h until ctx
// is done. A second terminate signal escalates to Abort.
func Notify(ctx context.Context, log logx.Logger, h SignalHandlers) {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGCHLD, syscall.SIGHUP, syscall.SIGTERM, os.Interrupt, syscall.SIGABRT)
	go func() {
		defer signal.Stop(ch)
		terms := 0
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				switch sig {
				case syscall.SIGCHLD:
					call(h.ChildExited)
				case syscall.SIGHUP:
					log.Info("hangup received, reloading")
					call(h.Hangup)
				case syscall.SIGABRT:
					log.Warn("abort received")
					call(h.Abort)
				default:
					terms++
					if terms > 1 {
						log.Warn("second terminate signal, aborting", logx.String("signal", sig.String()))
						call(h.Abort)
						continue
					}
					log.Info("terminate received, draining", logx.String("signal", sig.String()))
					call(h.Terminate)
				}
			}
		}
	}()
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

// ForSet wires every handler to s.
func ForSet(s *Set) SignalHandlers {
	return SignalHandlers{
		ChildExited: s.ChildExited,
		Hangup:      s.Hangup,
		Terminate:   s.Terminate,
		Abort:       s.Abort,
	}
}
