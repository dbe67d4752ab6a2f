package main

import (
	"context"
	"os"
	"sync/atomic"

	"sessionhost/internal/logging"
)

// shutdownSignals turns interrupt signals into shutdown requests. The first
// one asks for a graceful stop. The second forces it, for interpreters that
// ignore SIGTERM. Anything after that is dropped.
type shutdownSignals struct {
	logger   *logging.Logger
	graceful func()
	force    func()
	received atomic.Int32
}

func (s *shutdownSignals) handle(sig os.Signal) {
	logger := logging.OrDiscard(s.logger)
	fields := logging.Fields{}
	if sig != nil {
		fields["signal"] = sig.String()
	}
	switch s.received.Add(1) {
	case 1:
		logger.Info("shutdown requested", fields)
		if s.graceful != nil {
			s.graceful()
		}
	case 2:
		logger.Warn("second signal, killing interpreters", fields)
		if s.force != nil {
			s.force()
		}
	default:
		logger.Debug("signal ignored, shutdown already forced", fields)
	}
}

// watch handles signals from ch until ch closes or the returned function is
// called.
func (s *shutdownSignals) watch(ch <-chan os.Signal) func() {
	ctx, cancel := context.WithCancel(context.Background())
	if ch == nil {
		return cancel
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				s.handle(sig)
			}
		}
	}()
	return cancel
}
