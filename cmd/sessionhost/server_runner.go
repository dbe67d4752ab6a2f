package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sessionhost/internal/logging"
	"sessionhost/internal/session"
)

const serverShutdownTimeout = 30 * time.Second

var errStoppedUnexpectedly = errors.New("stopped without being asked to")

// ManagedServer is one listener owned by the runner. Serve blocks until the
// server ends; Shutdown is called once, in registration order.
type ManagedServer struct {
	Name     string
	Serve    func() error
	Shutdown func(context.Context) error
}

// ServerRunner serves until stop ends or any server exits, then shuts every
// server down in order.
type ServerRunner struct {
	Logger          *logging.Logger
	ShutdownTimeout time.Duration
}

// ServerError names the server whose exit ended the run.
type ServerError struct {
	Server string
	Err    error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s server: %v", e.Server, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

type serverExit struct {
	name string
	err  error
}

// Run returns nil when stop ended the run and every server closed cleanly.
// Otherwise it returns the *ServerError of the first server to exit.
func (runner *ServerRunner) Run(stop context.Context, servers ...ManagedServer) error {
	logger := logging.OrDiscard(runner.Logger)
	exits := make(chan serverExit, len(servers))
	started := 0
	for _, server := range servers {
		if server.Serve == nil {
			continue
		}
		started++
		go func() {
			exits <- serverExit{name: server.Name, err: server.Serve()}
		}()
	}
	if started == 0 {
		return nil
	}

	var first *serverExit
	select {
	case exit := <-exits:
		first = &exit
		started--
	case <-stop.Done():
	}

	timeout := runner.ShutdownTimeout
	if timeout <= 0 {
		timeout = serverShutdownTimeout
	}
	shutdownContext, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, server := range servers {
		if server.Shutdown == nil {
			continue
		}
		if err := server.Shutdown(shutdownContext); err != nil {
			logger.Warn("server shutdown failed", logging.Fields{
				"server": server.Name,
				"error":  err.Error(),
			})
		}
	}

	for ; started > 0; started-- {
		select {
		case exit := <-exits:
			if !cleanExit(exit.err) {
				logger.Error("server stopped", logging.Fields{"server": exit.name, "error": exit.err.Error()})
			}
		case <-shutdownContext.Done():
			logger.Warn("servers still running after shutdown", logging.Fields{"remaining": fmt.Sprint(started)})
			started = 0
		}
	}

	if first == nil {
		return nil
	}
	switch {
	case !cleanExit(first.err):
		logger.Error("server stopped", logging.Fields{"server": first.name, "error": first.err.Error()})
		return &ServerError{Server: first.name, Err: first.err}
	case stop.Err() == nil:
		logger.Warn("server stopped unexpectedly", logging.Fields{"server": first.name})
		return &ServerError{Server: first.name, Err: errStoppedUnexpectedly}
	default:
		return nil
	}
}

func cleanExit(err error) bool {
	return err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, session.ErrRouterClosed)
}
