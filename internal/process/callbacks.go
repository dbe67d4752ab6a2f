package process

import "time"

// Callbacks adapts a process's event channel to function calls. All callbacks
// run on one dispatch goroutine, in event order.
type Callbacks struct {
	OnStarted func(*ManagedProcess)
	// OnContinue is polled while the process runs; returning false detaches
	// it without killing the OS process.
	OnContinue func() bool
	OnStdout   func([]byte)
	OnStderr   func([]byte)
	OnExit     func(code int)
	OnError    func(error)
}

func (s *Supervisor) LaunchWithCallbacks(spec LaunchSpec, callbacks Callbacks) (*ManagedProcess, error) {
	proc, err := s.Launch(spec)
	if err != nil {
		return nil, err
	}
	go proc.dispatch(callbacks, s.pollInterval)
	return proc, nil
}

func (p *ManagedProcess) dispatch(callbacks Callbacks, poll time.Duration) {
	if callbacks.OnStarted != nil {
		callbacks.OnStarted(p)
	}
	var tick <-chan time.Time
	if callbacks.OnContinue != nil {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			if p.isDetached() {
				return
			}
			switch ev.Kind {
			case EventStdout:
				if callbacks.OnStdout != nil {
					callbacks.OnStdout(ev.Data)
				}
			case EventStderr:
				if callbacks.OnStderr != nil {
					callbacks.OnStderr(ev.Data)
				}
			case EventError:
				if callbacks.OnError != nil {
					callbacks.OnError(ev.Err)
				}
			case EventExit:
				if callbacks.OnExit != nil {
					callbacks.OnExit(ev.ExitCode)
				}
			}
		case <-tick:
			if !callbacks.OnContinue() {
				p.Detach()
				return
			}
		}
	}
}
