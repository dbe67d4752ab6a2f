package filelock

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sessionhost/internal/clock"
	"sessionhost/internal/logging"
)

func newTestContext(t *testing.T, opts Options) *Context {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.NewLoggerWithOutput(nil, logging.LevelDebug, io.Discard)
	}
	c := NewContext(opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConcurrentAcquireSameContextSingleWinner(t *testing.T) {
	for _, strategy := range []Strategy{StrategyLink, StrategyAdvisory} {
		t.Run(strategy.String(), func(t *testing.T) {
			requireStrategy(t, strategy)
			path := filepath.Join(t.TempDir(), "test-lock")
			locks := newTestContext(t, Options{Strategy: strategy})

			var wins, busy atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := locks.Acquire(path, "session")
					switch {
					case err == nil:
						wins.Add(1)
					case errors.Is(err, ErrBusy):
						busy.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			if wins.Load() != 1 || busy.Load() != 99 {
				t.Fatalf("expected 1 winner and 99 busy, got %d/%d", wins.Load(), busy.Load())
			}
		})
	}
}

func TestConcurrentAcquireAcrossContextsSingleWinner(t *testing.T) {
	for _, strategy := range []Strategy{StrategyLink, StrategyAdvisory} {
		t.Run(strategy.String(), func(t *testing.T) {
			requireStrategy(t, strategy)
			path := filepath.Join(t.TempDir(), "test-lock")

			contexts := make([]*Context, 100)
			for i := range contexts {
				contexts[i] = newTestContext(t, Options{Strategy: strategy})
			}

			var wins, busy atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i, locks := range contexts {
				wg.Add(1)
				go func(owner int, locks *Context) {
					defer wg.Done()
					<-start
					_, err := locks.Acquire(path, "session")
					switch {
					case err == nil:
						wins.Add(1)
					case errors.Is(err, ErrBusy):
						busy.Add(1)
					default:
						t.Errorf("contender %d: unexpected error: %v", owner, err)
					}
				}(i, locks)
			}
			close(start)
			wg.Wait()

			if wins.Load() != 1 || busy.Load() != 99 {
				t.Fatalf("expected 1 winner and 99 busy, got %d/%d", wins.Load(), busy.Load())
			}
		})
	}
}

func TestBusyErrorNamesHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lock")
	first := newTestContext(t, Options{Strategy: StrategyLink})
	second := newTestContext(t, Options{Strategy: StrategyLink})

	if _, err := first.Acquire(path, "alice"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := second.Acquire(path, "bob")
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("expected BusyError, got %v", err)
	}
	if busy.Holder != "alice" {
		t.Fatalf("expected holder alice, got %q", busy.Holder)
	}

	_, err = first.Acquire(path, "alice")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected re-acquisition in the same context to be busy, got %v", err)
	}
}

func TestIOErrorsAreNotBusy(t *testing.T) {
	locks := newTestContext(t, Options{Strategy: StrategyLink})
	_, err := locks.Acquire(filepath.Join(t.TempDir(), "missing", "dir", "x.lock"), "s")
	if err == nil {
		t.Fatalf("expected error for missing directory")
	}
	if errors.Is(err, ErrBusy) {
		t.Fatalf("I/O error must not look like contention: %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist cause, got %v", err)
	}
	if len(locks.Held()) != 0 {
		t.Fatalf("failed acquisition must not stay registered")
	}
}

func TestStaleLockIsRecovered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lock")
	manual := clock.NewManual(time.Now())
	holder := newTestContext(t, Options{Strategy: StrategyLink, StaleTimeout: time.Second})
	contender := newTestContext(t, Options{Strategy: StrategyLink, StaleTimeout: time.Second, Clock: manual})

	old, err := holder.Acquire(path, "crashed")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := contender.Acquire(path, "next"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected busy before the timeout, got %v", err)
	}

	manual.Advance(5 * time.Second)
	handle, err := contender.Acquire(path, "next")
	if err != nil {
		t.Fatalf("expected stale lock to be recovered, got %v", err)
	}
	if rec, _ := readRecord(path); rec.Owner != "next" || rec.Token != handle.Token() {
		t.Fatalf("expected lock file to belong to the new holder, got %+v", rec)
	}

	if err := holder.Release(old); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected the displaced holder to see ErrLockLost, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("displaced holder must not remove the new lock: %v", err)
	}
}

func TestBreakStaleRestoresFreshLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lock")
	locks := newTestContext(t, Options{Strategy: StrategyLink})
	fresh, err := newTestContext(t, Options{Strategy: StrategyLink}).Acquire(path, "fresh")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// The inspected record no longer matches what is on disk: another
	// contender already replaced the stale lock.
	if locks.breakStale(path, record{Token: "stale-token"}, time.Second) {
		t.Fatalf("expected recovery to back off")
	}
	rec, err := readRecord(path)
	if err != nil {
		t.Fatalf("expected lock to be restored: %v", err)
	}
	if rec.Token != fresh.Token() {
		t.Fatalf("restored lock has wrong token %q", rec.Token)
	}
	leftovers, _ := filepath.Glob(path + ".*.stale")
	if len(leftovers) != 0 {
		t.Fatalf("expected tombstones to be cleaned up, got %v", leftovers)
	}
}

func TestStaleTimeoutGetterSetter(t *testing.T) {
	locks := newTestContext(t, Options{})
	if locks.StaleTimeout() != DefaultStaleTimeout {
		t.Fatalf("expected default timeout, got %v", locks.StaleTimeout())
	}
	previous := locks.SetStaleTimeout(time.Minute)
	if previous != DefaultStaleTimeout || locks.StaleTimeout() != time.Minute {
		t.Fatalf("unexpected timeouts %v -> %v", previous, locks.StaleTimeout())
	}
	locks.SetStaleTimeout(0)
	if locks.StaleTimeout() != time.Minute {
		t.Fatalf("non-positive timeout must be ignored")
	}
}

func TestIsLockedFollowsLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lock")
	manual := clock.NewManual(time.Now())
	locks := newTestContext(t, Options{Strategy: StrategyLink, StaleTimeout: time.Second, Clock: manual})
	observer := newTestContext(t, Options{Strategy: StrategyLink, StaleTimeout: time.Second, Clock: manual})

	if observer.IsLocked(path) {
		t.Fatalf("expected unlocked before acquisition")
	}
	handle, err := locks.Acquire(path, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !locks.IsLocked(path) || !observer.IsLocked(path) {
		t.Fatalf("expected locked after acquisition")
	}

	manual.Advance(10 * time.Second)
	if observer.IsLocked(path) {
		t.Fatalf("expected a stale lock to read as unlocked")
	}
	if err := locks.Refresh(handle); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !observer.IsLocked(path) {
		t.Fatalf("expected refresh to make the lock live again")
	}

	if err := locks.Release(handle); err != nil {
		t.Fatalf("release: %v", err)
	}
	if locks.IsLocked(path) || observer.IsLocked(path) {
		t.Fatalf("expected unlocked after release")
	}
}

func TestReleaseNotHeldIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lock")
	locks := newTestContext(t, Options{Strategy: StrategyLink})
	other := newTestContext(t, Options{Strategy: StrategyLink})

	handle, err := locks.Acquire(path, "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := other.Release(handle); err != nil {
		t.Fatalf("foreign release must be a no-op, got %v", err)
	}
	if !locks.IsLocked(path) {
		t.Fatalf("foreign release must not drop the lock")
	}
	if err := locks.Release(handle); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := locks.Release(handle); err != nil {
		t.Fatalf("double release must be a no-op, got %v", err)
	}
	if err := locks.Release(nil); err != nil {
		t.Fatalf("nil release: %v", err)
	}
}

func TestReleaseOwnerAndClose(t *testing.T) {
	dir := t.TempDir()
	locks := NewContext(Options{Strategy: StrategyLink})
	for _, name := range []string{"a", "b"} {
		if _, err := locks.Acquire(filepath.Join(dir, name+".lock"), "alice"); err != nil {
			t.Fatalf("acquire %s: %v", name, err)
		}
	}
	if _, err := locks.Acquire(filepath.Join(dir, "c.lock"), "bob"); err != nil {
		t.Fatalf("acquire c: %v", err)
	}

	if err := locks.ReleaseOwner("alice"); err != nil {
		t.Fatalf("release owner: %v", err)
	}
	held := locks.Held()
	if len(held) != 1 || filepath.Base(held[0]) != "c.lock" {
		t.Fatalf("expected only bob's lock to remain, got %v", held)
	}

	if err := locks.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "c.lock")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected close to remove lock files, got %v", err)
	}
	if _, err := locks.Acquire(filepath.Join(dir, "d.lock"), "bob"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestAcquireWaitWakesOnRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lock")
	holder := newTestContext(t, Options{Strategy: StrategyLink})
	waiter := newTestContext(t, Options{Strategy: StrategyLink})

	handle, err := holder.Acquire(path, "first")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = holder.Release(handle)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := waiter.AcquireWait(ctx, path, "second", WaitOptions{RetryInterval: time.Second})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Owner() != "second" {
		t.Fatalf("unexpected owner %q", got.Owner())
	}
}

func TestAcquireWaitHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lock")
	holder := newTestContext(t, Options{Strategy: StrategyLink})
	waiter := newTestContext(t, Options{Strategy: StrategyLink})
	if _, err := holder.Acquire(path, "first"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := waiter.AcquireWait(ctx, path, "second", WaitOptions{RetryInterval: 20 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := map[string]Strategy{
		"":         StrategyAuto,
		"auto":     StrategyAuto,
		"Link":     StrategyLink,
		"advisory": StrategyAdvisory,
		"flock":    StrategyAdvisory,
	}
	for raw, want := range tests {
		got, err := ParseStrategy(raw)
		if err != nil || got != want {
			t.Fatalf("ParseStrategy(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseStrategy("zookeeper"); err == nil {
		t.Fatalf("expected unknown strategy to fail")
	}
}

func TestRecordSanitizesOwner(t *testing.T) {
	rec := record{Owner: "evil\nowner=other", Token: "t", Host: "h", PID: 7, Acquired: time.Unix(10, 5).UTC()}
	got := decodeRecord(rec.encode())
	if got.Owner != "evil owner=other" || got.Token != "t" || got.PID != 7 || !got.Acquired.Equal(rec.Acquired) {
		t.Fatalf("unexpected decoded record %+v", got)
	}
}

func TestHolderDisplacedDuringRestoreSeesLockLost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.lock")
	holder := newTestContext(t, Options{Strategy: StrategyLink})
	held, err := holder.Acquire(path, "fresh")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// A contender moved the fresh lock aside and a third one linked its own
	// lock in before the restore.
	tomb := path + ".moved.stale"
	if err := os.Rename(path, tomb); err != nil {
		t.Fatalf("rename: %v", err)
	}
	third := newTestContext(t, Options{Strategy: StrategyLink})
	winner, err := third.Acquire(path, "third")
	if err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	restorer := newTestContext(t, Options{Strategy: StrategyLink})
	restorer.restoreStale(tomb, path, record{Owner: "fresh", Token: held.Token()})
	_ = os.Remove(tomb)

	if rec, _ := readRecord(path); rec.Token != winner.Token() {
		t.Fatalf("restore must not replace the new lock, got %+v", rec)
	}
	if err := holder.Refresh(held); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected the displaced holder to see ErrLockLost, got %v", err)
	}
	if err := third.Refresh(winner); err != nil {
		t.Fatalf("refresh winner: %v", err)
	}
}

func TestRefreshAllReportsLostLocks(t *testing.T) {
	dir := t.TempDir()
	locks := newTestContext(t, Options{Strategy: StrategyLink})
	kept, err := locks.Acquire(filepath.Join(dir, "kept"), "a")
	if err != nil {
		t.Fatalf("acquire kept: %v", err)
	}
	lost, err := locks.Acquire(filepath.Join(dir, "lost"), "b")
	if err != nil {
		t.Fatalf("acquire lost: %v", err)
	}
	if err := os.Remove(lost.Path()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	failed := locks.RefreshAll()
	if len(failed) != 1 || failed[0] != lost {
		t.Fatalf("expected only the removed lock to fail, got %v", failed)
	}
	if err := locks.Refresh(kept); err != nil {
		t.Fatalf("refresh kept: %v", err)
	}
	if err := locks.Refresh(lost); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}
