package loader

import (
	"time"

	"github.com/luci-dsu/luci/internal/log"
	"golang.org/x/sys/unix"
)

// StartHelper launches the background goroutine that watches every
// registered identity's file for modification and drives the update
// pipeline, matching spec.md §4.7's helper thread (a goroutine is Luci's
// analogue of the original's dedicated OS thread; Go's scheduler is free
// to run it on any M, which is fine since all loader state is already
// lock-guarded for concurrent access).
func (l *Loader) StartHelper(pollInterval time.Duration) error {
	if l.opts.DetectOutdated == DetectDisabled {
		return nil
	}

	switch l.opts.DetectOutdated {
	case DetectUprobes, DetectUprobesDeps:
		return ErrDetectModeUnimplemented
	case DetectUserfaultfd:
		d, err := newUserfaultDetector()
		if err != nil {
			return err
		}
		d.Close() // only validates kernel support up front; no segment range is registered with a userfaultfd
	case DetectPtrace:
		// Probed eagerly so that a kernel/config that forbids self-attach
		// (see ptrace.go) shows up as a logged helper event; the helper
		// still starts.
		pd := newPtraceDetector()
		if tids, err := liveTasks(unix.Gettid()); err == nil && len(tids) > 0 {
			if _, err := pd.CheckTID(tids[0]); err != nil {
				log.L.Event("helper", "ptrace", err.Error())
			}
		}
	}

	watcher, err := newFileWatcher()
	if err != nil {
		return err
	}
	for _, id := range l.Identities() {
		if err := watcher.Watch(id); err != nil {
			log.L.Event("helper", id.Name, err.Error())
		}
	}

	l.helperWG.Add(1)
	go l.helperLoop(watcher, pollInterval)
	return nil
}

func (l *Loader) helperLoop(watcher *fileWatcher, pollInterval time.Duration) {
	defer l.helperWG.Done()
	defer watcher.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.helperStop:
			return
		case <-ticker.C:
			changed, err := watcher.poll()
			if err != nil {
				log.L.Event("helper", "poll", err.Error())
				continue
			}
			for _, path := range changed {
				id, ok := l.Identity(path)
				if !ok {
					continue
				}
				res := l.Update(id)
				if res.Err != nil {
					log.L.Event("update", id.Name, res.Err.Error())
				}
			}
		}
	}
}

// StopHelper signals the helper goroutine to exit and waits for it.
func (l *Loader) StopHelper() {
	select {
	case <-l.helperStop:
		// already stopped
	default:
		close(l.helperStop)
	}
	l.helperWG.Wait()
}
