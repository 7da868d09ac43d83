package loader

import (
	"fmt"

	"github.com/luci-dsu/luci/internal/log"
	"golang.org/x/sys/unix"
)

// fileWatcher wraps a single inotify instance watching every registered
// identity's backing file for modifications, per spec.md §4.7's default
// detector.
type fileWatcher struct {
	fd      int
	wdPaths map[int32]string
}

func newFileWatcher() (*fileWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("loader: inotify_init1: %w", err)
	}
	return &fileWatcher{fd: fd, wdPaths: make(map[int32]string)}, nil
}

// Watch adds path, recording the watch descriptor on its Identity so a
// later inotify event can be mapped back without a reverse scan.
func (w *fileWatcher) Watch(id *Identity) error {
	wd, err := unix.InotifyAddWatch(w.fd, id.Path, unix.IN_MODIFY|unix.IN_CLOSE_WRITE|unix.IN_MOVE_SELF)
	if err != nil {
		return fmt.Errorf("loader: inotify_add_watch %s: %w", id.Path, err)
	}
	id.WatchDescriptor = wd
	w.wdPaths[int32(wd)] = id.Path
	return nil
}

// Close releases the inotify fd.
func (w *fileWatcher) Close() error {
	return unix.Close(w.fd)
}

// poll reads one batch of pending inotify events (non-blocking fd) and
// returns the set of paths that changed.
func (w *fileWatcher) poll() ([]string, error) {
	buf := make([]byte, 64*(unix.SizeofInotifyEvent+16))
	n, err := unix.Read(w.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, err
	}
	var changed []string
	off := 0
	for off+unix.SizeofInotifyEvent <= n {
		raw := (*unix.InotifyEvent)(rawEventAt(buf, off))
		if path, ok := w.wdPaths[raw.Wd]; ok {
			changed = append(changed, path)
		}
		off += unix.SizeofInotifyEvent + int(raw.Len)
	}
	return changed, nil
}
