package workspace

import (
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the workspace root and fires a coalesced callback
// when its contents change, so a fresh scan can be pushed to viewers.
type Watcher struct {
	fw   *fsnotify.Watcher
	done chan struct{}
}

const debounce = 500 * time.Millisecond

func NewWatcher(root string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{fw: fw, done: make(chan struct{})}

	go func() {
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-w.done:
				return
			case _, ok := <-fw.Events:
				if !ok {
					return
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
					fire = timer.C
				} else {
					timer.Reset(debounce)
				}
			case <-fire:
				timer = nil
				fire = nil
				onChange()
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Printf("workspace watcher error: %v", err)
			}
		}
	}()

	return w, nil
}

func (w *Watcher) Close() {
	close(w.done)
	w.fw.Close()
}
