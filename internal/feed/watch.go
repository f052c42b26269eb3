package feed

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// fileWatcher triggers a poll whenever the database or its WAL/SHM files are
// written, which is how writes from the other participant's process show up.
type fileWatcher struct {
	w      *fsnotify.Watcher
	base   string
	onHit  func()
	log    zerolog.Logger
	closed chan struct{}
	exited chan struct{}
}

func watchDatabase(dbPath string, onHit func(), lg zerolog.Logger) (*fileWatcher, error) {
	if dbPath == "" || strings.HasPrefix(dbPath, ":memory:") || strings.HasPrefix(dbPath, "file::memory:") {
		return nil, errors.New("in-memory database has no files to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: the -wal file may not exist yet.
	dir := filepath.Dir(dbPath)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	fw := &fileWatcher{
		w:      w,
		base:   filepath.Base(dbPath),
		onHit:  onHit,
		log:    lg,
		closed: make(chan struct{}),
		exited: make(chan struct{}),
	}
	go fw.loop()
	return fw, nil
}

func (fw *fileWatcher) loop() {
	defer close(fw.exited)
	for {
		select {
		case <-fw.closed:
			return
		case event, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(event.Name), fw.base) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				fw.onHit()
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			fw.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

func (fw *fileWatcher) Close() {
	close(fw.closed)
	fw.w.Close()
	<-fw.exited
}
