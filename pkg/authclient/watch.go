package authclient

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/tyemirov/dashauth/pkg/identity"
	"go.uber.org/zap"
)

// ErrWatchUnsupported indicates the configured storage cannot be watched.
var ErrWatchUnsupported = errors.New("authclient.watch.unsupported_storage")

// WatchStorage follows session file changes made by other processes sharing
// the same FileStorage and turns them into notifications: a removed file
// emits SignedOut, a new session emits SignedIn, and a rotated token emits
// TokenRefreshed. The watcher is registered before WatchStorage returns and
// stops when ctx is done.
func (client *Client) WatchStorage(ctx context.Context) error {
	fileStorage, ok := client.storage.(*FileStorage)
	if !ok {
		return ErrWatchUnsupported
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("authclient.watch.new: %w", err)
	}
	directory := filepath.Dir(fileStorage.Path())
	if addErr := watcher.Add(directory); addErr != nil {
		_ = watcher.Close()
		return fmt.Errorf("authclient.watch.add: %w", addErr)
	}

	current, loadErr := fileStorage.Load()
	if loadErr != nil {
		client.logger.Warn("session file unreadable at watch start",
			zap.String("code", "authclient.watch.initial_load"),
			zap.Error(loadErr))
	}
	client.observe(current)

	go client.watchLoop(ctx, watcher, fileStorage)
	return nil
}

func (client *Client) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, fileStorage *FileStorage) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fileStorage.Path() {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			client.reconcileStorage(fileStorage)
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			client.logger.Warn("session file watch error",
				zap.String("code", "authclient.watch.error"),
				zap.Error(watchErr))
		}
	}
}

func (client *Client) reconcileStorage(fileStorage *FileStorage) {
	session, err := fileStorage.Load()
	if err != nil {
		client.logger.Warn("session file unreadable",
			zap.String("code", "authclient.watch.load"),
			zap.Error(err))
		return
	}
	currentToken := ""
	if session != nil {
		currentToken = session.AccessToken
	}

	client.observedMutex.Lock()
	previousToken := client.observedToken
	client.observedToken = currentToken
	client.observedMutex.Unlock()

	switch {
	case currentToken == previousToken:
		return
	case session == nil:
		client.logger.Debug("session removed by another process", zap.String("code", "authclient.watch.signed_out"))
		client.events.emit(identity.EventSignedOut, nil)
	case previousToken == "":
		client.events.emit(identity.EventSignedIn, session)
	default:
		client.events.emit(identity.EventTokenRefreshed, session)
	}
}
