//go:build linux

package linux

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"

	"bearguard/internal/core"
	"bearguard/internal/platform"
)

// DefaultPasswdPath is the account database watched for installs.
const DefaultPasswdPath = "/etc/passwd"

// AccountWatcher reports account creation and removal as package events.
// Tools replace passwd through a rename, so the parent directory is
// watched and events are filtered by name.
type AccountWatcher struct {
	path string
}

// NewAccountWatcher watches path (DefaultPasswdPath when empty).
func NewAccountWatcher(path string) *AccountWatcher {
	if path == "" {
		path = DefaultPasswdPath
	}
	return &AccountWatcher{path: path}
}

func (w *AccountWatcher) Watch(ctx context.Context) (<-chan platform.PackageEvent, error) {
	known, err := w.read()
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("[Accounts] watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("[Accounts] watch %s: %w", filepath.Dir(w.path), err)
	}

	out := make(chan platform.PackageEvent, 16)
	go func() {
		defer close(out)
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				core.Log.Warnf("Accounts", "Watch error: %v", err)
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) ||
					!ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				current, err := w.read()
				if err != nil {
					// Mid-replace; the following Create brings the new file.
					core.Log.Debugf("Accounts", "Reread %s: %v", w.path, err)
					continue
				}
				for _, pe := range diffAccounts(known, current) {
					select {
					case out <- pe:
					case <-ctx.Done():
						return
					}
				}
				known = current
			}
		}
	}()
	core.Log.Infof("Accounts", "Watching %s (%d accounts)", w.path, len(known))
	return out, nil
}

func (w *AccountWatcher) read() (map[string]int, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parsePasswd(f)
}

// diffAccounts returns removals first, then additions, each sorted by name.
// An account whose uid changed is reported as a replacing install, keeping
// its rule while forcing the uid cache to be rebuilt.
func diffAccounts(old, cur map[string]int) []platform.PackageEvent {
	var removed, added, changed []string
	for name := range old {
		if _, ok := cur[name]; !ok {
			removed = append(removed, name)
		}
	}
	for name, uid := range cur {
		prev, ok := old[name]
		switch {
		case !ok:
			added = append(added, name)
		case prev != uid:
			changed = append(changed, name)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	sort.Strings(changed)

	var out []platform.PackageEvent
	for _, n := range removed {
		out = append(out, platform.PackageEvent{Kind: core.PackageRemoved, Identity: n})
	}
	for _, n := range added {
		out = append(out, platform.PackageEvent{Kind: core.PackageAdded, Identity: n})
	}
	for _, n := range changed {
		out = append(out, platform.PackageEvent{Kind: core.PackageAdded, Identity: n, Replacing: true})
	}
	return out
}
