package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/internal"
	"github.com/getlantern/authkeeper/internal/atomicfile"
	"github.com/getlantern/authkeeper/token"
)

// Keys in the credentials document.
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
	ProfileKey      = "profile"
	UpdatedAtKey    = "updated_at"

	profileIDKey    = ProfileKey + ".id"
	profileNameKey  = ProfileKey + ".name"
	profileEmailKey = ProfileKey + ".email"
	profileRoleKey  = ProfileKey + ".role"
)

// FileStore keeps the credentials in a JSON document on disk. Every mutation is applied to a copy
// of the document, written with an atomic rename and only then swapped in, so readers see either
// the old or the new pair.
type FileStore struct {
	path    string
	parser  koanf.Parser
	mu      sync.RWMutex
	k       *koanf.Koanf
	watcher *internal.FileWatcher
}

// NewFileStore opens (or lazily creates) the credentials document at path. A corrupt document is
// logged and treated as empty; it is overwritten by the next write.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}
	f := &FileStore{
		path:   path,
		parser: json.Parser(),
		k:      koanf.New("."),
	}
	k, err := f.read()
	if err != nil {
		slog.Warn("Ignoring unreadable credentials file", "path", path, "error", err)
	} else {
		f.k = k
	}
	return f, nil
}

// Path returns the location of the credentials document.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) read() (*koanf.Koanf, error) {
	raw, err := atomicfile.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	k := koanf.New(".")
	if len(raw) == 0 {
		return k, nil
	}
	if err := k.Load(rawbytes.Provider(raw), f.parser); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	return k, nil
}

// update applies mutate to a copy of the document and persists it. The in-memory copy is
// replaced even when persisting fails so the running process keeps a consistent view.
func (f *FileStore) update(op string, mutate func(k *koanf.Koanf) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.k.Copy()
	if err := mutate(next); err != nil {
		return storageErr(op, f.path, err)
	}
	if err := next.Set(UpdatedAtKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return storageErr(op, UpdatedAtKey, err)
	}
	f.k = next
	out, err := next.Marshal(f.parser)
	if err != nil {
		return storageErr(op, f.path, fmt.Errorf("could not marshal credentials: %w", err))
	}
	if err := atomicfile.WriteFile(f.path, out, 0o600); err != nil {
		return storageErr(op, f.path, fmt.Errorf("could not write credentials: %w", err))
	}
	return nil
}

func (f *FileStore) Get(context.Context) (token.Pair, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	pair := pairOf(f.k)
	return pair, !pair.Access.Empty() || !pair.Refresh.Empty(), nil
}

func pairOf(k *koanf.Koanf) token.Pair {
	return token.Pair{
		Access:  token.Token(k.String(AccessTokenKey)),
		Refresh: token.Token(k.String(RefreshTokenKey)),
	}
}

func (f *FileStore) Set(_ context.Context, pair token.Pair) error {
	return f.update("set", func(k *koanf.Koanf) error {
		if err := k.Set(AccessTokenKey, string(pair.Access)); err != nil {
			return err
		}
		return k.Set(RefreshTokenKey, string(pair.Refresh))
	})
}

func (f *FileStore) Clear(context.Context) error {
	return f.update("clear", func(k *koanf.Koanf) error {
		k.Delete(AccessTokenKey)
		k.Delete(RefreshTokenKey)
		return nil
	})
}

func (f *FileStore) Profile(context.Context) (*common.Profile, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.k.Exists(ProfileKey) {
		return nil, nil
	}
	return &common.Profile{
		ID:    f.k.String(profileIDKey),
		Name:  f.k.String(profileNameKey),
		Email: f.k.String(profileEmailKey),
		Role:  f.k.String(profileRoleKey),
	}, nil
}

func (f *FileStore) SetProfile(ctx context.Context, p *common.Profile) error {
	if p == nil {
		return f.ClearProfile(ctx)
	}
	return f.update("set", func(k *koanf.Koanf) error {
		k.Delete(ProfileKey)
		for key, val := range map[string]string{
			profileIDKey:    p.ID,
			profileNameKey:  p.Name,
			profileEmailKey: p.Email,
			profileRoleKey:  p.Role,
		} {
			if err := k.Set(key, val); err != nil {
				return fmt.Errorf("could not set key %s: %w", key, err)
			}
		}
		return nil
	})
}

func (f *FileStore) ClearProfile(context.Context) error {
	return f.update("clear", func(k *koanf.Koanf) error {
		k.Delete(ProfileKey)
		return nil
	})
}

// Watch reloads the document whenever another process replaces it, e.g. a CLI login while a
// long-running process holds the same store. onChange, if non-nil, is called after a reload that
// changed the credential pair; reloads of this store's own writes do not call it.
func (f *FileStore) Watch(onChange func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher != nil {
		return nil
	}
	watcher := internal.NewFileWatcher(f.path, func() {
		changed, err := f.reload()
		if err != nil {
			slog.Error("Reloading credentials file", "path", f.path, "error", err)
			return
		}
		if changed && onChange != nil {
			onChange()
		}
	})
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("starting credentials file watcher: %w", err)
	}
	f.watcher = watcher
	return nil
}

// reload swaps in the document on disk and reports whether the pair differs from the one held.
func (f *FileStore) reload() (bool, error) {
	k, err := f.read()
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := pairOf(k) != pairOf(f.k)
	f.k = k
	return changed, nil
}

// Close stops watching. The document stays on disk.
func (f *FileStore) Close() error {
	f.mu.Lock()
	w := f.watcher
	f.watcher = nil
	f.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}
