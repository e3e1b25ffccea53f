package bootstrap

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/roach88/groupstore/internal/container"
)

var (
	defaultOnce      sync.Once
	defaultBootstrap atomic.Pointer[Bootstrap]
)

// Default returns the process-wide Bootstrap. Unless replaced with
// SetDefault, it resolves containers under container.DefaultRoot() and
// starts with no registered groups.
func Default() *Bootstrap {
	defaultOnce.Do(func() {
		if defaultBootstrap.Load() != nil {
			return
		}
		// A missing root leaves the directory unresolvable, which surfaces
		// as SharedContainerUnavailable on use.
		root, _ := container.DefaultRoot()
		dir, _ := container.NewDirectory(root)
		defaultBootstrap.CompareAndSwap(nil, New(dir))
	})
	return defaultBootstrap.Load()
}

// SetDefault makes b the process-wide Bootstrap.
func SetDefault(b *Bootstrap) {
	defaultBootstrap.Store(b)
}

// RegisterGroups registers group identifiers with the default Bootstrap.
func RegisterGroups(groups ...string) error {
	return Default().Register(groups...)
}

// ResolveSharedStoreURL calls Default().ResolveSharedStoreURL.
func ResolveSharedStoreURL(storeFileName, appGroupIdentifier string) (*url.URL, error) {
	return Default().ResolveSharedStoreURL(storeFileName, appGroupIdentifier)
}

// SetupStack calls Default().SetupStack.
func SetupStack(ctx context.Context, storeFileName, appGroupIdentifier string, autoMigrate bool) (*Stack, error) {
	return Default().SetupStack(ctx, storeFileName, appGroupIdentifier, autoMigrate)
}

// TearDownStack calls Default().TearDownStack.
func TearDownStack(storeFileName, appGroupIdentifier string) error {
	return Default().TearDownStack(storeFileName, appGroupIdentifier)
}

// SetupInMemoryStack calls Default().SetupInMemoryStack.
func SetupInMemoryStack(ctx context.Context) (*Stack, error) {
	return Default().SetupInMemoryStack(ctx)
}
