// Package bootstrap locates, sets up and tears down a SQLite persistence
// stack stored in an application-group shared container.
//
// Three operations make up the surface:
//
//   - ResolveSharedStoreURL: pure path resolution, no filesystem I/O
//   - SetupStack: resolve, create the container directory, open/migrate the store
//   - TearDownStack: close the store opened by a matching SetupStack
//
// A Bootstrap owns at most one active stack. SetupStack returns an explicit
// *Stack handle; the package-level functions forward to Default() for
// callers that want a single process-wide stack. SetupInMemoryStack sets up
// a stack with no backing file, for tests and previews.
//
// Typical use:
//
//	b := bootstrap.New(dir, bootstrap.WithLogger(logger))
//	stack, err := b.SetupStack(ctx, "Shared.sqlite", "group.com.example.app", true)
//	if err != nil {
//	    return err
//	}
//	defer stack.TearDown()
//
// All failures are *Error values; use the IsXxx helpers or CodeOf to
// classify them.
package bootstrap
