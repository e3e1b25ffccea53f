package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/groupstore/internal/container"
	"github.com/roach88/groupstore/internal/store"
	"github.com/roach88/groupstore/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testStore = "Shared.sqlite"

func newTestBootstrap(t *testing.T, opts ...Option) (*Bootstrap, *container.Directory) {
	t.Helper()
	dir := testutil.NewDirectory(t)
	b := New(dir, opts...)
	t.Cleanup(func() {
		if stack, err := b.Current(); err == nil {
			_ = stack.TearDown()
		}
	})
	return b, dir
}

func TestResolveSharedStoreURL(t *testing.T) {
	b, dir := newTestBootstrap(t)

	u, err := b.ResolveSharedStoreURL(testStore, testutil.TestGroup)
	require.NoError(t, err)

	assert.Equal(t, "file", u.Scheme)
	assert.Equal(t, testStore, filepath.Base(filepath.FromSlash(u.Path)))

	containerDir := filepath.Join(dir.Root(), testutil.TestGroup)
	assert.Equal(t, filepath.Join(containerDir, testStore), filepath.FromSlash(u.Path))
	assert.True(t, strings.HasPrefix(filepath.FromSlash(u.Path), containerDir+string(filepath.Separator)))
}

func TestResolveSharedStoreURL_PureAndRepeatable(t *testing.T) {
	b, dir := newTestBootstrap(t)

	first, err := b.ResolveSharedStoreURL(testStore, testutil.TestGroup)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := b.ResolveSharedStoreURL(testStore, testutil.TestGroup)
		require.NoError(t, err)
		assert.Equal(t, first.String(), again.String())
	}

	assert.Empty(t, testutil.Tree(t, dir.Root()), "resolution must not touch the filesystem")
}

func TestResolveSharedStoreURL_NormalizesFileName(t *testing.T) {
	b, _ := newTestBootstrap(t)

	composed, err := b.ResolveSharedStoreURL("caf\u00e9.sqlite", testutil.TestGroup)
	require.NoError(t, err)
	decomposed, err := b.ResolveSharedStoreURL("cafe\u0301.sqlite", testutil.TestGroup)
	require.NoError(t, err)
	assert.Equal(t, composed.String(), decomposed.String())
}

func TestResolveSharedStoreURL_UnregisteredGroup(t *testing.T) {
	b, _ := newTestBootstrap(t)

	_, err := b.ResolveSharedStoreURL(testStore, "group.com.example.unknown")
	require.Error(t, err)
	assert.True(t, IsSharedContainerUnavailable(err))
	assert.True(t, errors.Is(err, container.ErrUnregisteredGroup))
}

func TestResolveSharedStoreURL_ResolverErrors(t *testing.T) {
	tests := []struct {
		name     string
		resolver container.Resolver
	}{
		{name: "nil resolver", resolver: nil},
		{name: "failing resolver", resolver: container.Func(func(string) (string, error) {
			return "", errors.New("sandbox denied")
		})},
		{name: "relative directory", resolver: container.Func(func(g string) (string, error) {
			return "relative/" + g, nil
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.resolver)
			_, err := b.ResolveSharedStoreURL(testStore, testutil.TestGroup)
			require.Error(t, err)
			assert.Equal(t, ErrCodeSharedContainerUnavailable, CodeOf(err))
		})
	}
}

func TestResolveSharedStoreURL_InvalidArguments(t *testing.T) {
	b, _ := newTestBootstrap(t)

	tests := []struct {
		name  string
		file  string
		group string
	}{
		{name: "empty file", file: "", group: testutil.TestGroup},
		{name: "empty group", file: testStore, group: ""},
		{name: "file with separator", file: "../Shared.sqlite", group: testutil.TestGroup},
		{name: "group with separator", file: testStore, group: "group/../../etc"},
		{name: "file with query delimiter", file: "Shared?mode=memory.sqlite", group: testutil.TestGroup},
		{name: "file with fragment delimiter", file: "Shared#x.sqlite", group: testutil.TestGroup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.ResolveSharedStoreURL(tt.file, tt.group)
			require.Error(t, err)
			assert.True(t, IsInvalidArgument(err), "got %v", err)
		})
	}
}

func TestSetupStack_FirstRunCreatesStore(t *testing.T) {
	ctx := context.Background()
	b, dir := newTestBootstrap(t)

	stack, err := b.SetupStack(ctx, testStore, testutil.TestGroup, true)
	require.NoError(t, err)

	want := filepath.Join(dir.Root(), testutil.TestGroup, testStore)
	assert.Equal(t, want, stack.Path())
	_, err = os.Stat(want)
	require.NoError(t, err, "store file should exist after setup")

	current, err := b.Current()
	require.NoError(t, err)
	assert.Same(t, stack, current)

	v, err := stack.Store().SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultModel().Version(), v)

	assert.Equal(t, StoreLocation{StoreFileName: testStore, AppGroupIdentifier: testutil.TestGroup}, stack.Location())
	assert.Equal(t, "file", stack.URL().Scheme)
	assert.Equal(t, want, filepath.FromSlash(stack.URL().Path))
	assert.NotEmpty(t, stack.ID())
}

func TestSetupStack_TwiceFailsAlreadyInitialized(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBootstrap(t)

	first, err := b.SetupStack(ctx, testStore, testutil.TestGroup, true)
	require.NoError(t, err)
	require.NoError(t, first.Store().Put(ctx, "note", "a", "kept"))

	_, err = b.SetupStack(ctx, testStore, testutil.TestGroup, true)
	require.Error(t, err)
	assert.True(t, IsAlreadyInitialized(err))

	// Different arguments are rejected the same way.
	_, err = b.SetupStack(ctx, "Other.sqlite", testutil.TestGroup, true)
	assert.True(t, IsAlreadyInitialized(err))

	// Existing stack is untouched and still usable.
	current, err := b.Current()
	require.NoError(t, err)
	assert.Same(t, first, current)

	var got string
	require.NoError(t, first.Store().Get(ctx, "note", "a", &got))
	assert.Equal(t, "kept", got)
}

func TestSetupStack_UnregisteredGroupNoFilesystemMutation(t *testing.T) {
	b, dir := newTestBootstrap(t)

	_, err := b.SetupStack(context.Background(), testStore, "group.com.example.unknown", true)
	require.Error(t, err)
	assert.True(t, IsSharedContainerUnavailable(err))

	assert.Empty(t, testutil.Tree(t, dir.Root()))
	_, err = b.Current()
	assert.True(t, IsStoreNotInitialized(err))
}

func TestSetupStack_SchemaMismatchWithoutAutoMigrate(t *testing.T) {
	ctx := context.Background()
	dir := testutil.NewDirectory(t)

	// Create the store with an older model.
	old := New(dir, WithModel(store.DefaultModel().Truncate(1)))
	stack, err := old.SetupStack(ctx, testStore, testutil.TestGroup, false)
	require.NoError(t, err)
	require.NoError(t, stack.TearDown())

	b := New(dir)
	_, err = b.SetupStack(ctx, testStore, testutil.TestGroup, false)
	require.Error(t, err)
	assert.True(t, IsStoreInitializationFailed(err))
	assert.True(t, errors.Is(err, store.ErrSchemaMismatch))

	_, err = b.Current()
	assert.True(t, IsStoreNotInitialized(err), "failed setup must leave the bootstrap uninitialized")

	// Retrying with auto-migration succeeds.
	stack, err = b.SetupStack(ctx, testStore, testutil.TestGroup, true)
	require.NoError(t, err)
	v, err := stack.Store().SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultModel().Version(), v)
	require.NoError(t, stack.TearDown())
}

func TestSetupStack_CorruptStore(t *testing.T) {
	b, dir := newTestBootstrap(t)

	containerDir := filepath.Join(dir.Root(), testutil.TestGroup)
	require.NoError(t, os.MkdirAll(containerDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(containerDir, testStore),
		bytes.Repeat([]byte("not a database "), 512), 0o644))

	_, err := b.SetupStack(context.Background(), testStore, testutil.TestGroup, true)
	require.Error(t, err)
	assert.True(t, IsStoreInitializationFailed(err))
}

func TestSetupStack_UnknownDriver(t *testing.T) {
	b, dir := newTestBootstrap(t, WithDriver("postgres"))

	_, err := b.SetupStack(context.Background(), testStore, testutil.TestGroup, true)
	require.Error(t, err)
	assert.True(t, IsStoreInitializationFailed(err))
	assert.True(t, errors.Is(err, store.ErrUnknownDriver))
	assert.Empty(t, testutil.Tree(t, dir.Root()), "an unknown driver must not create the container directory")
}

func TestSetupStack_InvalidModelLeavesNoDirectory(t *testing.T) {
	bad := &store.Model{Migrations: []store.Migration{{Version: 2, Name: "gap", SQL: "SELECT 1"}}}
	b, dir := newTestBootstrap(t, WithModel(bad))

	_, err := b.SetupStack(context.Background(), testStore, testutil.TestGroup, true)
	require.Error(t, err)
	assert.True(t, IsStoreInitializationFailed(err))
	assert.Empty(t, testutil.Tree(t, dir.Root()))
}

func TestSetupStack_PureDriver(t *testing.T) {
	b, _ := newTestBootstrap(t, WithDriver(store.DriverPure))

	stack, err := b.SetupStack(context.Background(), testStore, testutil.TestGroup, true)
	require.NoError(t, err)
	assert.Equal(t, store.DriverPure, stack.Store().Driver())
	require.NoError(t, stack.TearDown())
}

func TestSetupThenTearDown_ReturnsToUninitialized(t *testing.T) {
	ctx := context.Background()
	b, dir := newTestBootstrap(t)

	_, err := b.SetupStack(ctx, testStore, testutil.TestGroup, true)
	require.NoError(t, err)
	require.NoError(t, b.TearDownStack(testStore, testutil.TestGroup))

	_, err = b.Current()
	assert.True(t, IsStoreNotInitialized(err))

	// File stays on disk.
	_, err = os.Stat(filepath.Join(dir.Root(), testutil.TestGroup, testStore))
	assert.NoError(t, err)

	// A new setup is allowed again.
	stack, err := b.SetupStack(ctx, testStore, testutil.TestGroup, true)
	require.NoError(t, err)
	require.NoError(t, stack.TearDown())
}

func TestTearDownStack_Uninitialized(t *testing.T) {
	b, _ := newTestBootstrap(t)

	err := b.TearDownStack(testStore, testutil.TestGroup)
	require.Error(t, err)
	assert.True(t, IsStoreNotInitialized(err))
}

func TestTearDownStack_MismatchedArguments(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBootstrap(t)

	stack, err := b.SetupStack(ctx, testStore, testutil.TestGroup, true)
	require.NoError(t, err)

	err = b.TearDownStack("Other.sqlite", testutil.TestGroup)
	require.Error(t, err)
	assert.True(t, IsStoreNotInitialized(err))

	current, err := b.Current()
	require.NoError(t, err, "mismatched teardown must leave the stack active")
	assert.Same(t, stack, current)
}

func TestTearDownStack_UnregisteredGroup(t *testing.T) {
	b, _ := newTestBootstrap(t)

	err := b.TearDownStack(testStore, "group.com.example.unknown")
	require.Error(t, err)
	assert.True(t, IsSharedContainerUnavailable(err))
}

func TestStack_TearDownTwice(t *testing.T) {
	b, _ := newTestBootstrap(t)

	stack, err := b.SetupStack(context.Background(), testStore, testutil.TestGroup, true)
	require.NoError(t, err)
	require.NoError(t, stack.TearDown())

	err = stack.TearDown()
	assert.True(t, IsStoreNotInitialized(err))
}

func TestStack_StaleHandleDoesNotTearDownNewStack(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBootstrap(t)

	stale, err := b.SetupStack(ctx, testStore, testutil.TestGroup, true)
	require.NoError(t, err)
	require.NoError(t, stale.TearDown())

	fresh, err := b.SetupStack(ctx, testStore, testutil.TestGroup, true)
	require.NoError(t, err)

	err = stale.TearDown()
	assert.True(t, IsStoreNotInitialized(err))

	current, err := b.Current()
	require.NoError(t, err)
	assert.Same(t, fresh, current)
}

func TestConcurrentSetup_OnlyOneWins(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBootstrap(t)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		already int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.SetupStack(ctx, testStore, testutil.TestGroup, true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case IsAlreadyInitialized(err):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, already)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	b, _ := newTestBootstrap(t, WithLogger(logger))

	stack, err := b.SetupStack(context.Background(), testStore, testutil.TestGroup, true)
	require.NoError(t, err)
	require.NoError(t, stack.TearDown())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var setup map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &setup))
	assert.Equal(t, "stack set up", setup["msg"])
	assert.Equal(t, testStore, setup["store"])
	assert.Equal(t, testutil.TestGroup, setup["group"])
	assert.Equal(t, stack.ID(), setup["stack_id"])

	var teardown map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &teardown))
	assert.Equal(t, "stack torn down", teardown["msg"])
	assert.Equal(t, stack.ID(), teardown["stack_id"])
}

func TestRegister(t *testing.T) {
	b, _ := newTestBootstrap(t)

	_, err := b.ResolveSharedStoreURL(testStore, "group.late")
	require.True(t, IsSharedContainerUnavailable(err))

	require.NoError(t, b.Register("group.late"))
	_, err = b.ResolveSharedStoreURL(testStore, "group.late")
	assert.NoError(t, err)

	fixed := New(container.Func(func(string) (string, error) { return "/x", nil }))
	assert.Error(t, fixed.Register("group.late"))
}

func TestSetupStack_StampsCreationTime(t *testing.T) {
	clock := testutil.NewClock()
	b, _ := newTestBootstrap(t, WithClock(clock.Now))

	stack, err := b.SetupStack(context.Background(), testStore, testutil.TestGroup, false)
	require.NoError(t, err)

	md, err := stack.Store().Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch, md.CreatedAt)
	require.NoError(t, stack.TearDown())
}

func TestSetupStack_DSNDelimiterInNameIsRejected(t *testing.T) {
	b, dir := newTestBootstrap(t)

	for _, name := range []string{"Shared?mode=memory.sqlite", "Shared#1.sqlite"} {
		_, err := b.SetupStack(context.Background(), name, testutil.TestGroup, true)
		require.Error(t, err)
		assert.True(t, IsInvalidArgument(err), "got %v", err)
	}
	assert.Empty(t, testutil.Tree(t, dir.Root()), "a rejected name must not touch the filesystem")
}

func TestSetupStack_FileLandsAtResolvedURL(t *testing.T) {
	b, _ := newTestBootstrap(t)
	name := "Shared;mode=x&y=%41.sqlite"

	u, err := b.ResolveSharedStoreURL(name, testutil.TestGroup)
	require.NoError(t, err)

	stack, err := b.SetupStack(context.Background(), name, testutil.TestGroup, true)
	require.NoError(t, err)
	defer stack.TearDown()

	_, err = os.Stat(filepath.FromSlash(u.Path))
	assert.NoError(t, err)
}

func TestTearDown_CloseFailureStillReleasesStack(t *testing.T) {
	var handled []error
	b, _ := newTestBootstrap(t, WithErrorHandler(func(err error) { handled = append(handled, err) }))

	stack, err := b.SetupStack(context.Background(), testStore, testutil.TestGroup, true)
	require.NoError(t, err)

	closeErr := errors.New("disk went away")
	realClose := stack.close
	stack.close = func() error {
		require.NoError(t, realClose())
		return closeErr
	}

	err = b.TearDownStack(testStore, testutil.TestGroup)
	require.Error(t, err)
	assert.Equal(t, ErrCodeTeardownFailed, CodeOf(err))
	assert.ErrorIs(t, err, closeErr)

	_, err = b.Current()
	assert.True(t, IsStoreNotInitialized(err), "stack must be released even when close fails")

	again, err := b.SetupStack(context.Background(), testStore, testutil.TestGroup, false)
	require.NoError(t, err, "a new setup must succeed after a failed close")
	require.NoError(t, again.TearDown())

	require.Len(t, handled, 1)
	assert.Equal(t, ErrCodeTeardownFailed, CodeOf(handled[0]))
}

func TestSetupInMemoryStack(t *testing.T) {
	ctx := context.Background()
	b, dir := newTestBootstrap(t)

	stack, err := b.SetupInMemoryStack(ctx)
	require.NoError(t, err)
	assert.True(t, stack.InMemory())
	assert.Nil(t, stack.URL())
	assert.Empty(t, stack.Path())
	assert.Empty(t, testutil.Tree(t, dir.Root()), "an in-memory stack must not touch the filesystem")

	v, err := stack.Store().SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultModel().Version(), v)
	require.NoError(t, stack.Store().Put(ctx, "note", "a", "hello"))

	current, err := b.Current()
	require.NoError(t, err)
	assert.Same(t, stack, current)

	_, err = b.SetupStack(ctx, testStore, testutil.TestGroup, true)
	assert.True(t, IsAlreadyInitialized(err))
	assert.Contains(t, err.Error(), "in-memory store")

	_, err = b.SetupInMemoryStack(ctx)
	assert.True(t, IsAlreadyInitialized(err))

	// Named teardown never matches the in-memory stack.
	err = b.TearDownStack(testStore, testutil.TestGroup)
	assert.True(t, IsStoreNotInitialized(err))

	require.NoError(t, stack.TearDown())
	assert.True(t, IsStoreNotInitialized(stack.TearDown()))

	// A fresh in-memory stack starts empty.
	next, err := b.SetupInMemoryStack(ctx)
	require.NoError(t, err)
	n, err := next.Store().Count(ctx, "note")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, next.TearDown())
}

func TestWithErrorHandler(t *testing.T) {
	var handled []ErrorCode
	b, _ := newTestBootstrap(t, WithErrorHandler(func(err error) {
		handled = append(handled, CodeOf(err))
	}))
	ctx := context.Background()

	err := b.TearDownStack(testStore, testutil.TestGroup)
	require.Error(t, err)

	_, err = b.SetupStack(ctx, testStore, "group.com.example.unknown", true)
	require.Error(t, err)

	stack, err := b.SetupStack(ctx, testStore, testutil.TestGroup, true)
	require.NoError(t, err)
	_, err = b.SetupInMemoryStack(ctx)
	require.Error(t, err)
	require.NoError(t, stack.TearDown())

	assert.Equal(t, []ErrorCode{
		ErrCodeStoreNotInitialized,
		ErrCodeSharedContainerUnavailable,
		ErrCodeAlreadyInitialized,
	}, handled)
}
