package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/groupstore/internal/container"
	"github.com/roach88/groupstore/internal/store"
)

// StoreLocation identifies a store file inside a shared container.
type StoreLocation struct {
	StoreFileName      string `json:"store_file_name"`
	AppGroupIdentifier string `json:"app_group_identifier"`
}

// String returns "<group>/<file>", or "in-memory store" for the zero value.
func (l StoreLocation) String() string {
	if l == (StoreLocation{}) {
		return "in-memory store"
	}
	return l.AppGroupIdentifier + "/" + l.StoreFileName
}

// normalize validates both names and returns their NFC forms.
func (l StoreLocation) normalize() (StoreLocation, error) {
	name, err := container.NormalizeName(l.StoreFileName)
	if err != nil {
		return l, newError(ErrCodeInvalidArgument, l, "invalid store file name", err)
	}
	group, err := container.NormalizeName(l.AppGroupIdentifier)
	if err != nil {
		return l, newError(ErrCodeInvalidArgument, l, "invalid app group identifier", err)
	}
	return StoreLocation{StoreFileName: name, AppGroupIdentifier: group}, nil
}

// Bootstrap sets up and tears down a single SQLite persistence stack
// located in a shared container.
//
// State machine: Uninitialized -> Initialized -> Uninitialized, driven only
// by SetupStack and TearDownStack. Transitions are serialized by an internal
// mutex; ResolveSharedStoreURL takes no lock.
type Bootstrap struct {
	resolver container.Resolver
	driver   string
	model    *store.Model
	logger   *slog.Logger
	now      func() time.Time
	onError  func(error)

	mu     sync.Mutex
	active *Stack
}

// Option configures a Bootstrap.
type Option func(*Bootstrap)

// WithDriver selects the SQLite driver (store.DriverCGO or store.DriverPure).
func WithDriver(driver string) Option {
	return func(b *Bootstrap) { b.driver = driver }
}

// WithModel sets the schema model stores are opened against.
func WithModel(model *store.Model) Option {
	return func(b *Bootstrap) { b.model = model }
}

// WithLogger sets the logger for stack transitions. Defaults to discarding.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bootstrap) { b.logger = logger }
}

// WithClock sets the time source used to stamp new stores.
func WithClock(now func() time.Time) Option {
	return func(b *Bootstrap) { b.now = now }
}

// WithErrorHandler registers fn to receive every error returned by a stack
// transition, after the transition's lock is released. The error is still
// returned to the caller.
func WithErrorHandler(fn func(error)) Option {
	return func(b *Bootstrap) { b.onError = fn }
}

// New creates a Bootstrap that resolves containers with resolver.
func New(resolver container.Resolver, opts ...Option) *Bootstrap {
	b := &Bootstrap{
		resolver: resolver,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds group identifiers to the resolver, if it supports
// registration (container.Directory does).
func (b *Bootstrap) Register(groups ...string) error {
	r, ok := b.resolver.(interface{ Register(...string) error })
	if !ok {
		return fmt.Errorf("resolver %T does not support group registration", b.resolver)
	}
	return r.Register(groups...)
}

// ResolveSharedStoreURL returns the file URL of storeFileName inside the
// shared container of appGroupIdentifier. It performs no filesystem I/O;
// the file and its directory need not exist.
func (b *Bootstrap) ResolveSharedStoreURL(storeFileName, appGroupIdentifier string) (*url.URL, error) {
	_, path, err := b.resolve(storeFileName, appGroupIdentifier)
	if err != nil {
		return nil, err
	}
	return fileURL(path), nil
}

func (b *Bootstrap) resolve(storeFileName, appGroupIdentifier string) (StoreLocation, string, error) {
	loc, err := StoreLocation{
		StoreFileName:      storeFileName,
		AppGroupIdentifier: appGroupIdentifier,
	}.normalize()
	if err != nil {
		return loc, "", err
	}

	if b.resolver == nil {
		return loc, "", newError(ErrCodeSharedContainerUnavailable, loc,
			"no container resolver configured", nil)
	}
	dir, err := b.resolver.ContainerDir(loc.AppGroupIdentifier)
	if err != nil {
		return loc, "", newError(ErrCodeSharedContainerUnavailable, loc,
			"cannot resolve shared container", err)
	}
	if !filepath.IsAbs(dir) {
		return loc, "", newError(ErrCodeSharedContainerUnavailable, loc,
			fmt.Sprintf("container directory %q is not absolute", dir), nil)
	}

	return loc, filepath.Join(dir, loc.StoreFileName), nil
}

// SetupStack resolves the store location and opens the store there,
// creating the file if absent. With autoMigrate, an older store is upgraded
// in place; without it, an older store fails with StoreInitializationFailed.
//
// Fails with AlreadyInitialized, leaving the active stack untouched, if a
// stack is already set up. If resolution fails nothing is written to disk.
func (b *Bootstrap) SetupStack(ctx context.Context, storeFileName, appGroupIdentifier string, autoMigrate bool) (*Stack, error) {
	stack, err := b.setupStack(ctx, storeFileName, appGroupIdentifier, autoMigrate)
	return stack, b.report(err)
}

// SetupInMemoryStack opens a private in-memory store at the current model
// version. It needs no shared container and writes nothing to disk; its
// data is gone once the stack is torn down. Only Stack.TearDown releases it.
//
// Fails with AlreadyInitialized if a stack is already set up.
func (b *Bootstrap) SetupInMemoryStack(ctx context.Context) (*Stack, error) {
	stack, err := b.setupInMemoryStack(ctx)
	return stack, b.report(err)
}

func (b *Bootstrap) setupInMemoryStack(ctx context.Context) (*Stack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active != nil {
		return nil, newError(ErrCodeAlreadyInitialized, StoreLocation{},
			fmt.Sprintf("stack for %s is already set up", b.active.loc), nil)
	}

	st, err := store.Open(ctx, store.MemoryPath, store.Options{
		Driver: b.driver,
		Model:  b.model,
		Now:    b.now,
	})
	if err != nil {
		b.logger.Error("in-memory stack setup failed", "error", err)
		return nil, newError(ErrCodeStoreInitializationFailed, StoreLocation{}, storeFailureMessage(err), err)
	}

	stack := &Stack{
		owner: b,
		id:    uuid.Must(uuid.NewV7()).String(),
		store: st,
		close: st.Close,
	}
	b.active = stack

	b.logger.Info("in-memory stack set up", "stack_id", stack.id, "driver", st.Driver())
	return stack, nil
}

func (b *Bootstrap) setupStack(ctx context.Context, storeFileName, appGroupIdentifier string, autoMigrate bool) (*Stack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	requested := StoreLocation{StoreFileName: storeFileName, AppGroupIdentifier: appGroupIdentifier}
	if b.active != nil {
		return nil, newError(ErrCodeAlreadyInitialized, requested,
			fmt.Sprintf("stack for %s is already set up", b.active.loc), nil)
	}

	loc, path, err := b.resolve(storeFileName, appGroupIdentifier)
	if err != nil {
		return nil, err
	}
	logger := b.logger.With("store", loc.StoreFileName, "group", loc.AppGroupIdentifier, "path", path)

	opts := store.Options{
		Driver:      b.driver,
		AutoMigrate: autoMigrate,
		Model:       b.model,
		Now:         b.now,
	}
	if err := store.CheckOptions(opts); err != nil {
		logger.Error("stack setup failed", "auto_migrate", autoMigrate, "error", err)
		return nil, newError(ErrCodeStoreInitializationFailed, loc, storeFailureMessage(err), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, newError(ErrCodeStoreInitializationFailed, loc,
			"cannot create shared container directory", err)
	}

	st, err := store.Open(ctx, path, opts)
	if err != nil {
		logger.Error("stack setup failed", "auto_migrate", autoMigrate, "error", err)
		return nil, newError(ErrCodeStoreInitializationFailed, loc, storeFailureMessage(err), err)
	}

	stack := &Stack{
		owner: b,
		id:    uuid.Must(uuid.NewV7()).String(),
		loc:   loc,
		path:  path,
		store: st,
		close: st.Close,
	}
	b.active = stack

	logger.Info("stack set up", "stack_id", stack.id, "auto_migrate", autoMigrate, "driver", st.Driver())
	return stack, nil
}

// TearDownStack closes the active stack if it was set up with the same store
// file name and group identifier. The store file is not deleted.
//
// Fails with StoreNotInitialized if no matching stack is active.
func (b *Bootstrap) TearDownStack(storeFileName, appGroupIdentifier string) error {
	loc, path, err := b.resolve(storeFileName, appGroupIdentifier)
	if err != nil {
		return b.report(err)
	}
	return b.report(b.tearDown(loc, func(s *Stack) bool { return !s.InMemory() && s.path == path }))
}

func (b *Bootstrap) report(err error) error {
	if err != nil && b.onError != nil {
		b.onError(err)
	}
	return err
}

func (b *Bootstrap) tearDown(loc StoreLocation, match func(*Stack) bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active == nil {
		return newError(ErrCodeStoreNotInitialized, loc, "no stack is set up", nil)
	}
	if !match(b.active) {
		return newError(ErrCodeStoreNotInitialized, loc,
			fmt.Sprintf("active stack is %s", b.active.loc), nil)
	}

	stack := b.active
	b.active = nil
	logger := b.logger.With("store", stack.loc.StoreFileName, "group", stack.loc.AppGroupIdentifier,
		"stack_id", stack.id)

	if err := stack.close(); err != nil {
		logger.Warn("stack torn down with close error", "error", err)
		return newError(ErrCodeTeardownFailed, stack.loc, "store close failed", err)
	}
	logger.Info("stack torn down")
	return nil
}

// Current returns the active stack, or a StoreNotInitialized error.
func (b *Bootstrap) Current() (*Stack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return nil, newError(ErrCodeStoreNotInitialized, StoreLocation{}, "no stack is set up", nil)
	}
	return b.active, nil
}

// Stack is the handle for a set-up persistence stack.
type Stack struct {
	owner *Bootstrap
	id    string
	loc   StoreLocation
	path  string
	store *store.Store
	close func() error
}

// ID is a per-setup session identifier, useful for correlating logs.
func (s *Stack) ID() string { return s.id }

// Location returns the normalized store location.
func (s *Stack) Location() StoreLocation { return s.loc }

// Path returns the store file path, or "" for an in-memory stack.
func (s *Stack) Path() string { return s.path }

// URL returns the store file URL, or nil for an in-memory stack.
func (s *Stack) URL() *url.URL {
	if s.InMemory() {
		return nil
	}
	return fileURL(s.path)
}

// InMemory reports whether the stack has no backing file.
func (s *Stack) InMemory() bool { return s.store.InMemory() }

// Store returns the open store.
func (s *Stack) Store() *store.Store { return s.store }

// TearDown tears this stack down. It fails with StoreNotInitialized if the
// stack was already torn down, even if another stack for the same location
// has since been set up.
func (s *Stack) TearDown() error {
	return s.owner.report(s.owner.tearDown(s.loc, func(active *Stack) bool { return active == s }))
}

// fileURL converts an absolute path to a file URL.
func fileURL(path string) *url.URL {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		// Windows drive paths: file:///C:/...
		p = "/" + p
	}
	return &url.URL{Scheme: "file", Path: p}
}

func storeFailureMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrSchemaMismatch):
		return "store schema is out of date and auto-migration is disabled"
	case errors.Is(err, store.ErrNewerSchema):
		return "store was written by a newer model"
	case errors.Is(err, store.ErrUnknownDriver):
		return "unsupported sqlite driver"
	default:
		return "cannot open store"
	}
}
