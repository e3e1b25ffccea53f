package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/groupstore/internal/bootstrap"
)

// SetupOptions holds flags for the setup command.
type SetupOptions struct {
	*RootOptions
	AutoMigrate bool
}

// StackReport describes a stack that was set up and torn down again.
type StackReport struct {
	StoreFileName      string    `json:"store_file_name"`
	AppGroupIdentifier string    `json:"app_group_identifier"`
	URL                string    `json:"url"`
	Driver             string    `json:"driver"`
	StoreUUID          string    `json:"store_uuid"`
	SchemaVersion      int       `json:"schema_version"`
	CreatedAt          time.Time `json:"created_at"`
	AutoMigrate        bool      `json:"auto_migrate"`
}

func (r StackReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Store:          %s\n", r.StoreFileName)
	fmt.Fprintf(&sb, "Group:          %s\n", r.AppGroupIdentifier)
	fmt.Fprintf(&sb, "URL:            %s\n", r.URL)
	fmt.Fprintf(&sb, "Driver:         %s\n", r.Driver)
	fmt.Fprintf(&sb, "Store UUID:     %s\n", r.StoreUUID)
	fmt.Fprintf(&sb, "Schema version: %d\n", r.SchemaVersion)
	fmt.Fprintf(&sb, "Created:        %s", r.CreatedAt.Format(time.RFC3339))
	return sb.String()
}

// NewSetupCommand creates the setup command.
func NewSetupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SetupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "setup <store-file> <app-group>",
		Short: "Create or migrate a store in a shared container",
		Long: `Set up the persistence stack for a store, creating the store file
if it does not exist, then tear it down again.

Without --auto-migrate an existing store at an older schema version is
reported as an error and left unchanged.

Example:
  groupstore setup Shared.sqlite group.com.example.app --auto-migrate`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(opts.RootOptions, args[0], args[1], opts.AutoMigrate, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.AutoMigrate, "auto-migrate", false, "upgrade an older store schema in place")

	return cmd
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <store-file> <app-group>",
		Short: "Show store identity and schema version",
		Long: `Open a store without migrating it and show its metadata.

Fails if the store schema is out of date. A missing store is created,
as with setup.

Example:
  groupstore info Shared.sqlite group.com.example.app --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(rootOpts, args[0], args[1], false, cmd)
		},
	}
	return cmd
}

func runSetup(opts *RootOptions, storeFile, group string, autoMigrate bool, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)

	b, _, err := loadBootstrap(opts, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail("failed to load config", err)
	}

	report, err := setupAndReport(commandContext(cmd), b, storeFile, group, autoMigrate)
	if err != nil {
		return out.Fail("failed to set up store", err)
	}

	out.VerboseLog("store %s ready at schema version %d", report.StoreFileName, report.SchemaVersion)
	return out.Success(report)
}

// setupAndReport sets up the stack, reads its metadata and tears it down.
func setupAndReport(ctx context.Context, b *bootstrap.Bootstrap, storeFile, group string, autoMigrate bool) (StackReport, error) {
	stack, err := b.SetupStack(ctx, storeFile, group, autoMigrate)
	if err != nil {
		return StackReport{}, err
	}

	md, mdErr := stack.Store().Metadata(ctx)
	if err := b.TearDownStack(storeFile, group); err != nil {
		return StackReport{}, err
	}
	if mdErr != nil {
		return StackReport{}, mdErr
	}

	loc := stack.Location()
	return StackReport{
		StoreFileName:      loc.StoreFileName,
		AppGroupIdentifier: loc.AppGroupIdentifier,
		URL:                stack.URL().String(),
		Driver:             stack.Store().Driver(),
		StoreUUID:          md.StoreUUID,
		SchemaVersion:      md.ModelVersion,
		CreatedAt:          md.CreatedAt,
		AutoMigrate:        autoMigrate,
	}, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	// Use command's context if available (for testing), otherwise create one
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
