package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"
)

// ResolveResult is the output of the resolve command.
type ResolveResult struct {
	StoreFileName      string `json:"store_file_name"`
	AppGroupIdentifier string `json:"app_group_identifier"`
	URL                string `json:"url"`
	Path               string `json:"path"`
}

func (r ResolveResult) String() string {
	return r.URL
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <store-file> <app-group>",
		Short: "Print the URL of a store in a shared container",
		Long: `Print the file URL a store would live at inside an app-group
shared container. Nothing is created on disk.

Example:
  groupstore resolve Shared.sqlite group.com.example.app
  groupstore resolve Shared.sqlite group.com.example.app --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func runResolve(opts *RootOptions, storeFile, group string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)

	b, _, err := loadBootstrap(opts, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail("failed to load config", err)
	}

	u, err := b.ResolveSharedStoreURL(storeFile, group)
	if err != nil {
		return out.Fail("failed to resolve store URL", err)
	}

	return out.Success(ResolveResult{
		StoreFileName:      storeFile,
		AppGroupIdentifier: group,
		URL:                u.String(),
		Path:               filepath.FromSlash(u.Path),
	})
}
