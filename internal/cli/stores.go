package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/groupstore/internal/bootstrap"
)

// StoreStatus is one entry of the stores command output.
type StoreStatus struct {
	StoreFileName      string       `json:"store_file_name"`
	AppGroupIdentifier string       `json:"app_group_identifier"`
	OK                 bool         `json:"ok"`
	Report             *StackReport `json:"report,omitempty"`
	ErrorCode          string       `json:"error_code,omitempty"`
	Error              string       `json:"error,omitempty"`
}

// StoresResult is the output of the stores command.
type StoresResult struct {
	Stores []StoreStatus `json:"stores"`
}

func (r StoresResult) String() string {
	if len(r.Stores) == 0 {
		return "No stores configured."
	}
	var lines []string
	for _, s := range r.Stores {
		if s.OK {
			lines = append(lines, fmt.Sprintf("ok    %s/%s (schema v%d, %s)",
				s.AppGroupIdentifier, s.StoreFileName, s.Report.SchemaVersion, s.Report.StoreUUID))
		} else {
			lines = append(lines, fmt.Sprintf("FAIL  %s/%s: %s", s.AppGroupIdentifier, s.StoreFileName, s.Error))
		}
	}
	return strings.Join(lines, "\n")
}

// NewStoresCommand creates the stores command.
func NewStoresCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stores",
		Short: "Set up every store listed in the config",
		Long: `Set up and tear down every store listed under "stores" in the config
file, using each store's auto_migrate setting. All stores are attempted;
the command fails if any of them failed.

Example:
  groupstore stores --config ./groupstore.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStores(rootOpts, cmd)
		},
	}
	return cmd
}

func runStores(opts *RootOptions, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)

	b, cfg, err := loadBootstrap(opts, cmd.ErrOrStderr())
	if err != nil {
		return out.Fail("failed to load config", err)
	}

	ctx := commandContext(cmd)
	result := StoresResult{Stores: []StoreStatus{}}
	failed := 0
	for _, sc := range cfg.Stores {
		status := StoreStatus{StoreFileName: sc.Name, AppGroupIdentifier: sc.Group}
		report, err := setupAndReport(ctx, b, sc.Name, sc.Group, sc.AutoMigrate)
		if err != nil {
			failed++
			status.ErrorCode = string(bootstrap.CodeOf(err))
			status.Error = err.Error()
		} else {
			status.OK = true
			status.Report = &report
		}
		out.VerboseLog("store %s/%s ok=%v", sc.Group, sc.Name, status.OK)
		result.Stores = append(result.Stores, status)
	}

	if err := out.Success(result); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d stores failed", failed, len(cfg.Stores)))
	}
	return nil
}
