package root

import (
	"github.com/spf13/cobra"

	cacheCmd "github.com/ruthvik1904/kai-cyber-dashboard/pkg/cmd/cache"
	loadCmd "github.com/ruthvik1904/kai-cyber-dashboard/pkg/cmd/load"
	versionCmd "github.com/ruthvik1904/kai-cyber-dashboard/pkg/cmd/version"
)

func NewCmdRoot() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kaidash <command>",
		Short:         "Kai Cyber Dashboard data pipeline",
		Long:          "Kai Cyber Dashboard data pipeline",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.AddCommand(
		loadCmd.NewCmd(),
		cacheCmd.NewCmd(),
		versionCmd.NewCmd(),
	)

	return cmd
}
