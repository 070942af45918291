package main

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmsim",
	Short: "vmsim simulates demand paging for many processes.",
	Long: `vmsim simulates demand paging for many processes. It backs ` +
		`virtual pages with a small pool of physical frames, evicts with ` +
		`the clock algorithm, swaps anonymous pages to a block device and ` +
		`writes memory-mapped files back on eviction and unmap.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload.",
	Long: "`run` creates processes that load an image, use a heap and " +
		"map a file, and checks that every byte reads back as written.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		openBrowser, _ := cmd.Flags().GetBool("open-browser")

		return runSimulation(cmd.Context(), cfg, openBrowser, cmd.OutOrStdout())
	},
}

func init() {
	addConfigFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}
