package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "hypertune",
		Short:        "Distributed hyperparameter search over tabular datasets",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "hypertune.yaml", "config file path")
	root.AddCommand(newRunCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newBestCmd())
	root.AddCommand(newEvictCmd())
	root.AddCommand(newPredictCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newValidateCmd())
	return root
}
