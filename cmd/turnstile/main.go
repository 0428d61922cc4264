package main

import (
	"fmt"
	"os"

	"github.com/pixperk/turnstile/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const Version = "0.1.0"

var (
	v = viper.New()

	rootCmd = &cobra.Command{
		Use:   "turnstile",
		Short: "fair, re-entrant inter-process locks",
		Long: fmt.Sprintf(`turnstile (v%s)

A raft-replicated coordination tree and a fair, re-entrant inter-process
mutex that runs on it, on ZooKeeper or on etcd.`, Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of turnstile",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("turnstile v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(func() { config.Init(v) })

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// binds the flags of the running command so viper sees them
func bindFlags(cmd *cobra.Command, _ []string) error {
	return v.BindPFlags(cmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
