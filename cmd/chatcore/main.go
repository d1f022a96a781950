// Command chatcore runs the chat backend: the HTTP surface and the summary scheduler.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chatcore/pkg/config"
	"chatcore/pkg/logx"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "chatcore",
		Short:         "chatcore - rooms, moderated messages and rolling summaries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("CHATCORE_CONFIG"), "path to a JSON or YAML config file")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(opts),
		newSummarizeCmd(opts),
		newSecretsCmd(opts),
		newVersionCmd(),
	)
	return root
}

// loadConfig reads the config and applies the debug settings to logx.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithSecrets(o.configPath, secretsPassword())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.debug || cfg.Debug.Enabled {
		logx.SetDebug(true)
		logx.SetDebugDomains(cfg.Debug.Domains)
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
