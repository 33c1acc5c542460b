package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/stockresearch/config"
)

func main() {
	var cfgPath string
	var root = &cobra.Command{
		Use:           "stockresearch",
		Short:         "AI-assisted equity research pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// a missing .env is fine; real environment variables still apply
			_ = godotenv.Load(getenv("STOCKRESEARCH_ENV_FILE", ".env"))
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default searches ./config and .)")

	load := func() (*config.Config, error) { return config.Load(cfgPath) }
	root.AddCommand(serveCMD(load), runCMD(load), kbCMD(load))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type loader func() (*config.Config, error)

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
