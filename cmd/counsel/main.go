package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "counsel",
	Short: "Streaming college-advising chat: reference backend and terminal client.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Units started by systemd get their environment from the unit file.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	viper.SetEnvPrefix("counsel")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, chatCmd, tokenCmd)
}

// bindFlags binds the flags of the command being run under their own names, so "http-addr" also
// reads COUNSEL_HTTP_ADDR. Binding happens at run time because subcommands share flag names.
func bindFlags(cmd *cobra.Command, _ []string) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err == nil {
			err = viper.BindPFlag(f.Name, f)
		}
	})
	return err
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
