package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dpmtasks/taskauth/internal/config"
)

var (
	cfgFile    string
	appVersion string // set in Execute, shown in the serve banner
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskauth",
		Short: "Authentication and access control for the task API",
		Long: `taskauth issues and checks bearer-token sessions for the task API.

It stores accounts and sessions in SQLite, PostgreSQL, or MySQL, supports an
optional TOTP second factor, and enforces viewer, manager, and administrator
access levels on every protected route.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./taskauth.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite database (default: ~/.taskauth)")

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("taskauth")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.taskauth")
	}
}

// loadConfig resolves the effective configuration from the file, TASKAUTH_*
// variables, and any flags bound to viper.
func loadConfig() (*config.YAMLConfig, error) {
	return config.Load(viper.GetViper())
}
