package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "standctl",
	Short: "standctl is a command line tool for the test stand manager",
	Long: `standctl talks to the stand manager daemon that controls the group of
test stand containers on a docker host.

Each stand runs a uni instance with its tomcat plus the test-tools agent.
The manager starts and stops stands, fetches their container logs and
queues backup and update operations per database server so that stands
sharing a server never run maintenance at the same time.

Common workflows:

  List all stands:
    standctl status

  Start or stop a stand:
    standctl start uni-stand-1
    standctl stop uni-stand-1

  Fetch the last lines of a stand's container log:
    standctl logs uni-stand-1 --tail 300

  Queue maintenance for the whole group:
    standctl backup-all
    standctl update-all
    standctl backup-and-update

  See what is still waiting in the queues:
    standctl queues

Configuration:
  Set the manager endpoint via environment variable or a config file:
    STANDGROUP_URL    manager endpoint (default: http://localhost:8888)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".standctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".standctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "STANDGROUP_VARNAME"
	viper.SetEnvPrefix("STANDGROUP")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.standctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8888", "Stand manager URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
