package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var stopCmd = &cobra.Command{
	Use:   "stop [stand]",
	Short: "Stop a stand's tomcat",
	Long:  `Shut down the tomcat running on the stand. The container itself keeps running so the test-tools agent stays reachable.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewStandClient(viper.GetString("url"))

		out, err := client.StandAction(args[0], "stop")
		if err != nil {
			cmd.Printf("Failed to stop %s: %v\n", args[0], err)
			return
		}
		cmd.Println(out)
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
