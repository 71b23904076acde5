package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var startCmd = &cobra.Command{
	Use:   "start [stand]",
	Short: "Start a stand",
	Long:  `Start the stand's container if needed and bring its tomcat up. Fails with "no resources" when the active stand cap is already reached.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewStandClient(viper.GetString("url"))

		out, err := client.StandAction(args[0], "start")
		if err != nil {
			cmd.Printf("Failed to start %s: %v\n", args[0], err)
			return
		}
		cmd.Println(out)
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
