package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logsTail string

var logsCmd = &cobra.Command{
	Use:   "logs [stand]",
	Short: "Fetch a stand's container log",
	Long:  `Fetch the last lines of the stand's container log. Use --tail to change how many lines, or --tail all for the whole log.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewStandClient(viper.GetString("url"))

		out, err := client.Logs(args[0], logsTail)
		if err != nil {
			cmd.Printf("Failed to fetch logs for %s: %v\n", args[0], err)
			return
		}
		cmd.Println(out)
	},
}

func init() {
	logsCmd.Flags().StringVar(&logsTail, "tail", "", "number of lines from the end of the log (default 150, \"all\" for everything)")
	rootCmd.AddCommand(logsCmd)
}
