package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List all stands and their state",
	Long:  `List every stand container on the docker host with its container state, tomcat state, uni version and the task currently running on it.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client := NewStandClient(viper.GetString("url"))

		stands, err := client.ListStands()
		if err != nil {
			cmd.Printf("Failed to list stands: %v\n", err)
			return
		}

		if len(stands) == 0 {
			cmd.Println("No stands found")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STAND\tCONTAINER\tTOMCAT\tVERSION\tDB\tACTIVE TASK")
		for _, st := range stands {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				st.Name,
				containerState(st.Running),
				st.TomcatStatus,
				orDash(st.UniVersion),
				orDash(st.DBAddr),
				orDash(st.ActiveTask),
			)
		}
		w.Flush()
	},
}

func containerState(running bool) string {
	if running {
		return colorGreen + "running" + colorReset
	}
	return colorDim + "stopped" + colorReset
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ANSI color codes
const (
	colorReset = "\033[0m"
	colorDim   = "\033[2m"
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}
