package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var backupAllCmd = &cobra.Command{
	Use:   "backup-all",
	Short: "Queue a backup for every stand",
	Long:  `Queue a database backup for every stand in the group. Stands sharing a database server are backed up one after another. A full backup can take hours; use "standctl queues" to watch progress.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runMassAction(cmd, "backup_all")
	},
}

var updateAllCmd = &cobra.Command{
	Use:   "update-all",
	Short: "Queue an update for every stand",
	Long:  `Queue a build-and-update for every stand in the group.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runMassAction(cmd, "update_all")
	},
}

var backupAndUpdateCmd = &cobra.Command{
	Use:   "backup-and-update",
	Short: "Queue a backup followed by an update for every stand",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runMassAction(cmd, "backup_and_update")
	},
}

func runMassAction(cmd *cobra.Command, action string) {
	client := NewStandClient(viper.GetString("url"))

	out, err := client.MassAction(action)
	if err != nil {
		cmd.Printf("Failed to queue %s: %v\n", action, err)
		return
	}
	cmd.Println(out)
}

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show tasks waiting in the maintenance queues",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		client := NewStandClient(viper.GetString("url"))

		queues, err := client.QueuesStatus()
		if err != nil {
			cmd.Printf("Failed to fetch queue status: %v\n", err)
			return
		}

		if len(queues) == 0 {
			cmd.Println("No queues")
			return
		}

		dbAddrs := make([]string, 0, len(queues))
		for addr := range queues {
			dbAddrs = append(dbAddrs, addr)
		}
		sort.Strings(dbAddrs)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DATABASE\tPENDING")
		for _, addr := range dbAddrs {
			pending := queues[addr]
			if len(pending) == 0 {
				fmt.Fprintf(w, "%s\t%s\n", addr, colorDim+"empty"+colorReset)
				continue
			}
			for i, task := range pending {
				if i == 0 {
					fmt.Fprintf(w, "%s\t%s\n", addr, task)
				} else {
					fmt.Fprintf(w, "\t%s\n", task)
				}
			}
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(backupAllCmd)
	rootCmd.AddCommand(updateAllCmd)
	rootCmd.AddCommand(backupAndUpdateCmd)
	rootCmd.AddCommand(queuesCmd)
}
