package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/procmgr"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart <setting>",
	Short: "Restart the processes of a setting",
	Long: `Stop the processes of a setting. New processes start on the next run.

Without --user every group of the setting is restarted. With --user only the
group that user (and --note, for isolated settings) binds to is restarted.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)

	restartCmd.Flags().String("user", "", "restart only the group of this user")
	restartCmd.Flags().String("note", "", "note used with --user for isolated settings")
}

type restartResponse struct {
	SettingID        string             `json:"setting_id"`
	Groups           int                `json:"groups"`
	Stopped          []procmgr.Snapshot `json:"stopped"`
	NothingToRestart bool               `json:"nothing_to_restart"`
}

func runRestart(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")
	note, _ := cmd.Flags().GetString("note")

	var body interface{}
	if user != "" {
		body = map[string]string{"user": user, "note": note}
	}

	var resp restartResponse
	if err := newClient().do("PUT", "/api/interpreter/setting/restart/"+url.PathEscape(args[0]), body, &resp); err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(resp)
	}
	if resp.NothingToRestart {
		fmt.Printf("Nothing to restart for %s\n", resp.SettingID)
		return nil
	}

	fmt.Printf("Restarted %d group(s) of %s\n", resp.Groups, resp.SettingID)
	printProcesses(resp.Stopped)
	return nil
}

func printProcesses(procs []procmgr.Snapshot) {
	if len(procs) == 0 {
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Setting", "Group", "PID", "State", "Refs", "Uptime")
	for _, p := range procs {
		table.Append(
			p.SettingID,
			p.GroupKey,
			strconv.Itoa(p.PID),
			p.State,
			strconv.Itoa(p.Refs),
			p.Uptime.Round(time.Second).String(),
		)
	}
	table.Render()
}
