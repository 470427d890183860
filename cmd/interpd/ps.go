package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/lifecycle"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var psCmd = &cobra.Command{
	Use:   "ps [setting]",
	Short: "List interpreter groups and their processes",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPs,
}

func init() {
	rootCmd.AddCommand(psCmd)
}

type processesResponse struct {
	Groups        []lifecycle.GroupStatus `json:"groups"`
	ProcessCounts map[string]int          `json:"process_counts"`
}

func runPs(cmd *cobra.Command, args []string) error {
	path := "/api/interpreter/processes"
	if len(args) == 1 {
		path += "?setting=" + url.QueryEscape(args[0])
	}

	var resp processesResponse
	if err := newClient().do("GET", path, nil, &resp); err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(resp)
	}

	if len(resp.Groups) == 0 {
		fmt.Println("No interpreter groups")
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Setting", "Mode", "Group", "Bindings", "PID", "State", "Refs", "Uptime")
		for _, g := range resp.Groups {
			pid, state, refs, uptime := "-", "NONE", "0", "-"
			if p := g.Process; p != nil {
				pid = strconv.Itoa(p.PID)
				state = p.State
				refs = strconv.Itoa(p.Refs)
				uptime = p.Uptime.Round(time.Second).String()
			}
			table.Append(g.SettingID, g.Mode, g.GroupKey, strconv.Itoa(g.Bindings), pid, state, refs, uptime)
		}
		table.Render()
	}

	ids := make([]string, 0, len(resp.ProcessCounts))
	for id := range resp.ProcessCounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("%s: %d OS process(es)\n", id, resp.ProcessCounts[id])
	}
	return nil
}
