package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jrepp/prism-interpreters/pkg/interpreter"
	"github.com/jrepp/prism-interpreters/pkg/lifecycle"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <setting> [code]",
	Short: "Run a paragraph on the daemon",
	Long: `Run a paragraph on the daemon and print its output.

The code is read from the second argument, or from stdin when it is omitted.`,
	Example: `  interpd run python "print 40 + 2" --user alice --note n1
  echo "x = 1" | interpd run python --user alice --note n1`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("user", os.Getenv("USER"), "user running the paragraph")
	runCmd.Flags().String("note", "default", "note the paragraph belongs to")
	runCmd.Flags().String("paragraph", "", "paragraph id")
	runCmd.Flags().Duration("wait", 30*time.Second, "how long to wait for the result")
}

func runRun(cmd *cobra.Command, args []string) error {
	payload := ""
	if len(args) == 2 {
		payload = args[1]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		payload = string(data)
	}

	user, _ := cmd.Flags().GetString("user")
	note, _ := cmd.Flags().GetString("note")
	paragraph, _ := cmd.Flags().GetString("paragraph")
	wait, _ := cmd.Flags().GetDuration("wait")

	c := newClient()

	var submitted struct {
		ID string `json:"id"`
	}
	err := c.do("POST", "/api/interpreter/run", lifecycle.ExecutionRequest{
		SettingID:   args[0],
		UserID:      user,
		NoteID:      note,
		ParagraphID: paragraph,
		Payload:     payload,
	}, &submitted)
	if err != nil {
		return err
	}

	var snap lifecycle.HandleSnapshot
	path := "/api/interpreter/executions/" + url.PathEscape(submitted.ID) + "?wait=" + url.QueryEscape(wait.String())
	if err := c.do("GET", path, nil, &snap); err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(snap)
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, snap.Output)
	switch snap.Status {
	case interpreter.StatusFinished:
		return nil
	case interpreter.StatusError:
		return fmt.Errorf("paragraph failed: %s", strings.TrimSpace(snap.Error))
	default:
		return fmt.Errorf("execution %s still %s after %s", snap.ID, snap.Status, wait)
	}
}
