package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/jrepp/prism-interpreters/pkg/lifecycle"
	"github.com/jrepp/prism-interpreters/pkg/settings"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var settingsCmd = &cobra.Command{
	Use:     "settings",
	Aliases: []string{"setting"},
	Short:   "Manage interpreter settings",
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List interpreter settings",
	Args:  cobra.NoArgs,
	RunE:  runSettingsList,
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <setting>",
	Short: "Show one interpreter setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsGet,
}

var settingsSaveCmd = &cobra.Command{
	Use:   "save <file>",
	Short: "Create or replace a setting from a YAML file",
	Long: `Create or replace a setting from a YAML file.

Changing the mode or launch parameters of an existing setting stops its
running processes.`,
	Example: `  cat > python.yaml <<EOF
  id: python
  kind: python
  mode: scoped
  launch:
    binary: /usr/local/bin/interpreter-host
  EOF
  interpd settings save python.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runSettingsSave,
}

var settingsDeleteCmd = &cobra.Command{
	Use:   "delete <setting>",
	Short: "Delete a setting and stop its processes",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsDelete,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsListCmd, settingsGetCmd, settingsSaveCmd, settingsDeleteCmd)
}

func runSettingsList(cmd *cobra.Command, args []string) error {
	var resp struct {
		Settings []settings.Setting `json:"settings"`
		Count    int                `json:"count"`
	}
	if err := newClient().do("GET", "/api/interpreter/setting", nil, &resp); err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(resp)
	}
	if resp.Count == 0 {
		fmt.Println("No settings")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Kind", "Mode", "Binary", "Args")
	for _, s := range resp.Settings {
		table.Append(s.ID, s.Kind, s.Mode.String(), s.Launch.Binary, strings.Join(s.Launch.Args, " "))
	}
	table.Render()
	return nil
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
	var s settings.Setting
	if err := newClient().do("GET", "/api/interpreter/setting/"+url.PathEscape(args[0]), nil, &s); err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(s)
	}
	return yaml.NewEncoder(os.Stdout).Encode(s)
}

func runSettingsSave(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	var s settings.Setting
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}
	if s.ID == "" {
		return fmt.Errorf("%s: id is required", args[0])
	}

	var resp lifecycle.SaveResult
	if err := newClient().do("PUT", "/api/interpreter/setting/"+url.PathEscape(s.ID), s, &resp); err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(resp)
	}

	verb := "Updated"
	if resp.Created {
		verb = "Created"
	}
	fmt.Printf("%s setting %s (%s)\n", verb, resp.Setting.ID, resp.Setting.Mode)
	if resp.Relaunched {
		fmt.Printf("Stopped %d process(es); they restart on the next run\n", len(resp.Teardown.Stopped))
	}
	return nil
}

func runSettingsDelete(cmd *cobra.Command, args []string) error {
	var resp restartResponse
	if err := newClient().do("DELETE", "/api/interpreter/setting/"+url.PathEscape(args[0]), nil, &resp); err != nil {
		return err
	}

	if isJSONOutput() {
		return printJSON(resp)
	}
	fmt.Printf("Deleted setting %s\n", args[0])
	printProcesses(resp.Stopped)
	return nil
}
