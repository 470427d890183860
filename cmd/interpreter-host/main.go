// interpreter-host is the process interpd launches for every interpreter
// group. It serves paragraph executions on INTERPRETER_HOST:INTERPRETER_PORT
// until it receives SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jrepp/prism-interpreters/pkg/interpreter"
	"github.com/jrepp/prism-interpreters/pkg/launcher"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:          "interpreter-host",
	Short:        "Serve one interpreter runtime",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().String("host", "127.0.0.1", "listen host")
	rootCmd.Flags().Int("port", 0, "listen port")
	rootCmd.Flags().Bool("isolated", false, "keep per-note state apart")
	rootCmd.Flags().String("log-level", "info", "log level")

	viper.BindPFlag("host", rootCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	viper.BindPFlag("isolated", rootCmd.Flags().Lookup("isolated"))
	viper.BindPFlag("log_level", rootCmd.Flags().Lookup("log-level"))

	// The launcher hands the endpoint over through the environment
	viper.BindEnv("host", launcher.EnvHost)
	viper.BindEnv("port", launcher.EnvPort)
	viper.BindEnv("isolated", launcher.EnvIsolated)
	viper.BindEnv("log_level", "INTERPRETER_LOG_LEVEL")
}

func run(cmd *cobra.Command, args []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log_level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With(
		"setting_id", os.Getenv(launcher.EnvSettingID),
		"group_key", os.Getenv(launcher.EnvGroupKey),
		"pid", os.Getpid(),
	)

	port := viper.GetInt("port")
	if port <= 0 {
		return fmt.Errorf("a listen port is required (--port or %s)", launcher.EnvPort)
	}
	addr := net.JoinHostPort(viper.GetString("host"), strconv.Itoa(port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("interpreter starting", "addr", addr, "isolated", viper.GetBool("isolated"))
	return interpreter.ListenAndServe(ctx, addr, viper.GetBool("isolated"), logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
