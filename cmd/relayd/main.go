package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "relayd - manual driver for a local relay core",
	Long: `relayd opens one relay session against the local filesystem root
and drives the three core operations (status, send, recv) from the
command line, for manual testing of a running agent pool. It is not
the MCP tool surface relay's embedders expose to agents; it is a thin
operator tool over the same bus.CoreContext API they use.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to an optional YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(recvCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// openBus constructs a CoreContext and arranges for Close to run on
// SIGINT/SIGTERM, honoring spec.md §4.3's guaranteed-release hook.
func openBus(cmd *cobra.Command) (*bus.CoreContext, context.Context, context.CancelFunc, error) {
	configPath, _ := cmd.Flags().GetString("config")
	ctx, cancel := context.WithCancel(context.Background())

	c, err := bus.New(ctx, configPath)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		c.Close(context.Background())
		cancel()
	}()

	return c, ctx, cancel, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current online roster",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := openBus(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close(ctx)

		out, err := c.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <to> <content>",
	Short: "Send a message to one agent, a list, or 'all'",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := openBus(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close(ctx)

		fmt.Println(c.Send(ctx, args[0], args[1]))
		return nil
	},
}

var recvWaitSeconds int

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "Block waiting for new messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := openBus(cmd)
		if err != nil {
			return err
		}
		defer cancel()
		defer c.Close(ctx)

		fmt.Println(c.Recv(ctx, recvWaitSeconds))
		return nil
	},
}

func init() {
	recvCmd.Flags().IntVar(&recvWaitSeconds, "wait", 86400, "maximum seconds to block")
}
