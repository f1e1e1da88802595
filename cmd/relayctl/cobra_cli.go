package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelabs/relayd/pkg/config"
	"github.com/kestrelabs/relayd/pkg/protocol"
	"github.com/kestrelabs/relayd/pkg/relayclient"
)

var flagAddr string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "relayctl talks to a running relayd instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", "", "override RELAYCTL_ADDR")

	root.AddCommand(newCallCmd(), newInstancesCmd(), newSetDefaultCmd(), newShellCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print relayctl's version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relayctl", version)
		},
	}
}

func loadClientConfig() (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return config.ClientConfig{}, err
	}
	if flagAddr != "" {
		cfg.RelayAddr = flagAddr
	}
	return cfg, nil
}

func dial(cfg config.ClientConfig) (*relayclient.Client, error) {
	return relayclient.Dial(cfg.RelayAddr, cfg.DialTimeout)
}

func newCallCmd() *cobra.Command {
	var (
		flagInstance string
		flagParams   string
		flagTimeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <command>",
		Short: "Invoke a command against an editor instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}
			client, err := dial(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			var params json.RawMessage
			if flagParams != "" {
				if !json.Valid([]byte(flagParams)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				params = json.RawMessage(flagParams)
			}

			timeout := flagTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.RetryBudget+timeout)
			defer cancel()

			result, err := client.Call(ctx, flagInstance, args[0], params, timeout, cfg.RetryBudget)
			if err != nil {
				return err
			}
			return printResult(result)
		},
	}

	cmd.Flags().StringVar(&flagInstance, "instance", "", "target instance id; empty uses the relay's current default")
	cmd.Flags().StringVar(&flagParams, "params", "", "JSON object to pass as the command's params")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "per-attempt timeout (default 30s)")
	return cmd
}

func printResult(result *relayclient.Result) error {
	if !result.Success {
		code := "UNKNOWN"
		msg := "no error detail"
		if result.Error != nil {
			code = string(result.Error.Code)
			msg = result.Error.Message
		}
		return fmt.Errorf("%s: %s", code, msg)
	}
	if len(result.Data) == 0 {
		fmt.Println("ok")
		return nil
	}
	var pretty map[string]any
	if err := json.Unmarshal(result.Data, &pretty); err == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	fmt.Println(string(result.Data))
	return nil
}

func newInstancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List editor instances known to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}
			client, err := dial(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+5*time.Second)
			defer cancel()

			instances, err := client.ListInstances(ctx)
			if err != nil {
				return err
			}
			return printInstancesTable(instances)
		},
	}
}

func printInstancesTable(instances []protocol.InstanceSummary) error {
	if len(instances) == 0 {
		fmt.Println("no instances connected")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROJECT\tVERSION\tSTATUS\tCAPABILITIES")
	for _, inst := range instances {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			inst.ID, inst.ProjectName, inst.Version, inst.Status, strings.Join(inst.Capabilities, ","))
	}
	return tw.Flush()
}

func newSetDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default <instance-id>",
		Short: "Change which instance empty-instance requests route to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}
			client, err := dial(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+5*time.Second)
			defer cancel()

			if err := client.SetDefault(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("default instance set to %s\n", args[0])
			return nil
		},
	}
}
