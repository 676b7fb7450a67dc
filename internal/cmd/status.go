package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"

	"node-rotator/internal/config"
	"node-rotator/internal/kubernetes/client"
	"node-rotator/internal/kubernetes/nodes"
	"node-rotator/internal/logger"
	"node-rotator/internal/retrier"
)

type nodeLister interface {
	ListByRole(ctx context.Context, role string) ([]nodes.Node, error)
}

func newStatusCmd(opts *options) *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the nodes of each role and their retirement markers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			k8sClient, err := client.NewK8sClient(opts.kubeFlags, client.RateLimitedConfig{
				QPS:   cfg.KubeQPS,
				Burst: cfg.KubeBurst,
			}, "node-rotator")
			if err != nil {
				return fmt.Errorf("failed to initialize Kubernetes client: %w", err)
			}

			exec := retrier.New(cfg.RetryAttempts, cfg.RetryDelay, logger.NewDefault("retrier"))
			nodeClient := nodes.NewClient(k8sClient.GetClientset(), nodeOptions(cfg), exec, logger.NewDefault("nodes"))

			return printStatus(cmd.Context(), cmd.OutOrStdout(), nodeClient, cfg.Roles(), aurora.NewAurora(!noColor))
		},
	}

	cmd.Flags().StringVar(&opts.role, "role", config.RoleBoth, "roles to show: control-plane, worker or both")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")

	return cmd
}

func printStatus(ctx context.Context, out io.Writer, lister nodeLister, roles []string, au aurora.Aurora) error {
	table := tabby.NewCustom(tabwriter.NewWriter(out, 0, 0, 2, ' ', 0))
	table.AddHeader("ROLE", "NODE", "READY", "SCHEDULABLE", "MARKER")

	type summary struct {
		role   string
		total  int
		marked int
	}
	var summaries []summary

	for _, role := range roles {
		list, err := lister.ListByRole(ctx, role)
		if err != nil {
			return fmt.Errorf("failed to list %s nodes: %w", role, err)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

		s := summary{role: role, total: len(list)}
		for _, n := range list {
			ready := au.Green("Ready")
			if !n.Ready {
				ready = au.Red("NotReady")
			}
			schedulable := au.Green("yes")
			if !n.Schedulable {
				schedulable = au.Yellow("no")
			}
			marker := au.Faint("-")
			if n.Marker != "" {
				marker = au.Yellow(n.Marker)
				s.marked++
			}
			table.AddLine(role, n.Name, ready, schedulable, marker)
		}
		summaries = append(summaries, s)
	}

	table.Print()
	fmt.Fprintln(out)
	for _, s := range summaries {
		if s.marked > 0 {
			fmt.Fprintf(out, "%s: %d nodes, %s\n", s.role, s.total,
				au.Yellow(fmt.Sprintf("%d marked for retirement", s.marked)))
			continue
		}
		fmt.Fprintf(out, "%s: %d nodes\n", s.role, s.total)
	}
	return nil
}
