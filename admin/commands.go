// Package admin implements the fleet admin surface: cobra-driven CLI
// commands (reload, publish-user-group, get-stats, offline) that operate
// either on the local node's Manager directly or broadcast to the fleet
// over NATS, following the same list/start/stop/restart command shape as a
// local component-control shell, generalized to fleet-wide admin verbs.
package admin

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nabbar/edgeproxy/config"
	"github.com/nabbar/edgeproxy/escaper/ftpgateway"
	"github.com/nabbar/edgeproxy/tenant"
)

// Node is the local subset of fleet-node state the admin commands act on.
type Node struct {
	Manager *config.Manager
	Tenants *tenant.Manager
	Fleet   *Fleet // nil if NATS broadcast isn't configured
}

// NewRootCommand builds the admin CLI's root cobra command with reload,
// publish-user-group, get-stats, and offline subcommands wired in.
func NewRootCommand(n *Node) *cobra.Command {
	root := &cobra.Command{
		Use:   "edgeproxyctl",
		Short: "administer a fleet of edge proxy nodes",
	}

	root.AddCommand(
		newReloadCommand(n),
		newPublishUserGroupCommand(n),
		newGetStatsCommand(n),
		newOfflineCommand(n),
		newFtpFetchCommand(),
	)
	return root
}

// newFtpFetchCommand logs into an upstream FTP server through
// escaper/ftpgateway and streams one file to stdout: useful for verifying an
// upstream's reachability and credentials.
func newFtpFetchCommand() *cobra.Command {
	var addr, user, pass string
	cmd := &cobra.Command{
		Use:   "ftp-fetch [path]",
		Short: "fetch one file from an upstream FTP server and print it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := ftpgateway.Dial(ftpgateway.Config{
				Addr: addr, User: user, Password: pass, ConnectTimeout: 10 * time.Second,
			})
			if err != nil {
				return fmt.Errorf("admin: %w", err)
			}
			defer func() { _ = gw.Quit() }()

			r, err := gw.Retrieve(args[0])
			if err != nil {
				return fmt.Errorf("admin: %w", err)
			}
			defer func() { _ = r.Close() }()

			_, err = io.Copy(cmd.OutOrStdout(), r)
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "upstream FTP server \"host:port\"")
	cmd.Flags().StringVar(&user, "user", "anonymous", "FTP username")
	cmd.Flags().StringVar(&pass, "pass", "", "FTP password")
	return cmd
}

func newReloadCommand(n *Node) *cobra.Command {
	var broadcast bool
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "reload the local node's component configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := n.Manager.Reload(); err != nil {
				return fmt.Errorf("admin: reload failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reload complete")

			if broadcast && n.Fleet != nil {
				return n.Fleet.Publish(Command{Verb: VerbReload})
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&broadcast, "broadcast", false, "publish the reload command to the whole fleet over NATS")
	return cmd
}

func newPublishUserGroupCommand(n *Node) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "publish-user-group",
		Short: "broadcast a user-group membership change to the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if n.Fleet == nil {
				return fmt.Errorf("admin: no fleet broadcaster configured")
			}
			if group == "" {
				return fmt.Errorf("admin: --group is required")
			}
			return n.Fleet.Publish(Command{Verb: VerbPublishUserGroup, Arg: group})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "user group name to re-broadcast")
	return cmd
}

func newGetStatsCommand(n *Node) *cobra.Command {
	return &cobra.Command{
		Use:   "get-stats",
		Short: "print per-tenant resource usage for the local node",
		RunE: func(cmd *cobra.Command, args []string) error {
			printTenantStats(cmd.OutOrStdout(), n.Tenants, args)
			return nil
		},
	}
}

func printTenantStats(w io.Writer, tm *tenant.Manager, ids []string) {
	if tm == nil {
		return
	}
	for _, id := range ids {
		cfg, ok := tm.Get(id)
		if !ok {
			fmt.Fprintf(w, "%s: unknown tenant\n", id)
			continue
		}
		fmt.Fprintf(w, "%s: enabled=%v violations=%d\n", id, cfg.Enabled, tm.ViolationCount(id))
	}
}

func newOfflineCommand(n *Node) *cobra.Command {
	var tenantID string
	var broadcast bool
	cmd := &cobra.Command{
		Use:   "offline",
		Short: "take a tenant offline (disable admission) locally or fleet-wide",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("admin: --tenant is required")
			}
			if n.Tenants != nil {
				if err := n.Tenants.Disable(tenantID); err != nil {
					return fmt.Errorf("admin: offline failed: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s offline\n", tenantID)

			if broadcast && n.Fleet != nil {
				return n.Fleet.Publish(Command{Verb: VerbOffline, Arg: tenantID})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant ID to take offline")
	cmd.Flags().BoolVar(&broadcast, "broadcast", false, "publish the offline command to the whole fleet over NATS")
	return cmd
}
