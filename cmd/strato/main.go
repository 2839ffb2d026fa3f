package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratomesh/strato/pkg/client"
	"github.com/stratomesh/strato/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	serverURL string
	authToken string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strato",
	Short: "Strato - orchestration control plane for decentralized compute",
	Long: `Strato schedules virtual machines onto independently operated compute
nodes, tracks their lifecycle through node acknowledgements, and keeps
billing honest with periodic liveness attestation.

Run 'strato server' to start the control plane, or use the vm/node
verbs to talk to a running one.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Strato version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Orchestrator API address")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token (defaults to STRATO_TOKEN)")

	rootCmd.AddCommand(vmCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(statsCmd)
}

func apiClient() *client.Client {
	token := authToken
	if token == "" {
		token = os.Getenv("STRATO_TOKEN")
	}
	return client.New(serverURL, token)
}

func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// VM commands
var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage virtual machines",
}

var vmListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List your virtual machines",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		vms, err := apiClient().ListVMs(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tNODE\tCPU\tMEMORY\tRATE/H")
		for _, vm := range vms {
			node := vm.NodeID
			if node == "" {
				node = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%dMB\t$%.4f\n",
				vm.ID, vm.Name, vm.Status, node,
				vm.Spec.CPUCores, vm.Spec.MemoryMB, vm.Billing.HourlyRate)
		}
		return w.Flush()
	},
}

var vmCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create and schedule a virtual machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		cpu, _ := cmd.Flags().GetInt("cpu")
		memory, _ := cmd.Flags().GetInt64("memory")
		disk, _ := cmd.Flags().GetInt64("disk")
		image, _ := cmd.Flags().GetString("image")
		gpu, _ := cmd.Flags().GetBool("gpu")
		nodeID, _ := cmd.Flags().GetString("node")
		region, _ := cmd.Flags().GetString("region")
		zone, _ := cmd.Flags().GetString("zone")

		ctx, cancel := cliContext()
		defer cancel()

		res, err := apiClient().CreateVM(ctx, client.CreateVMRequest{
			Name: name,
			Spec: types.VMSpec{
				CPUCores:    cpu,
				MemoryMB:    memory,
				DiskGB:      disk,
				ImageID:     image,
				RequiresGPU: gpu,
			},
			NodeID: nodeID,
			Region: region,
			Zone:   zone,
		})
		if err != nil {
			return err
		}

		fmt.Printf("✓ VM created: %s\n", res.VMID)
		fmt.Println()
		fmt.Println("Initial password (shown once, not stored):")
		fmt.Printf("  %s\n", res.GeneratedPassword)
		return nil
	},
}

var vmStartCmd = &cobra.Command{
	Use:   "start VM_ID",
	Short: "Start a stopped virtual machine",
	Args:  cobra.ExactArgs(1),
	RunE:  vmActionRunE("Start"),
}

var vmStopCmd = &cobra.Command{
	Use:   "stop VM_ID",
	Short: "Stop a running virtual machine",
	Args:  cobra.ExactArgs(1),
	RunE:  vmActionRunE("Stop"),
}

func vmActionRunE(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		if err := apiClient().VMAction(ctx, args[0], action); err != nil {
			return err
		}
		fmt.Printf("✓ %s requested for %s\n", action, args[0])
		return nil
	}
}

var vmDeleteCmd = &cobra.Command{
	Use:   "rm VM_ID",
	Short: "Delete a virtual machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		if err := apiClient().DeleteVM(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Deletion requested for %s\n", args[0])
		return nil
	},
}

var vmStatusCmd = &cobra.Command{
	Use:   "status VM_ID",
	Short: "Show a VM's attestation and billing state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		c := apiClient()
		vm, err := c.GetVM(ctx, args[0])
		if err != nil {
			return err
		}
		ls, err := c.AttestationStatus(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("VM: %s (%s)\n", vm.ID, vm.Name)
		fmt.Printf("  Status: %s\n", vm.Status)
		if vm.NodeID != "" {
			fmt.Printf("  Node: %s\n", vm.NodeID)
		}
		fmt.Printf("  Billed: $%.4f (rate $%.4f/h", vm.Billing.TotalBilled, vm.Billing.HourlyRate)
		if vm.Billing.Paused {
			fmt.Printf(", paused: %s", vm.Billing.PauseReason)
		}
		fmt.Println(")")
		fmt.Printf("  Attestation: %d/%d passed, %d consecutive failures, avg %.0fms\n",
			ls.SuccessCount, ls.TotalChallenges, ls.ConsecutiveFailures, ls.AvgResponseMS)
		return nil
	},
}

func init() {
	vmCmd.AddCommand(vmListCmd)
	vmCmd.AddCommand(vmCreateCmd)
	vmCmd.AddCommand(vmStartCmd)
	vmCmd.AddCommand(vmStopCmd)
	vmCmd.AddCommand(vmDeleteCmd)
	vmCmd.AddCommand(vmStatusCmd)

	vmCreateCmd.Flags().Int("cpu", 1, "CPU cores")
	vmCreateCmd.Flags().Int64("memory", 1024, "Memory in MB")
	vmCreateCmd.Flags().Int64("disk", 10, "Disk in GB")
	vmCreateCmd.Flags().String("image", "", "Image ID")
	vmCreateCmd.Flags().Bool("gpu", false, "Require a GPU node")
	vmCreateCmd.Flags().String("node", "", "Pin to a specific node")
	vmCreateCmd.Flags().String("region", "", "Constrain placement to a region")
	vmCreateCmd.Flags().String("zone", "", "Constrain placement to a zone")
	vmCreateCmd.MarkFlagRequired("image")
}

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect compute nodes",
}

var nodeListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		nodes, err := apiClient().ListNodes(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tREGION\tCPU\tMEMORY\tUPTIME\tVMS")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dMB\t%.1f%%\t%d\n",
				n.ID, n.Status, n.Region,
				n.Capacity.CPUCores, n.Capacity.MemoryMB,
				n.Reputation.UptimePct, n.Reputation.TotalVMsHosted)
		}
		return w.Flush()
	},
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
}

// Stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show platform-wide counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cliContext()
		defer cancel()

		st, err := apiClient().GetStats(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Nodes: %d (%d online)\n", st.NodesTotal, st.NodesOnline)
		fmt.Printf("VMs: %d (%d running)\n", st.VMsTotal, st.VMsRunning)
		fmt.Printf("Available: %d cores, %d MB memory\n", st.AvailableCPU, st.AvailableMemoryMB)
		return nil
	},
}
