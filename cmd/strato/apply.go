package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stratomesh/strato/pkg/client"
	"github.com/stratomesh/strato/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a manifest file",
	Long: `Apply a Strato manifest from a YAML file.

Examples:
  # Create a VM from a manifest
  strato apply -f vm.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Manifest is a declarative resource definition
type Manifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ManifestMetadata `yaml:"metadata"`
	Spec       vmManifestSpec   `yaml:"spec"`
}

type ManifestMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

type vmManifestSpec struct {
	CPUCores    int    `yaml:"cpuCores"`
	MemoryMB    int64  `yaml:"memoryMB"`
	DiskGB      int64  `yaml:"diskGB"`
	ImageID     string `yaml:"imageID"`
	RequiresGPU bool   `yaml:"requiresGPU,omitempty"`
	NodeID      string `yaml:"nodeID,omitempty"`
	Region      string `yaml:"region,omitempty"`
	Zone        string `yaml:"zone,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}

	switch manifest.Kind {
	case "VirtualMachine":
		return applyVM(&manifest)
	default:
		return fmt.Errorf("unsupported resource kind: %s", manifest.Kind)
	}
}

func applyVM(manifest *Manifest) error {
	name := manifest.Metadata.Name
	if name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if manifest.Spec.ImageID == "" {
		return fmt.Errorf("spec.imageID is required")
	}

	ctx, cancel := cliContext()
	defer cancel()

	fmt.Printf("Creating VM: %s\n", name)
	res, err := apiClient().CreateVM(ctx, client.CreateVMRequest{
		Name: name,
		Spec: types.VMSpec{
			CPUCores:    manifest.Spec.CPUCores,
			MemoryMB:    manifest.Spec.MemoryMB,
			DiskGB:      manifest.Spec.DiskGB,
			ImageID:     manifest.Spec.ImageID,
			RequiresGPU: manifest.Spec.RequiresGPU,
		},
		NodeID: manifest.Spec.NodeID,
		Region: manifest.Spec.Region,
		Zone:   manifest.Spec.Zone,
	})
	if err != nil {
		return fmt.Errorf("failed to create VM: %v", err)
	}

	fmt.Printf("✓ VM created: %s (ID: %s)\n", name, res.VMID)
	fmt.Println()
	fmt.Println("Initial password (shown once, not stored):")
	fmt.Printf("  %s\n", res.GeneratedPassword)
	return nil
}
