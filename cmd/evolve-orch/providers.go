package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/evolve-orchestrator/internal/llm"
)

func init() {
	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List registered model providers",
		RunE:  runProviders,
	}
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := llm.DefaultRegistry(cfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tCLAIMS\tJSON MODE")
	for _, p := range registry.Providers() {
		fmt.Fprintf(w, "%s\t%s\t%v\n", p.Name, claims(p), p.JSONMode)
	}
	return w.Flush()
}

// claims summarizes the identifiers a provider answers for
func claims(p llm.ProviderInfo) string {
	var parts []string
	for _, prefix := range p.Prefixes {
		parts = append(parts, prefix+"*")
	}
	parts = append(parts, p.Models...)
	if len(parts) > 4 {
		return strings.Join(parts[:4], ", ") + fmt.Sprintf(" (+%d)", len(parts)-4)
	}
	return strings.Join(parts, ", ")
}
