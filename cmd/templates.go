package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/prospectlabs/scout/internal/research"
)

func templatesCMD() *cobra.Command {
	var category string

	var templates = &cobra.Command{
		Use:   "templates",
		Short: "List the built-in research templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := research.NewTemplateRegistry()
			for _, tpl := range registry.List() {
				if category != "" && string(tpl.Category) != category {
					continue
				}
				fmt.Printf("%-22s %-12s %-8s %s\n", tpl.ID, tpl.Category, tpl.Priority, tpl.Name)
				if len(tpl.FocusAreas) > 0 {
					fmt.Printf("%-22s focus: %s\n", "", strings.Join(tpl.FocusAreas, ", "))
				}
			}
			return nil
		},
	}
	templates.Flags().StringVar(&category, "category", "", "filter by category (technical, business, team, competitive, market, funding)")

	return templates
}
