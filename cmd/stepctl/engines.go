package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List registered engines and their availability",
	RunE:  runEngines,
}

// EngineStatus matches internal/http/handlers.go EngineStatus.
type EngineStatus struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Kind         string `json:"kind"`
	DefaultModel string `json:"default_model,omitempty"`
	Default      bool   `json:"default"`
	Available    bool   `json:"available"`
	Error        string `json:"error,omitempty"`
}

func runEngines(cmd *cobra.Command, args []string) error {
	var engines []EngineStatus
	if err := doRequest(http.MethodGet, "/api/v1/engines", nil, &engines); err != nil {
		return err
	}

	fmt.Printf("%-14s %-6s %-20s %-10s %s\n", "ID", "KIND", "MODEL", "AVAILABLE", "")
	for _, eng := range engines {
		marker := ""
		if eng.Default {
			marker = "(default)"
		}
		avail := "yes"
		if !eng.Available {
			avail = "no: " + eng.Error
		}
		fmt.Printf("%-14s %-6s %-20s %-10s %s\n", eng.ID, eng.Kind, eng.DefaultModel, avail, marker)
	}
	return nil
}
