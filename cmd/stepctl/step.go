package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var stepCmd = &cobra.Command{
	Use:   "step",
	Short: "Drive individual steps",
}

var qaSkipGates string

func init() {
	stepQACmd.Flags().StringVar(&qaSkipGates, "skip", "", "gate ids to skip (comma-separated)")

	stepCmd.AddCommand(stepExecuteCmd)
	stepCmd.AddCommand(stepQACmd)
	stepCmd.AddCommand(stepRetryCmd)
}

// QARequest matches internal/http/handlers.go QARequest.
type QARequest struct {
	SkipGates []string `json:"skip_gates,omitempty"`
}

// QAResult mirrors the gate runner's aggregate result.
type QAResult struct {
	StepID  string `json:"step_id"`
	Verdict string `json:"verdict"`
	Gates   []struct {
		GateID   string `json:"gate_id"`
		Verdict  string `json:"verdict"`
		Blocking bool   `json:"blocking"`
		Error    string `json:"error,omitempty"`
	} `json:"gate_results"`
}

var stepExecuteCmd = &cobra.Command{
	Use:   "execute <step-id>",
	Short: "Execute a step synchronously",
	Long: `Execute a pending step through the full execute/QA/feedback cycle
and print its terminal status. Prefer letting the worker pool claim
steps from the queue; this command exists for manual driving.`,
	Args: cobra.ExactArgs(1),
	RunE: stepExecute,
}

var stepQACmd = &cobra.Command{
	Use:   "qa <step-id>",
	Short: "Run QA gates for a step without changing its state",
	Args:  cobra.ExactArgs(1),
	RunE:  stepQA,
}

var stepRetryCmd = &cobra.Command{
	Use:   "retry <step-id>",
	Short: "Re-enqueue a failed or blocked step",
	Args:  cobra.ExactArgs(1),
	RunE:  stepRetry,
}

func stepExecute(cmd *cobra.Command, args []string) error {
	var step StepResponse
	if err := doRequest(http.MethodPost, "/api/v1/steps/"+args[0]+"/execute", nil, &step); err != nil {
		return err
	}
	fmt.Printf("Step %s (%s): %s\n", step.ID, step.Name, step.Status)
	if step.Summary != "" {
		fmt.Println(step.Summary)
	}
	return nil
}

func stepQA(cmd *cobra.Command, args []string) error {
	req := QARequest{}
	if qaSkipGates != "" {
		for _, gate := range strings.Split(qaSkipGates, ",") {
			req.SkipGates = append(req.SkipGates, strings.TrimSpace(gate))
		}
	}

	var result QAResult
	if err := doRequest(http.MethodPost, "/api/v1/steps/"+args[0]+"/qa", req, &result); err != nil {
		return err
	}

	fmt.Printf("Verdict: %s\n", result.Verdict)
	for _, gate := range result.Gates {
		line := fmt.Sprintf("  %-12s %-6s", gate.GateID, gate.Verdict)
		if gate.Blocking {
			line += " (blocking)"
		}
		if gate.Error != "" {
			line += "  " + gate.Error
		}
		fmt.Println(line)
	}
	return nil
}

func stepRetry(cmd *cobra.Command, args []string) error {
	if err := doRequest(http.MethodPost, "/api/v1/steps/"+args[0]+"/retry", nil, nil); err != nil {
		return err
	}
	fmt.Printf("Step %s: retry requested\n", args[0])
	return nil
}
