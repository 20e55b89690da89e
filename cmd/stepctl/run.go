package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit and manage protocol runs",
}

var (
	runSubmitFile string
	runListStatus string
	eventsStepID  string
)

func init() {
	runSubmitCmd.Flags().StringVarP(&runSubmitFile, "file", "f", "", "protocol spec file (YAML)")
	_ = runSubmitCmd.MarkFlagRequired("file")
	runListCmd.Flags().StringVar(&runListStatus, "status", "", "filter by status (comma-separated)")
	runEventsCmd.Flags().StringVar(&eventsStepID, "step", "", "only events for this step id")

	runCmd.AddCommand(runSubmitCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runGetCmd)
	runCmd.AddCommand(runEventsCmd)
	runCmd.AddCommand(runPauseCmd)
	runCmd.AddCommand(runResumeCmd)
	runCmd.AddCommand(runCancelCmd)
}

// RunSpecFile matches internal/orchestrator RunSpec.
type RunSpecFile struct {
	ProtocolName string         `json:"protocol_name" koanf:"protocol_name"`
	ProtocolRoot string         `json:"protocol_root" koanf:"protocol_root"`
	WorkspaceDir string         `json:"workspace_dir" koanf:"workspace_dir"`
	WorktreePath string         `json:"worktree_path,omitempty" koanf:"worktree_path"`
	EngineID     string         `json:"engine_id,omitempty" koanf:"engine_id"`
	Model        string         `json:"model,omitempty" koanf:"model"`
	Steps        []StepSpecFile `json:"steps" koanf:"steps"`
}

// StepSpecFile matches internal/orchestrator StepSpec.
type StepSpecFile struct {
	Name       string   `json:"name" koanf:"name"`
	EngineID   string   `json:"engine_id,omitempty" koanf:"engine_id"`
	Model      string   `json:"model,omitempty" koanf:"model"`
	QAPolicy   string   `json:"qa_policy,omitempty" koanf:"qa_policy"`
	MaxRetries int      `json:"max_retries,omitempty" koanf:"max_retries"`
	DependsOn  []string `json:"depends_on,omitempty" koanf:"depends_on"`
}

// RunResponse matches internal/http/handlers.go RunResponse.
type RunResponse struct {
	ID           string         `json:"id"`
	ProtocolName string         `json:"protocol_name"`
	Status       string         `json:"status"`
	EngineID     string         `json:"engine_id,omitempty"`
	Model        string         `json:"model,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
	Steps        []StepResponse `json:"steps,omitempty"`
}

// StepResponse matches internal/http/handlers.go StepResponse.
type StepResponse struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Status     string   `json:"status"`
	EngineID   string   `json:"engine_id,omitempty"`
	Model      string   `json:"model,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	MaxRetries int      `json:"max_retries"`
	Summary    string   `json:"summary,omitempty"`
}

// EventResponse matches internal/http/handlers.go EventResponse.
type EventResponse struct {
	ID        int64             `json:"id"`
	StepID    string            `json:"step_id,omitempty"`
	Type      string            `json:"type"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"created_at"`
}

var runSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a protocol run from a YAML spec file",
	Long: `Submit a protocol run described by a YAML file.

Example spec:

  protocol_name: feature-ship
  protocol_root: ./protocols/feature-ship
  workspace_dir: /work/repo
  steps:
    - name: plan
    - name: build
      depends_on: [plan]
    - name: verify
      depends_on: [build]

Examples:
  stepctl run submit -f protocol.yaml`,
	RunE: runSubmit,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List protocol runs",
	RunE:  runList,
}

var runGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run with its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var runEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Show a run's event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var runPauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Pause a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runControl("pause"),
}

var runResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused run",
	Args:  cobra.ExactArgs(1),
	RunE:  runControl("resume"),
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run and its unfinished steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runControl("cancel"),
}

func loadRunSpec(path string) (*RunSpecFile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file %s: %w", path, err)
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse spec file %s: %w", path, err)
	}
	var spec RunSpecFile
	if err := k.Unmarshal("", &spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal spec file %s: %w", path, err)
	}
	return &spec, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	spec, err := loadRunSpec(runSubmitFile)
	if err != nil {
		return err
	}

	var resp RunResponse
	if err := doRequest(http.MethodPost, "/api/v1/runs", spec, &resp); err != nil {
		return err
	}

	fmt.Printf("Run %s (%s) submitted: %s\n", resp.ID, resp.ProtocolName, resp.Status)
	for _, step := range resp.Steps {
		fmt.Printf("  %-12s %-10s %s\n", step.Name, step.Status, step.ID)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	path := "/api/v1/runs"
	if runListStatus != "" {
		path += "?status=" + runListStatus
	}
	var runs []RunResponse
	if err := doRequest(http.MethodGet, path, nil, &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs.")
		return nil
	}
	fmt.Printf("%-36s  %-20s  %-10s  %s\n", "ID", "PROTOCOL", "STATUS", "UPDATED")
	for _, run := range runs {
		fmt.Printf("%-36s  %-20s  %-10s  %s\n", run.ID, run.ProtocolName, run.Status, run.UpdatedAt)
	}
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	var run RunResponse
	if err := doRequest(http.MethodGet, "/api/v1/runs/"+args[0], nil, &run); err != nil {
		return err
	}
	fmt.Printf("Run:      %s\nProtocol: %s\nStatus:   %s\n", run.ID, run.ProtocolName, run.Status)
	if run.EngineID != "" {
		fmt.Printf("Engine:   %s\n", run.EngineID)
	}
	fmt.Println("Steps:")
	for _, step := range run.Steps {
		line := fmt.Sprintf("  %-12s %-10s %s", step.Name, step.Status, step.ID)
		if step.Summary != "" {
			line += "  " + step.Summary
		}
		fmt.Println(line)
	}
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	path := "/api/v1/runs/" + args[0] + "/events"
	if eventsStepID != "" {
		path += "?step_id=" + eventsStepID
	}
	var events []EventResponse
	if err := doRequest(http.MethodGet, path, nil, &events); err != nil {
		return err
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-24s %s", ev.CreatedAt, ev.Type, ev.Message)
		fmt.Println(line)
	}
	return nil
}

func runControl(verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/v1/runs/%s/%s", args[0], verb)
		if err := doRequest(http.MethodPost, path, nil, nil); err != nil {
			return err
		}
		fmt.Printf("Run %s: %s requested\n", args[0], verb)
		return nil
	}
}
