package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/biogate"
	"southwinds.dev/biogate/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditAttemptID     string
	auditKeyName       string
	auditLimit         int
	auditOffset        int
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze audit logs",
	Long: `Query and analyze the audit trail of authorization attempts, key operations
and enrollment changes.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit logs with filters",
	Long: `Query audit logs with various filtering options.

Examples:
  # Failed events since the start of the year
  biogate audit query --failures-only --since "2026-01-01T00:00:00Z"

  # Every event of one authorization attempt
  biogate audit query --attempt 6f1c2d3e-...

  # Stage transitions only
  biogate audit query --action GATE_STAGE --details`,
	RunE: runAuditQuery,
}

var auditAttemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Summarize authorization attempts",
	Long:  `List authorization attempts with the stages they went through and how they ended.`,
	RunE:  runAuditAttempts,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit statistics",
	RunE:  runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditAttemptsCmd)
	auditCmd.AddCommand(auditStatsCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "only events at or after this time (RFC3339)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "only events at or before this time (RFC3339)")
	auditCmd.PersistentFlags().StringVar(&auditKeyName, "key-name", "", "only events for this key")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action, e.g. GATE_RESOLVED")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "filter by success (true or false)")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "only failed events")
	auditQueryCmd.Flags().StringVar(&auditAttemptID, "attempt", "", "only events of this authorization attempt")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of events")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "number of events to skip")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "show every field of each event")
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Namespace: namespace,
		Action:    auditAction,
		AttemptID: auditAttemptID,
		KeyName:   auditKeyName,
		Limit:     auditLimit,
		Offset:    auditOffset,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}
	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}
	if auditFailuresOnly {
		failed := false
		options.Success = &failed
	}
	return options, nil
}

func queryAudit(options audit.QueryOptions) (audit.QueryResult, error) {
	if !viper.GetBool("audit.enabled") {
		return audit.QueryResult{}, fmt.Errorf("audit logging is disabled, enable it with --audit or audit.enabled")
	}
	result, err := auditLogger.Query(options)
	if err != nil {
		return result, fmt.Errorf("failed to query audit logs: %w", err)
	}
	return result, nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	result, err := queryAudit(options)
	if err != nil {
		return err
	}

	if auditJsonOutput {
		return printJSON(result)
	}

	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	fmt.Printf("\nShowing %d of %d matching events", len(result.Events), result.Filtered)
	if result.HasMore {
		fmt.Printf(" (use --offset %d for more)", options.Offset+len(result.Events))
	}
	fmt.Println()
	return nil
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)
			fmt.Fprintf(w, "Status:\t%s\n", statusLabel(event.Success))

			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.AttemptID != "" {
				fmt.Fprintf(w, "Attempt:\t%s\n", event.AttemptID)
			}
			if event.Stage != "" {
				fmt.Fprintf(w, "Stage:\t%s\n", event.Stage)
			}
			if event.KeyName != "" {
				fmt.Fprintf(w, "Key:\t%s\n", event.KeyName)
			}
			if event.UserID != "" {
				fmt.Fprintf(w, "User ID:\t%s\n", event.UserID)
			}
			if event.Command != "" {
				fmt.Fprintf(w, "Command:\t%s\n", event.Command)
			}

			if len(event.Metadata) > 0 {
				keys := make([]string, 0, len(event.Metadata))
				for k := range event.Metadata {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
		return w.Flush()
	}

	fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tATTEMPT\tSTAGE\tKEY\tERROR\n")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action,
			statusLabel(event.Success),
			truncate(event.AttemptID, 8),
			event.Stage,
			event.KeyName,
			truncate(event.Error, 30))
	}
	return w.Flush()
}

func statusLabel(success bool) string {
	if success {
		return "SUCCESS"
	}
	return "FAILED"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// AttemptSummary is one authorization attempt reconstructed from its events
type AttemptSummary struct {
	AttemptID  string        `json:"attempt_id"`
	KeyName    string        `json:"key_name"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Stages     []string      `json:"stages"`
	Result     string        `json:"result"`
	Reenrolled bool          `json:"reenrolled"`
}

// summarizeAttempts groups events by attempt. Queries return the newest
// events first, so they are replayed in time order.
func summarizeAttempts(events []audit.Event) []AttemptSummary {
	ordered := append([]audit.Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	byID := make(map[string]*AttemptSummary)
	var order []string

	for _, event := range ordered {
		if event.AttemptID == "" {
			continue
		}
		summary, ok := byID[event.AttemptID]
		if !ok {
			summary = &AttemptSummary{
				AttemptID: event.AttemptID,
				KeyName:   event.KeyName,
				StartedAt: event.Timestamp,
				Result:    "pending",
			}
			byID[event.AttemptID] = summary
			order = append(order, event.AttemptID)
		}
		if d := event.Timestamp.Sub(summary.StartedAt); d > summary.Duration {
			summary.Duration = d
		}

		switch event.Action {
		case biogate.ActionGateStage:
			if event.Stage != "" {
				summary.Stages = append(summary.Stages, event.Stage)
			}
		case biogate.ActionGateResolved:
			summary.Result = "password"
			if via, _ := event.Metadata["succeeded_via_biometric"].(bool); via {
				summary.Result = "biometric"
			}
		case biogate.ActionGateCancelled:
			summary.Result = "cancelled"
		case biogate.ActionGateFailed:
			summary.Result = "failed"
		case biogate.ActionGateReenroll:
			summary.Reenrolled = event.Success
		}
	}

	summaries := make([]AttemptSummary, 0, len(order))
	for _, id := range order {
		summaries = append(summaries, *byID[id])
	}
	return summaries
}

func runAuditAttempts(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	result, err := queryAudit(options)
	if err != nil {
		return err
	}

	summaries := summarizeAttempts(result.Events)
	if auditJsonOutput {
		return printJSON(summaries)
	}
	if len(summaries) == 0 {
		fmt.Println("No authorization attempts found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "STARTED\tATTEMPT\tKEY\tSTAGES\tRESULT\tREENROLLED\tDURATION\n")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%t\t%s\n",
			s.StartedAt.Format("2006-01-02 15:04:05"),
			truncate(s.AttemptID, 8),
			s.KeyName,
			s.Stages,
			s.Result,
			s.Reenrolled,
			s.Duration.Round(time.Millisecond))
	}
	return w.Flush()
}

// AuditStats aggregates the audit trail
type AuditStats struct {
	GeneratedAt      time.Time      `json:"generated_at"`
	TotalEvents      int            `json:"total_events"`
	SuccessfulEvents int            `json:"successful_events"`
	FailedEvents     int            `json:"failed_events"`
	SuccessRate      float64        `json:"success_rate"`
	ActionBreakdown  map[string]int `json:"action_breakdown"`
	AttemptResults   map[string]int `json:"attempt_results"`
	SensorFailures   int            `json:"sensor_failures"`
	PasswordRejects  int            `json:"password_rejects"`
	FirstEvent       *time.Time     `json:"first_event,omitempty"`
	LastEvent        *time.Time     `json:"last_event,omitempty"`
}

func calculateAuditStats(events []audit.Event) AuditStats {
	stats := AuditStats{
		GeneratedAt:     time.Now().UTC(),
		ActionBreakdown: make(map[string]int),
		AttemptResults:  make(map[string]int),
	}

	for i := range events {
		event := events[i]
		stats.TotalEvents++
		if event.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			switch event.Action {
			case biogate.ActionGateSensorOutcome:
				stats.SensorFailures++
			case biogate.ActionGatePasswordOutcome:
				stats.PasswordRejects++
			}
		}
		stats.ActionBreakdown[event.Action]++

		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			stats.FirstEvent = &events[i].Timestamp
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			stats.LastEvent = &events[i].Timestamp
		}
	}

	for _, s := range summarizeAttempts(events) {
		stats.AttemptResults[s.Result]++
	}
	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	}
	return stats
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	result, err := queryAudit(options)
	if err != nil {
		return err
	}

	stats := calculateAuditStats(result.Events)
	if auditJsonOutput {
		return printJSON(stats)
	}

	fmt.Printf("Audit Statistics (namespace %s)\n", namespace)
	fmt.Printf("Generated at: %s\n", stats.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("═══════════════════════════════════════\n\n")

	fmt.Printf("Total Events: %d\n", stats.TotalEvents)
	fmt.Printf("Successful: %d (%.1f%%)\n", stats.SuccessfulEvents, stats.SuccessRate)
	fmt.Printf("Failed: %d\n", stats.FailedEvents)
	fmt.Printf("Sensor Failures: %d\n", stats.SensorFailures)
	fmt.Printf("Password Rejections: %d\n", stats.PasswordRejects)
	if stats.FirstEvent != nil {
		fmt.Printf("Time Range: %s to %s\n",
			stats.FirstEvent.Format(time.RFC3339), stats.LastEvent.Format(time.RFC3339))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "\nATTEMPT RESULT\tCOUNT\n")
	for _, result := range sortedKeys(stats.AttemptResults) {
		fmt.Fprintf(w, "%s\t%d\n", result, stats.AttemptResults[result])
	}
	fmt.Fprintf(w, "\nACTION\tCOUNT\n")
	for _, action := range sortedKeys(stats.ActionBreakdown) {
		fmt.Fprintf(w, "%s\t%d\n", action, stats.ActionBreakdown[action])
	}
	return w.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
