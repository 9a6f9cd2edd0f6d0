package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"southwinds.dev/biogate"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Manage enrolled fingerprints",
	Long: `Manage the simulated fingerprint enrollment. Adding or removing a fingerprint
revokes every key created with invalidation on enrollment change.`,
}

var enrollAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Enroll a fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnrollAdd,
}

var enrollRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an enrolled fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnrollRemove,
}

var enrollListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled fingerprints",
	RunE:  runEnrollList,
}

var templateLabel string

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.AddCommand(enrollAddCmd)
	enrollCmd.AddCommand(enrollRemoveCmd)
	enrollCmd.AddCommand(enrollListCmd)

	enrollAddCmd.Flags().StringVar(&templateLabel, "label", "", "human readable label, e.g. right thumb")
	enrollListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runEnrollAdd(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	template, err := enrollment.Enroll(cmd.Context(), args[0], templateLabel)
	biogate.LogEnrollmentChange(auditLogger, cliContext.UserID, args[0], true, err)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to enroll %s: %w", args[0], err), started)
	}

	fmt.Printf("Enrolled fingerprint %s\n", template.ID)
	warnInvalidation(cmd)
	return auditCmdComplete(cmd, nil, started)
}

func runEnrollRemove(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	err := enrollment.Remove(cmd.Context(), args[0])
	biogate.LogEnrollmentChange(auditLogger, cliContext.UserID, args[0], false, err)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to remove %s: %w", args[0], err), started)
	}

	fmt.Printf("Removed fingerprint %s\n", args[0])
	warnInvalidation(cmd)
	return auditCmdComplete(cmd, nil, started)
}

// warnInvalidation tells the user when the change revoked the configured key
func warnInvalidation(cmd *cobra.Command) {
	info, err := service.Vault().KeyInfo(cmd.Context(), service.Options().KeyName)
	if err != nil || !info.Invalidated {
		return
	}
	fmt.Printf("Key %s is now invalidated. The next authorization asks for the password.\n", info.Spec.Name)
}

func runEnrollList(cmd *cobra.Command, args []string) error {
	templates, err := enrollment.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list enrollments: %w", err)
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(templates)
	}

	if len(templates) == 0 {
		fmt.Println("No fingerprints enrolled")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tENROLLED")
	for _, t := range templates {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Label, t.EnrolledAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
