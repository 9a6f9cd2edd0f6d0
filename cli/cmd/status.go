package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"southwinds.dev/biogate"
	"southwinds.dev/biogate/keystore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and key status",
	Long:  "Display the key store, memory protection level, authorization key and enrollment.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	options := service.Options()

	fmt.Println("biogate Status")
	fmt.Println("==============")

	fmt.Printf("Store: %s (namespace %s)\n", storeSummary(), namespace)
	fmt.Printf("Memory Protection: %s\n", keyStore.ProtectionLevel())

	info, err := service.Vault().KeyInfo(cmd.Context(), options.KeyName)
	switch {
	case errors.Is(err, keystore.ErrKeyNotFound):
		fmt.Printf("Key: %s (not created yet)\n", options.KeyName)
	case err != nil:
		fmt.Printf("Key: ERROR - %v\n", err)
	case info.Invalidated:
		fmt.Printf("Key: %s (INVALIDATED, password required)\n", options.KeyName)
	default:
		fmt.Printf("Key: %s (valid, %s)\n", options.KeyName, info.Spec.Transformation())
	}

	templates, err := enrollment.List(cmd.Context())
	if err != nil {
		fmt.Printf("Enrolled Fingerprints: ERROR - %v\n", err)
	} else {
		fmt.Printf("Enrolled Fingerprints: %d\n", len(templates))
	}

	prefs := biogate.NewViperPreferences(nil)
	fmt.Printf("Prefer Fingerprint: %t\n", prefs.GetBool(options.PreferenceKey, options.PreferenceDefault))
	fmt.Printf("Invalidate On Enrollment Change: %t\n", options.InvalidateOnEnrollmentChange)

	return nil
}
