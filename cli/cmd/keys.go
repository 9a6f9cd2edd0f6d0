package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/biogate"
	"southwinds.dev/biogate/keystore"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage the authorization key",
	Long: `Manage the key that guards authorization. The key is bound to the set of
enrolled fingerprints and is revoked when that set changes.`,
}

var keyEnsureCmd = &cobra.Command{
	Use:   "ensure [name]",
	Short: "Create the key if it does not exist",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKeyEnsure,
}

var keyStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show key details and whether it has been invalidated",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKeyStatus,
}

var keyRegenerateCmd = &cobra.Command{
	Use:   "regenerate [name]",
	Short: "Replace the key with a new one bound to the current enrollment",
	Long: `Generate a new key in place of the existing one. The old key is kept when
generation fails. Sessions opened on the old key can no longer be authorized
and data encrypted with it cannot be decrypted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKeyRegenerate,
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete the key",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKeyDelete,
}

var (
	jsonOutput   bool
	noInvalidate bool
	assumeYes    bool
)

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyEnsureCmd)
	keysCmd.AddCommand(keyStatusCmd)
	keysCmd.AddCommand(keyRegenerateCmd)
	keysCmd.AddCommand(keyDeleteCmd)

	keyEnsureCmd.Flags().BoolVar(&noInvalidate, "no-invalidate", false, "keep the key valid when enrolled fingerprints change")
	keyRegenerateCmd.Flags().BoolVar(&noInvalidate, "no-invalidate", false, "keep the key valid when enrolled fingerprints change")
	keyStatusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyRegenerateCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	keyDeleteCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
}

// keyName is the positional name or the configured authorization key
func keyName(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return viper.GetString("authorization.key_name")
}

func keyOptions(cmd *cobra.Command) []biogate.KeyOption {
	invalidate := service.Options().InvalidateOnEnrollmentChange
	if cmd.Flags().Changed("no-invalidate") {
		invalidate = !noInvalidate
	}
	return []biogate.KeyOption{biogate.WithInvalidationOnEnrollment(invalidate)}
}

func runKeyEnsure(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	name := keyName(args)

	handle, err := service.Vault().EnsureKey(cmd.Context(), name, keyOptions(cmd)...)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to ensure key %s: %w", name, err), started)
	}

	fmt.Printf("Key %s is ready\n", handle.Name())
	fmt.Printf("Algorithm: %s\n", handle.Algorithm())
	fmt.Printf("Created: %s\n", handle.CreatedAt().Format(time.RFC3339))
	return auditCmdComplete(cmd, nil, started)
}

func runKeyStatus(cmd *cobra.Command, args []string) error {
	name := keyName(args)

	info, err := service.Vault().KeyInfo(cmd.Context(), name)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return fmt.Errorf("key %s does not exist, run 'biogate key ensure' to create it", name)
		}
		return fmt.Errorf("failed to read key %s: %w", name, err)
	}

	if jsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(map[string]interface{}{
			"name":                          info.Spec.Name,
			"algorithm":                     info.Spec.Transformation(),
			"key_size":                      info.Spec.KeySize,
			"purposes":                      info.Spec.Purposes.String(),
			"user_authentication_required":  info.Spec.UserAuthenticationRequired,
			"invalidated_on_new_enrollment": info.Spec.InvalidatedByBiometricEnrollment,
			"created_at":                    info.CreatedAt,
			"invalidated":                   info.Invalidated,
		})
	}

	fmt.Printf("Key: %s\n", info.Spec.Name)
	fmt.Printf("Algorithm: %s (%d bits)\n", info.Spec.Transformation(), info.Spec.KeySize)
	fmt.Printf("Purposes: %s\n", info.Spec.Purposes)
	fmt.Printf("User authentication required: %t\n", info.Spec.UserAuthenticationRequired)
	fmt.Printf("Invalidated on new enrollment: %t\n", info.Spec.InvalidatedByBiometricEnrollment)
	fmt.Printf("Created: %s\n", info.CreatedAt.Format(time.RFC3339))
	if info.Invalidated {
		fmt.Println("Status: INVALIDATED - enrolled fingerprints changed since the key was created")
	} else {
		fmt.Println("Status: valid")
	}
	return nil
}

func runKeyRegenerate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	name := keyName(args)

	if !assumeYes && !promptConfirmation(fmt.Sprintf("Replace key %s? Data encrypted with it becomes unrecoverable.", name)) {
		fmt.Println("Key regeneration cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	handle, err := service.Vault().RegenerateKey(cmd.Context(), name, keyOptions(cmd)...)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to regenerate key %s: %w", name, err), started)
	}

	fmt.Printf("Key %s regenerated at %s\n", handle.Name(), handle.CreatedAt().Format(time.RFC3339))
	return auditCmdComplete(cmd, nil, started)
}

func runKeyDelete(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	name := keyName(args)

	if !assumeYes && !promptConfirmation(fmt.Sprintf("Permanently delete key %s?", name)) {
		fmt.Println("Key deletion cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err := service.Vault().DeleteKey(cmd.Context(), name); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to delete key %s: %w", name, err), started)
	}

	fmt.Printf("Key %s deleted\n", name)
	return auditCmdComplete(cmd, nil, started)
}
