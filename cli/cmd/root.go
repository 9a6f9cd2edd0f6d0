package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/biogate"
	"southwinds.dev/biogate/audit"
	"southwinds.dev/biogate/keystore"
)

const passphraseEnvVar = "BIOGATE_PASSPHRASE"

var (
	cfgFile     string
	storePath   string
	namespace   string
	keyStore    *keystore.SoftwareStore
	enrollment  *keystore.EnrollmentRegistry
	service     *biogate.Service
	registry    *prometheus.Registry
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "biogate",
	Short: "Biometric-gated authorization with enrollment-bound keys",
	Long: `biogate guards an operation behind a fingerprint check backed by a key that is
revoked whenever the set of enrolled fingerprints changes. When the key has been
revoked the user confirms with the store password and may re-enable fingerprint
authorization, which provisions a new key.

The sensor is simulated on the terminal; enrolled fingerprints are managed with
the enroll command.`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeService,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeService()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.biogate.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to the key store")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "key store namespace (one per device or user)")
	rootCmd.PersistentFlags().String("passphrase", "", "store passphrase (or use BIOGATE_PASSPHRASE env var)")
	rootCmd.PersistentFlags().String("backend", "", "storage backend type (file, s3)")
	rootCmd.PersistentFlags().String("key", "", "name of the authorization key")
	rootCmd.PersistentFlags().Bool("memory-lock", false, "lock process memory to keep key material out of swap")

	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.namespace", "namespace")
	bindFlagOrPanic("store.passphrase", "passphrase")
	bindFlagOrPanic("store.backend", "backend")
	bindFlagOrPanic("store.memory_lock", "memory-lock")
	bindFlagOrPanic("authorization.key_name", "key")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".biogate")
	}

	viper.SetEnvPrefix("BIOGATE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			return
		}
		// system wide configuration is the last resort
		if cfgFile == "" && fileExists(globalConfigFile) {
			viper.SetConfigFile(globalConfigFile)
			if err = viper.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			}
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("store.path", ".biogate")
	viper.SetDefault("store.namespace", "default")
	viper.SetDefault("store.backend", "file")
	viper.SetDefault("store.memory_lock", false)

	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.prefix", "biogate")
	viper.SetDefault("store.s3.use_ssl", true)

	viper.SetDefault("authorization.key_name", biogate.DefaultKeyName)
	viper.SetDefault("authorization.invalidate_on_enrollment_change", true)
	viper.SetDefault(biogate.PreferenceUseFingerprint, true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")

	// resolved against the store path in initializeService
	viper.SetDefault("audit.options.file_path", "audit.log")
}

// skipsInitialization reports whether cmd runs without opening the store
func skipsInitialization(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config":
			return true
		}
	}
	return false
}

func initializeService(cmd *cobra.Command, args []string) error {
	if skipsInitialization(cmd) {
		return nil
	}

	storePath = viper.GetString("store.path")
	namespace = viper.GetString("store.namespace")

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	passphrase := viper.GetString("store.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv(passphraseEnvVar)
	}
	if passphrase == "" {
		return fmt.Errorf("store passphrase is required. Use --passphrase flag or %s environment variable", passphraseEnvVar)
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	backend, err := createBackend(viper.GetString("store.backend"))
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}

	enrollment, err = keystore.NewEnrollmentRegistry(backend)
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("failed to open enrollment registry: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	keyStore, err = keystore.NewSoftwareStore(ctx, backend, enrollment, keystore.Options{
		DerivationPassphrase: passphrase,
		EnableMemoryLock:     viper.GetBool("store.memory_lock"),
	})
	if err != nil {
		_ = backend.Close()
		return fmt.Errorf("failed to open key store: %w", err)
	}

	registry = prometheus.NewRegistry()
	service, err = biogate.NewService(keyStore, biogate.NewViperPreferences(nil), serviceOptions(),
		auditLogger, biogate.NewMetrics(registry))
	if err != nil {
		return fmt.Errorf("failed to create authorization service: %w", err)
	}
	return nil
}

func serviceOptions() biogate.Options {
	options := biogate.DefaultOptions()
	options.KeyName = viper.GetString("authorization.key_name")
	options.InvalidateOnEnrollmentChange = viper.GetBool("authorization.invalidate_on_enrollment_change")
	options.UserID = cliContext.UserID
	return options
}

func closeService() error {
	var errs []error
	if keyStore != nil {
		errs = append(errs, keyStore.Close())
		keyStore = nil
	}
	if auditLogger != nil {
		errs = append(errs, auditLogger.Close())
		auditLogger = nil
	}
	return errors.Join(errs...)
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled:   viper.GetBool("audit.enabled"),
		Namespace: viper.GetString("store.namespace"),
		Type:      audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createBackend(backendType string) (keystore.Backend, error) {
	switch strings.ToLower(backendType) {
	case "file", string(keystore.BackendTypeFileSystem):
		return keystore.NewBackend(keystore.BackendConfig{
			Type:   keystore.BackendTypeFileSystem,
			Config: map[string]interface{}{"base_path": viper.GetString("store.path")},
		}, namespace)

	case string(keystore.BackendTypeS3):
		s3Config := keystore.S3Config{
			Endpoint:        viper.GetString("store.s3.endpoint"),
			AccessKeyID:     viper.GetString("store.s3.access_key_id"),
			SecretAccessKey: viper.GetString("store.s3.secret_access_key"),
			Bucket:          viper.GetString("store.s3.bucket"),
			KeyPrefix:       viper.GetString("store.s3.prefix"),
			UseSSL:          viper.GetBool("store.s3.use_ssl"),
			Region:          viper.GetString("store.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return keystore.NewS3Backend(s3Config, namespace)

	default:
		return nil, fmt.Errorf("unsupported backend type: %s. Supported types: file, s3", backendType)
	}
}

func validateS3Config(config keystore.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "store.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "store.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "store.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""
	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "store.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "store.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// storeSummary describes the configured store for status output
func storeSummary() string {
	switch strings.ToLower(viper.GetString("store.backend")) {
	case "s3":
		return fmt.Sprintf("S3 bucket=%s, region=%s, prefix=%s",
			viper.GetString("store.s3.bucket"),
			viper.GetString("store.s3.region"),
			viper.GetString("store.s3.prefix"))
	default:
		return fmt.Sprintf("File path=%s", viper.GetString("store.path"))
	}
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser returns the login name, falling back to $USER and then
// "unknown_user".
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		log.Printf("Warning: could not get current user: %v. Falling back to 'unknown_user'.", err)
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	return uuid.NewString()
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	if auditLogger == nil || cliContext == nil {
		return now
	}
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       args,
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil && cliContext != nil {
		logErr := auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"error":       formatError(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		})
		if logErr != nil {
			log.Printf("ERROR: %v\n", logErr)
		}
	}
	return err
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	seen := make(map[string]bool)
	for err != nil {
		if msg := err.Error(); !seen[msg] {
			messages = append(messages, msg)
			seen[msg] = true
		}
		err = errors.Unwrap(err)
	}

	if len(messages) > 1 {
		return fmt.Sprintf("Error: %s (caused by: %s)", messages[0], strings.Join(messages[1:], " -> "))
	}
	return fmt.Sprintf("Error: %s", messages[0])
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveFlag(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}
