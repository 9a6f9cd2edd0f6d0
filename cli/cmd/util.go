package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const globalConfigFile = "/etc/biogate/config.yaml"

func getConfigFilePath(global bool) string {
	if global {
		return globalConfigFile
	}
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" && used != globalConfigFile {
		return used
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".biogate.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

// getConfigKeyDescriptions lists the keys config set accepts without --force
func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"store.path":                 "Path to the key store (file backend)",
		"store.namespace":            "Key store namespace",
		"store.passphrase":           "Store passphrase, also the password of the fallback stage",
		"store.backend":              "Storage backend type (file, s3)",
		"store.memory_lock":          "Lock process memory",
		"store.s3.endpoint":          "S3 endpoint",
		"store.s3.bucket":            "S3 bucket name",
		"store.s3.region":            "S3 region",
		"store.s3.prefix":            "S3 key prefix",
		"store.s3.use_ssl":           "Use SSL for S3 connections",
		"store.s3.access_key_id":     "S3 access key ID",
		"store.s3.secret_access_key": "S3 secret access key",

		"authorization.key_name":                        "Name of the authorization key",
		"authorization.invalidate_on_enrollment_change": "Revoke new keys when enrolled fingerprints change",
		"preferences.use_fingerprint_to_authenticate":   "Start with the fingerprint stage when the key is usable",

		"audit.enabled":             "Enable audit logging",
		"audit.type":                "Audit logger type (file, syslog)",
		"audit.options.file_path":   "Audit log file path",
		"audit.options.max_size":    "Audit log size in MB before rotation",
		"audit.options.max_backups": "Rotated audit logs to keep",
	}
}

func isValidConfigKey(key string) bool {
	_, ok := getConfigKeyDescriptions()[key]
	return ok
}

// convertValue converts a command line value to the type it will be stored as
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	return value
}

// validateConfigValue checks the value of keys with a closed set of values
func validateConfigValue(key string, value interface{}) error {
	switch key {
	case "store.backend":
		if str, ok := value.(string); !ok || !contains([]string{"file", "s3"}, str) {
			return fmt.Errorf("invalid backend: %v (valid: file, s3)", value)
		}
	case "audit.type":
		if str, ok := value.(string); !ok || !contains([]string{"file", "syslog"}, str) {
			return fmt.Errorf("invalid audit type: %v (valid: file, syslog)", value)
		}
	case "store.memory_lock", "store.s3.use_ssl", "audit.enabled",
		"authorization.invalidate_on_enrollment_change", "preferences.use_fingerprint_to_authenticate":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s must be true or false", key)
		}
	}
	return nil
}

func validateConfiguration() []string {
	var errs []string

	backend := viper.GetString("store.backend")
	if err := validateConfigValue("store.backend", backend); err != nil {
		errs = append(errs, err.Error())
	}
	if backend == "s3" {
		if viper.GetString("store.s3.bucket") == "" {
			errs = append(errs, "S3 bucket is required when using the S3 backend")
		}
		if viper.GetString("store.s3.endpoint") == "" {
			errs = append(errs, "S3 endpoint is required when using the S3 backend")
		}
	}

	if viper.GetString("authorization.key_name") == "" {
		errs = append(errs, "authorization key name cannot be empty")
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		if err := validateConfigValue("audit.type", auditType); err != nil {
			errs = append(errs, err.Error())
		}
		if auditType == "file" && viper.GetString("audit.options.file_path") == "" {
			errs = append(errs, "audit file path is required when using file audit")
		}
	}
	return errs
}

// readConfigFile loads the YAML document at path, or an empty one
func readConfigFile(path string) (map[string]interface{}, error) {
	config := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return config, nil
}

func writeConfigFile(path string, config map[string]interface{}) error {
	if err := ensureConfigDir(path); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func setNestedKey(config map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := config
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	current := config
	for i, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
		current = next
	}

	last := parts[len(parts)-1]
	if _, ok := current[last]; !ok {
		return fmt.Errorf("key not set: %s", key)
	}
	delete(current, last)
	return nil
}

func getConfigTemplate() map[string]interface{} {
	return map[string]interface{}{
		"store": map[string]interface{}{
			"backend":   "file",
			"path":      ".biogate",
			"namespace": "default",
		},
		"authorization": map[string]interface{}{
			"key_name":                        "default",
			"invalidate_on_enrollment_change": true,
		},
		"preferences": map[string]interface{}{
			"use_fingerprint_to_authenticate": true,
		},
		"audit": map[string]interface{}{
			"enabled": false,
			"type":    "file",
		},
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		if os.Getenv("BIOGATE_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}
	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sensitive := range []string{"passphrase", "password", "secret", "token"} {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return err == nil
}
