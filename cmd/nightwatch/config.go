package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/nightwatch/internal/config"
)

// secretKeys are masked on display.
var secretKeys = map[string]bool{
	"jules.api_key":      true,
	"github.token":       true,
	"telegram.bot_token": true,
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config [key] [value]",
		Short: "Manage configuration",
		Long: `View or modify nightwatch configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/nightwatch/config.yaml
Project-specific overrides can be placed in .nightwatch.yaml`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			w := cmd.OutOrStdout()
			switch len(args) {
			case 0:
				displayAllConfig(w, cfg)
				return nil
			case 1:
				value, err := getConfigValue(cfg, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(w, value)
				return nil
			default:
				updated, err := setConfigValue(cfg, args[0], args[1])
				if err != nil {
					return err
				}
				if err := config.Save(updated); err != nil {
					return fmt.Errorf("save config: %w", err)
				}
				fmt.Fprintf(w, "Set %s = %s\n", strings.ToLower(args[0]), displayValue(strings.ToLower(args[0]), args[1]))
				return nil
			}
		},
	}
}

func displayValue(key string, v any) string {
	s := fmt.Sprint(v)
	if secretKeys[key] {
		return config.MaskAPIKey(s)
	}
	return s
}

// displayAllConfig prints all configuration values.
func displayAllConfig(w io.Writer, cfg *config.Config) {
	flat := config.Flatten(cfg)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, displayValue(k, flat[k]))
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	key = strings.ToLower(key)
	v, ok := config.Flatten(cfg)[key]
	if !ok {
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
	return displayValue(key, v), nil
}

// setConfigValue parses value with the type of key's current value and
// returns the validated result.
func setConfigValue(cfg *config.Config, key, value string) (*config.Config, error) {
	key = strings.ToLower(key)
	flat := config.Flatten(cfg)
	current, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown configuration key: %s", key)
	}

	var parsed any
	switch cur := current.(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean for %s: %w", key, err)
		}
		parsed = b
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		parsed = n
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number for %s: %w", key, err)
		}
		parsed = f
	case string:
		if _, err := time.ParseDuration(cur); err == nil && cur != "" {
			if _, err := time.ParseDuration(value); err != nil {
				return nil, fmt.Errorf("invalid duration for %s: %w", key, err)
			}
		}
		parsed = value
	default:
		parsed = value
	}
	flat[key] = parsed

	v := viper.New()
	for k, val := range flat {
		v.Set(k, val)
	}
	updated := &config.Config{}
	if err := v.Unmarshal(updated); err != nil {
		return nil, fmt.Errorf("apply %s: %w", key, err)
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	return updated, nil
}
