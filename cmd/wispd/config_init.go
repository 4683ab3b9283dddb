package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wisp-sync/wisp/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and scaffold wispd configuration",
}

var (
	configInitFormat string
	configInitOut    string
)

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file populated with wisp's defaults",
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().StringVar(&configInitFormat, "format", "yaml", "Config file format: yaml or toml")
	configInitCmd.Flags().StringVar(&configInitOut, "out", "", "Output path (default: wisp.<format>)")
	configCmd.AddCommand(configInitCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("config init: %w", err)
	}

	var buf bytes.Buffer
	out := configInitOut

	switch configInitFormat {
	case "toml":
		if out == "" {
			out = "wisp.toml"
		}
		enc := toml.NewEncoder(&buf)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("config init: encode toml: %w", err)
		}
	case "yaml", "yml":
		if out == "" {
			out = "wisp.yaml"
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("config init: encode yaml: %w", err)
		}
		buf.Write(data)
	default:
		return fmt.Errorf("config init: unknown format %q (want yaml or toml)", configInitFormat)
	}

	if err := os.WriteFile(out, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("config init: write %s: %w", out, err)
	}
	fmt.Printf("wrote %s\n", out)
	return nil
}
