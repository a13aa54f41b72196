package main

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opsloop/dispatchd/internal/toolconfig"
)

// ValidateCmd validates a tool configuration file without starting a server.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Tool configuration file path." placeholder:"PATH"`

	Format      string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the decoded configuration (defaults applied)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	tools, err := toolconfig.LoadFile(c.Config)
	if err != nil {
		return printLoadError(c.Format, c.Config, err)
	}

	if c.PrintConfig {
		return printExpandedConfig(c.Format, c.Config, tools)
	}

	printValidateSuccess(c.Format, c.Config, len(tools))
	return nil
}

// validationError is one failure surfaced by the json output format.
type validationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func printLoadError(format, file string, err error) error {
	switch format {
	case "json":
		printValidateJSON(false, file, 0, []validationError{{Type: "load", Message: err.Error()}})
	case "verbose":
		fmt.Fprintf(os.Stderr, "Configuration Load Error\n")
		fmt.Fprintf(os.Stderr, "========================\n\n")
		fmt.Fprintf(os.Stderr, "File:  %s\n", file)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
	default:
		fmt.Fprintf(os.Stderr, "%s: load error: %s\n", file, err.Error())
	}
	return fmt.Errorf("tool configuration invalid")
}

func printValidateSuccess(format, file string, toolCount int) {
	switch format {
	case "json":
		printValidateJSON(true, file, toolCount, nil)
	case "verbose":
		fmt.Fprintf(os.Stdout, "Configuration Validation Successful\n")
		fmt.Fprintf(os.Stdout, "====================================\n\n")
		fmt.Fprintf(os.Stdout, "File:  %s\n", file)
		fmt.Fprintf(os.Stdout, "Tools: %d\n", toolCount)
		fmt.Fprintf(os.Stdout, "Status: OK\n")
	default:
		fmt.Fprintf(os.Stdout, "%s: valid (%d tool(s))\n", file, toolCount)
	}
}

func printExpandedConfig(format, file string, tools []*toolconfig.ToolConfig) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(tools); err != nil {
			return fmt.Errorf("encode tool configuration as JSON: %w", err)
		}
	default:
		fmt.Fprintf(os.Stdout, "# Expanded tool configuration from: %s\n", file)
		fmt.Fprintf(os.Stdout, "# (defaults applied)\n\n")
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(tools); err != nil {
			return fmt.Errorf("encode tool configuration as YAML: %w", err)
		}
		encoder.Close()
	}
	return nil
}

type validateJSONOutput struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Tools  int               `json:"tools,omitempty"`
	Errors []validationError `json:"errors,omitempty"`
}

func printValidateJSON(valid bool, file string, toolCount int, errs []validationError) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(validateJSONOutput{Valid: valid, File: file, Tools: toolCount, Errors: errs})
}
