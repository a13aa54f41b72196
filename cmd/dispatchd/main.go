// Command dispatchd runs the dynamic command dispatcher and asynchronous
// execution engine as an MCP tool server.
//
// Usage:
//
//	dispatchd serve --config tools.yaml
//	dispatchd validate tools.yaml
//	dispatchd schema > tools.schema.json
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the dispatch server over stdio or streamable HTTP."`
	Validate ValidateCmd `cmd:"" help:"Validate a tool configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for a tool configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	LogLevel string `help:"Log level (debug, info, warn, error)."`
	LogFile  string `help:"Log file path (empty = stderr)."`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("dispatchd version %s\n", version)
	return nil
}

// loadEnvFiles loads .env.local then .env from the working directory,
// ignoring a missing file but surfacing a malformed one.
func loadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

func main() {
	_ = loadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("dispatchd"),
		kong.Description("dispatchd - dynamic command dispatcher and async execution engine"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
