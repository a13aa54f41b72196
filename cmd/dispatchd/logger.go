package main

import (
	"os"

	"github.com/opsloop/dispatchd/internal/logging"
)

const (
	logFileEnvVar  = "DISPATCHD_LOG_FILE"
	logLevelEnvVar = "DISPATCHD_LOG_LEVEL"
)

// initLogger resolves the log level and destination with CLI flag > env var
// > default precedence and installs the process-wide slog.Logger.
func initLogger(cliLevel, cliFile string) (func(), error) {
	level := cliLevel
	if level == "" {
		level = os.Getenv(logLevelEnvVar)
	}
	if level == "" {
		level = "info"
	}

	file := cliFile
	if file == "" {
		file = os.Getenv(logFileEnvVar)
	}

	var output *os.File
	var cleanup func()
	if file != "" {
		f, fnCleanup, err := logging.OpenLogFile(file)
		if err != nil {
			return nil, err
		}
		output = f
		cleanup = fnCleanup
	} else {
		output = os.Stderr
	}

	logging.Init(logging.ParseLevel(level), output, level == "debug")
	return cleanup, nil
}
