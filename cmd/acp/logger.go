// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"fmt"
	"os"

	"github.com/kadirpekel/acp/pkg/config"
	"github.com/kadirpekel/acp/pkg/logger"
)

const (
	// LogLevelEnvVar is the environment variable name for log level
	LogLevelEnvVar = "LOG_LEVEL"
	// LogFileEnvVar is the environment variable name for log file path
	LogFileEnvVar = "LOG_FILE"
	// LogFormatEnvVar is the environment variable name for log format
	LogFormatEnvVar = "LOG_FORMAT"
)

var logFileCleanup func()

func closeLogFile() {
	if logFileCleanup != nil {
		logFileCleanup()
		logFileCleanup = nil
	}
}

// applyLoggerConfig (re)initializes the logger.
// Priority: CLI flags > env vars > config file > defaults
func applyLoggerConfig(cli *CLI, cfg *config.LoggerConfig) error {
	var fromConfig config.LoggerConfig
	if cfg != nil {
		fromConfig = *cfg
	}

	level := firstNonEmpty(cli.LogLevel, os.Getenv(LogLevelEnvVar), fromConfig.Level, "info")
	file := firstNonEmpty(cli.LogFile, os.Getenv(LogFileEnvVar), fromConfig.File)
	format := firstNonEmpty(cli.LogFormat, os.Getenv(LogFormatEnvVar), fromConfig.Format, logger.FormatSimple)

	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, fn, err := logger.OpenLogFile(file)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output, cleanup = f, fn
	}

	logger.Init(lvl, output, format)
	closeLogFile()
	logFileCleanup = cleanup
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
