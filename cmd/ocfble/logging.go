package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger creates a logger with the appropriate log level based on
// the --log-level persistent flag.
func configureLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	logLevel := logrus.WarnLevel

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug":
			logLevel = logrus.DebugLevel
		case "info":
			logLevel = logrus.InfoLevel
		case "warn":
			logLevel = logrus.WarnLevel
		case "error":
			logLevel = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}

// targetUUIDs reads the shared --service/--request-char/--response-char
// persistent flags, required by every subcommand that touches the transport.
func targetUUIDs(cmd *cobra.Command) (service, request, response string, err error) {
	service, _ = cmd.Flags().GetString("service")
	request, _ = cmd.Flags().GetString("request-char")
	response, _ = cmd.Flags().GetString("response-char")
	if service == "" || request == "" || response == "" {
		return "", "", "", fmt.Errorf("--service, --request-char, and --response-char are all required")
	}
	return service, request, response, nil
}
