package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// initLogger logs to stdout and, if logPath is set, to a file as well. The
// returned function closes the file.
func initLogger(logPath, logLevel string) (*slog.Logger, func() error, error) {
	var (
		out     io.Writer = os.Stdout
		closeFn           = func() error { return nil }
	)

	if logPath != "" {
		logFile, err := os.OpenFile(logPath,
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
		if err != nil {
			return nil, nil, err
		}

		out = io.MultiWriter(os.Stdout, logFile)
		closeFn = logFile.Close
	}

	level, levelErr := parseLevel(logLevel)

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if levelErr != nil {
		logger.Warn(levelErr.Error())
	}

	return logger, closeFn, nil
}

func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo,
			fmt.Errorf("unknown log level %q, using INFO", levelStr)
	}
}
