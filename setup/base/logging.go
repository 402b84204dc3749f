// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package base

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/matrix-org/dugong"
	"github.com/sirupsen/logrus"
)

// LogFileName is the name of the log file written by "file" hooks.
const LogFileName = "plural-bridge.log"

var (
	stdLevelLogAdded = make(map[logrus.Level]bool)
	levelLogAddedMu  sync.Mutex
)

// logLevelHook represents a logrus.Hook with a minimum level.
type logLevelHook struct {
	level logrus.Level
	logrus.Hook
}

// Levels returns all the levels supported by this hook.
func (h *logLevelHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0)
	for _, level := range logrus.AllLevels {
		if level <= h.level {
			levels = append(levels, level)
		}
	}
	return levels
}

// SetupHookLogging configures the logging hooks defined in the configuration.
// If something fails here it means that the logging was improperly configured,
// so we just exit with the error.
func SetupHookLogging(hooks []config.LogrusHook) {
	levelLogAddedMu.Lock()
	defer levelLogAddedMu.Unlock()
	logrus.SetLevel(logrus.PanicLevel)
	for _, hook := range hooks {
		// Check we received a proper logging level
		level, err := logrus.ParseLevel(hook.Level)
		if err != nil {
			logrus.Fatalf("Unrecognised logging level %s: %q", hook.Level, err)
		}

		// Perform a first filter on the logs according to the lowest level of all
		// (Eg: If we have hook for info and above, prevent logrus from processing debug logs)
		if logrus.GetLevel() < level {
			logrus.SetLevel(level)
		}

		switch hook.Type {
		case "file":
			setupFileHook(hook, level)
		case "std":
			setupStdLogHook(level)
		default:
			logrus.Fatalf("Unrecognised logging hook type: %s", hook.Type)
		}
	}
	if len(hooks) == 0 {
		logrus.SetLevel(logrus.InfoLevel)
		setupStdLogHook(logrus.InfoLevel)
	}
	// Hooks are now configured for stdout/err, so throw away the default logger output
	logrus.SetOutput(io.Discard)
}

// setupStdLogHook splits output by level: errors and above go to stderr,
// the rest to stdout.
func setupStdLogHook(level logrus.Level) {
	if stdLevelLogAdded[level] {
		return
	}
	logrus.AddHook(&logLevelHook{level, stdemuxerhook.New(logrus.StandardLogger())})
	stdLevelLogAdded[level] = true
}

func setupFileHook(hook config.LogrusHook, level logrus.Level) {
	path, _ := hook.Params["path"].(string)
	absLogDir, err := filepath.Abs(path)
	if err != nil {
		logrus.WithError(err).Fatalf("Couldn't get absolute path of log directory %q", path)
	}
	if err = os.MkdirAll(absLogDir, os.ModePerm); err != nil {
		logrus.WithError(err).Fatalf("Couldn't create directory %s", absLogDir)
	}

	logrus.AddHook(&logLevelHook{
		level,
		dugong.NewFSHook(
			filepath.Join(absLogDir, LogFileName),
			&utcFormatter{
				&logrus.TextFormatter{
					TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
					DisableColors:    true,
					DisableTimestamp: false,
					DisableSorting:   false,
					QuoteEmptyFields: true,
				},
			},
			&dugong.DailyRotationSchedule{GZip: true},
		),
	})
}
