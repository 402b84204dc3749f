// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/config"
	"github.com/chiaracoetzee/pluralmatrix-sub000/setup/process"
	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

// HTTPServerTimeout bounds how long a client may take to send request
// headers. Bodies and responses are unbounded because update streams
// stay open indefinitely.
const HTTPServerTimeout = time.Minute

// ShutdownTimeout is how long open connections get to finish once the
// bridge starts shutting down.
var ShutdownTimeout = 10 * time.Second

type utcFormatter struct {
	log.Formatter
}

func (f utcFormatter) Format(entry *log.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// SetupStdLogging configures the standard logger: UTC timestamps, full
// timestamps rather than elapsed time.
func SetupStdLogging() {
	log.SetFormatter(&utcFormatter{
		&log.TextFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
			FullTimestamp:    true,
			DisableColors:    false,
			DisableTimestamp: false,
			QuoteEmptyFields: true,
		},
	})
}

// SetupSentry initialises error reporting if it is enabled.
func SetupSentry(cfg *config.Global, version string) error {
	if !cfg.Sentry.Enabled {
		return nil
	}
	log.Info("Setting up Sentry for debugging...")
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		Environment:      cfg.Sentry.Environment,
		ServerName:       string(cfg.ServerName),
		Release:          "plural-bridge@" + version,
		AttachStacktrace: true,
	})
	if err != nil {
		return fmt.Errorf("failed to start Sentry: %w", err)
	}
	return nil
}

// ServeHTTP listens on addr and serves handler until the bridge shuts down.
func ServeHTTP(processCtx *process.ProcessContext, name, addr string, handler http.Handler) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s: listen on %s: %w", name, addr, err)
	}
	Serve(processCtx, name, listener, handler)
	return nil
}

// Serve serves handler on listener as a component of processCtx. Once the
// bridge shuts down, open connections get ShutdownTimeout to finish before
// they are closed.
func Serve(processCtx *process.ProcessContext, name string, listener net.Listener, handler http.Handler) {
	logger := log.WithFields(log.Fields{"server": name, "addr": listener.Addr().String()})
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: HTTPServerTimeout,
		BaseContext: func(net.Listener) context.Context {
			return processCtx.Context()
		},
	}

	processCtx.ComponentStarted()
	go func() {
		<-processCtx.WaitForShutdown()
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("Connections still open at shutdown, closing them")
			_ = srv.Close()
		}
	}()
	go func() {
		defer processCtx.ComponentFinished()
		logger.Info("Starting HTTP listener")
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to serve HTTP")
		}
		logger.Info("Stopped HTTP listener")
	}()
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives or a component
// asks for shutdown, then stops every component and waits for them.
func WaitForShutdown(processCtx *process.ProcessContext) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.WithField("signal", sig.String()).Warn("Shutdown signal received")
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	processCtx.ShutdownBridge()
	processCtx.WaitForComponentsToFinish()
	sentry.Flush(time.Second * 2)
	log.Warn("Bridge is exiting now")
}
