package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/chiaracoetzee/pluralmatrix-sub000/crypto/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	log "github.com/sirupsen/logrus"
	"maunium.net/go/mautrix/id"
)

// ExitTimeout is how long Close waits for the helper to exit on its own
// before killing it.
var ExitTimeout = 5 * time.Second

// Factory starts one helper process per identity:
//
//	<helper> serve <user_id> <device_id> <store_path>
type Factory struct {
	HelperPath string
}

var _ api.EngineFactory = (*Factory)(nil)

func NewFactory(helperPath string) *Factory {
	return &Factory{HelperPath: helperPath}
}

func (f *Factory) Open(ctx context.Context, userID id.UserID, deviceID id.DeviceID, storePath string) (api.SessionEngine, error) {
	logger := log.WithFields(log.Fields{
		"user_id":   util.MaskUserID(userID),
		"device_id": deviceID,
	})

	// Not bound to ctx: the helper outlives the request that opened it.
	cmd := exec.Command(f.HelperPath, "serve", string(userID), string(deviceID), storePath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar: stderr pipe: %w", err)
	}
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("sidecar: start helper: %w", err)
	}
	helpersRunning.Inc()
	go logStderr(stderr, logger)

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		helpersRunning.Dec()
	}()
	stop := func() error {
		select {
		case err := <-exited:
			return exitError(err)
		case <-time.After(ExitTimeout):
			logger.Warn("Session helper did not exit, killing it")
			_ = cmd.Process.Kill()
			<-exited
			return nil
		}
	}

	engine, err := Connect(ctx, stdin, stdout, stop)
	if err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		<-exited
		return nil, err
	}
	if engine.UserID() != userID || engine.DeviceID() != deviceID {
		_ = engine.Close()
		return nil, fmt.Errorf("sidecar: helper serves %s/%s, wanted %s/%s",
			engine.UserID(), engine.DeviceID(), userID, deviceID)
	}
	logger.WithField("pid", cmd.Process.Pid).Debug("Session helper started")
	return engine, nil
}

func logStderr(stderr io.Reader, logger *log.Entry) {
	w := logger.WriterLevel(log.DebugLevel)
	defer w.Close() // nolint: errcheck
	if _, err := io.Copy(w, stderr); err != nil {
		logger.WithError(err).Warn("Failed to forward session helper output")
	}
}

func exitError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("sidecar: helper exited with status %d", exitErr.ExitCode())
	}
	return err
}
