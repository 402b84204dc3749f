package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/id"
)

// StoreFileName is the database file the session engine keeps in each store.
// Its presence means the identity has already been bootstrapped.
const StoreFileName = "matrix-sdk-crypto.sqlite3"

// CommandRunner runs an external program and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return out, fmt.Errorf("%w: %s", err, exitErr.Stderr)
	}
	return out, err
}

// HelperBootstrapper generates cross-signing keys with an external helper
// and uploads them as the identity.
type HelperBootstrapper struct {
	helperPath string
	run        CommandRunner
}

func NewHelperBootstrapper(helperPath string, run CommandRunner) *HelperBootstrapper {
	if run == nil {
		run = execRunner
	}
	return &HelperBootstrapper{helperPath: helperPath, run: run}
}

type bootstrapOutput struct {
	UploadKeys       json.RawMessage `json:"upload_keys"`
	UploadSignatures json.RawMessage `json:"upload_signatures"`
}

func (b *HelperBootstrapper) Bootstrap(ctx context.Context, intent homeserver.Intent, deviceID id.DeviceID, storePath string) error {
	if _, err := os.Stat(filepath.Join(storePath, StoreFileName)); err == nil {
		return nil
	}
	userID := intent.UserID()
	logger := log.WithField("user_id", util.MaskUserID(userID))
	logger.Info("Bootstrapping cross-signing")

	stdout, err := b.run(ctx, b.helperPath, string(userID), string(deviceID), storePath)
	if err != nil {
		return fmt.Errorf("run helper: %w", err)
	}
	var output bootstrapOutput
	if err = json.Unmarshal(stdout, &output); err != nil {
		return fmt.Errorf("parse helper output: %w", err)
	}
	if len(output.UploadKeys) == 0 || len(output.UploadSignatures) == 0 {
		return fmt.Errorf("helper output is missing upload_keys or upload_signatures")
	}

	keys, err := sjson.SetBytes(output.UploadKeys, "auth", map[string]string{"type": "m.login.dummy"})
	if err != nil {
		return fmt.Errorf("add auth to signing keys: %w", err)
	}
	if _, err = intent.CryptoRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/device_signing/upload", keys, ""); err != nil {
		return fmt.Errorf("upload signing keys: %w", err)
	}
	logger.Info("Uploaded cross-signing keys")

	if _, err = intent.CryptoRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/signatures/upload", output.UploadSignatures, ""); err != nil {
		return fmt.Errorf("upload signatures: %w", err)
	}
	logger.Info("Uploaded cross-signing signatures")
	return nil
}
