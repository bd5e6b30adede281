package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/dpmtasks/taskauth/internal/config"
	"github.com/dpmtasks/taskauth/internal/service"
	"github.com/dpmtasks/taskauth/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// TASKAUTH_DATA_DIR env var, or ~/.taskauth as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("TASKAUTH_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".taskauth")
}

// openStore opens the configured database. SQLite without a DSN lives in
// the data directory.
func openStore(cfg *config.YAMLConfig) (*store.Store, error) {
	if cfg.Database.Driver == store.DriverSQLite && cfg.Database.DSN == "" {
		return store.NewStore(resolveDataDir())
	}
	return store.Open(cfg.Database.Driver, cfg.Database.DSN)
}

// newCredentialService builds the credential service used by serve and the
// user commands.
func newCredentialService(cfg *config.YAMLConfig, st *store.Store) (*service.CredentialService, *service.TOTPService) {
	totp := service.NewTOTPService(cfg.Auth.TOTPIssuer)
	return service.NewCredentialService(st, totp, cfg.Auth.BcryptCost), totp
}

// newLogger builds the process logger from the logging section. dev forces
// debug level.
func newLogger(w io.Writer, cfg config.LoggingConfig, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if dev {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// promptPassword reads a password twice from the terminal without echo.
func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Println()

	if string(pwBytes) != string(confirmBytes) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pwBytes), nil
}

// maskSecret hides all but the last four characters.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return strings.Repeat("*", 8) + s[len(s)-4:]
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
