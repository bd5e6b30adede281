package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dpmtasks/taskauth/internal/authz"
	"github.com/dpmtasks/taskauth/internal/server"
	"github.com/dpmtasks/taskauth/internal/service"
	"github.com/dpmtasks/taskauth/internal/telemetry"
)

const banner = `
 _            _                _   _
| |_ __ _ ___| | ____ _ _   _| |_| |__
| __/ _' / __| |/ / _' | | | | __| '_ \
| || (_| \__ \   < (_| | |_| | |_| | | |
 \__\__,_|___/_|\_\__,_|\__,_|\__|_| |_|
`

const devJWTSecret = "taskauth-dev-secret-change-me"

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the taskauth API server",
		Long:  "Start the HTTP server that exposes registration, login, second-factor, and user management endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().Bool("admin-2fa", false, "Require X-2FA-Code on user administration routes")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, fallback JWT secret)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("auth.admin_second_factor", cmd.Flags().Lookup("admin-2fa"))

	return cmd
}

func runServe(dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.Logging, dev)
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Info("config loaded", "path", used)
	}

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		if !dev {
			return fmt.Errorf("auth.jwt_secret is required (set TASKAUTH_AUTH_JWT_SECRET or use --dev)")
		}
		logger.Warn("using development JWT secret; tokens are forgeable by anyone who reads this source")
		jwtSecret = devJWTSecret
	}

	// 1. Open the user and session store
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()
	logger.Info("store initialized", "driver", st.Driver())

	// 2. Build services
	ttl, _ := cfg.Auth.SessionDuration() // validated by loadConfig
	creds, totp := newCredentialService(cfg, st)
	sessions := service.NewAuthService(st, jwtSecret, ttl)

	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.New()
	}

	// 3. Check for first-run (no administrator exists)
	hasAdmin, err := st.HasActiveUserWithLevel(context.Background(), string(authz.Administrator))
	if err != nil {
		logger.Warn("failed to check for administrator", "error", err)
	}
	if !hasAdmin {
		logger.Warn("no active administrator found - run: taskauth user create --level administrator")
	}

	// 4. Build and start HTTP server
	shutdown, _ := cfg.Server.ShutdownDuration()
	maxBody, _ := cfg.Server.MaxBodyBytes()
	srvCfg := server.Config{
		Host:                  cfg.Server.Host,
		Port:                  cfg.Server.Port,
		ShutdownTimeout:       shutdown,
		CORSOrigins:           cfg.Server.CORS.Origins,
		MaxBodySize:           maxBody,
		AdminSecondFactor:     cfg.Auth.AdminSecondFactor,
		AuthRateLimit:         cfg.Server.RateLimit.Auth,
		SecondFactorRateLimit: cfg.Server.RateLimit.SecondFactor,
		MetricsEnabled:        cfg.Metrics.Enabled,
	}
	srv := server.New(srvCfg, st, creds, sessions, totp, metrics, logger)

	fmt.Printf("→ taskauth %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Auth API:   http://%s:%d/api/v1/auth\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	if cfg.Metrics.Enabled {
		fmt.Printf("→ Metrics:    http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Auth.AdminSecondFactor {
		fmt.Println("→ Administrator routes require X-2FA-Code")
	}
	fmt.Println()

	return srv.ListenAndServe()
}
