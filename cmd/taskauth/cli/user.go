package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dpmtasks/taskauth/internal/authz"
	"github.com/dpmtasks/taskauth/internal/model"
	"github.com/dpmtasks/taskauth/internal/service"
	"github.com/dpmtasks/taskauth/internal/store"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
		Long:  "Create, list, and administer accounts directly against the database, without going through the API.",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserSetLevelCmd())
	cmd.AddCommand(newUserDeactivateCmd())
	cmd.AddCommand(newUserTOTPCmd())

	return cmd
}

// withStore loads config, opens the store, and runs fn.
func withStore(fn func(ctx context.Context, st *store.Store, creds *service.CredentialService, totp *service.TOTPService) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	creds, totp := newCredentialService(cfg, st)
	return fn(context.Background(), st, creds, totp)
}

// lookupUser accepts either a numeric ID or an email address.
func lookupUser(ctx context.Context, st *store.Store, ref string) (*model.User, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return st.GetUser(ctx, id)
	}
	return st.GetUserByEmail(ctx, ref)
}

// ---------- user create ----------

func newUserCreateCmd() *cobra.Command {
	var (
		email    string
		password string
		name     string
		level    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new user",
		Example: `  taskauth user create --email admin@example.com --name Admin --level administrator
  taskauth user create --email ana@example.com --password secret1  # viewer`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserCreate(email, password, name, level)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the email)")
	cmd.Flags().StringVar(&level, "level", string(authz.Viewer), "Access level: viewer, manager, or administrator")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runUserCreate(email, password, name, level string) error {
	l, err := authz.ParseLevel(level)
	if err != nil {
		return err
	}
	if err := service.ValidateEmail(email); err != nil {
		return err
	}
	if name == "" {
		name = email
	}

	// Prompt for password if not provided
	if password == "" {
		password, err = promptPassword()
		if err != nil {
			return err
		}
	}

	return withStore(func(ctx context.Context, _ *store.Store, creds *service.CredentialService, _ *service.TOTPService) error {
		u, err := creds.Create(ctx, name, email, password, service.WithAccessLevel(l))
		if err != nil {
			return err
		}
		fmt.Printf("Created %s user %q (id %d)\n", u.AccessLevel, u.Email, u.ID)
		return nil
	})
}

// ---------- user list ----------

func newUserListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runUserList(jsonOutput bool) error {
	return withStore(func(ctx context.Context, _ *store.Store, creds *service.CredentialService, _ *service.TOTPService) error {
		users, err := creds.List(ctx)
		if err != nil {
			return fmt.Errorf("list users: %w", err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(users)
		}

		if len(users) == 0 {
			fmt.Println("No users. Use 'taskauth user create' to add one.")
			return nil
		}

		fmt.Printf("%-6s %-32s %-24s %-14s %-8s %-4s\n", "ID", "EMAIL", "NAME", "LEVEL", "ACTIVE", "2FA")
		fmt.Printf("%-6s %-32s %-24s %-14s %-8s %-4s\n", "--", "-----", "----", "-----", "------", "---")
		for _, u := range users {
			fmt.Printf("%-6d %-32s %-24s %-14s %-8s %-4s\n",
				u.ID, truncate(u.Email, 32), truncate(u.Name, 24), u.AccessLevel, yesNo(u.IsActive), yesNo(u.HasSecondFactor()))
		}
		return nil
	})
}

// ---------- user set-level ----------

func newUserSetLevelCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "set-level <id|email> <level>",
		Short:   "Change a user's access level",
		Example: `  taskauth user set-level ana@example.com manager`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store, creds *service.CredentialService, _ *service.TOTPService) error {
				u, err := lookupUser(ctx, st, args[0])
				if err != nil {
					return fmt.Errorf("find user %q: %w", args[0], err)
				}
				u, err = creds.SetAccessLevel(ctx, u.ID, args[1])
				if err != nil {
					return err
				}
				fmt.Printf("User %q is now %s\n", u.Email, u.AccessLevel)
				return nil
			})
		},
	}
}

// ---------- user deactivate ----------

func newUserDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id|email>",
		Short: "Deactivate a user and revoke all of their sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store, creds *service.CredentialService, _ *service.TOTPService) error {
				u, err := lookupUser(ctx, st, args[0])
				if err != nil {
					return fmt.Errorf("find user %q: %w", args[0], err)
				}
				if err := creds.Deactivate(ctx, u.ID); err != nil {
					return err
				}
				n, err := st.DeactivateUserSessions(ctx, u.ID)
				if err != nil {
					return fmt.Errorf("revoke sessions: %w", err)
				}
				fmt.Printf("Deactivated %q and revoked %d session(s)\n", u.Email, n)
				return nil
			})
		},
	}
}

// ---------- user totp ----------

func newUserTOTPCmd() *cobra.Command {
	var showSecret bool

	cmd := &cobra.Command{
		Use:   "totp <id|email>",
		Short: "Print a user's authenticator provisioning URI",
		Long:  "Print the otpauth:// URI for a user's second factor, provisioning a secret first if the account has none.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st *store.Store, creds *service.CredentialService, totp *service.TOTPService) error {
				u, err := lookupUser(ctx, st, args[0])
				if err != nil {
					return fmt.Errorf("find user %q: %w", args[0], err)
				}
				u, err = creds.EnsureSecondFactor(ctx, u)
				if err != nil {
					return err
				}
				uri, err := totp.ProvisioningURI(u)
				if err != nil {
					return err
				}
				fmt.Println(uri)
				if showSecret {
					fmt.Printf("secret: %s\n", *u.TOTPSecret)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showSecret, "secret", false, "Also print the raw base32 secret")

	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
