package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	calendarApp "github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/security"
)

const dateLayout = "2006-01-02"

var (
	addName        string
	addEmail       string
	addServerType  string
	addServerURL   string
	addRemoteLogin string
	addSecret      string
	addSecretEnv   string
	addSecretFile  string
	addAuth        string
	addCalendar    string
	addSince       string
	addNoVerify    bool

	removePurge      bool
	removeDeleteUser bool

	importNoVerify bool
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage synchronized users",
	Long:  `Bind local users to CalDAV accounts, inspect and remove them.`,
}

var usersAddCmd = &cobra.Command{
	Use:   "add <login>",
	Short: "Bind a user to a CalDAV account",
	Long: `Bind a local user to a CalDAV account. The local user is created when
no user has this login yet; binding an existing user updates its account.

Unless --no-verify is given, calendar discovery runs first and nothing is
stored when the server cannot be reached.

Examples:
  calsync users add alice --email alice@example.com --server-url https://cloud.example.com --secret-env ALICE_PASSWORD
  calsync users add bob --server-type fastmail --remote-login bob@fastmail.com --secret s3cret
  calsync users add carol --server-type apple --since 2026-01-01 --secret app-specific-password`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		secret, err := resolveSecret(addSecret, addSecretEnv, addSecretFile)
		if err != nil {
			return err
		}
		since, err := parseDate(addSince)
		if err != nil {
			return fmt.Errorf("invalid --since format, use YYYY-MM-DD: %w", err)
		}

		bind := calendarApp.BindCommand{
			Login:              args[0],
			Name:               addName,
			Email:              addEmail,
			ServerType:         domain.ParseServerType(addServerType),
			ServerURL:          addServerURL,
			RemoteLogin:        addRemoteLogin,
			Secret:             secret,
			AuthMode:           domain.ParseAuthMode(addAuth),
			DefaultCalendarURL: addCalendar,
			SyncSince:          since,
			Verify:             !addNoVerify,
		}
		a.Defaults.apply(&bind)
		res, err := a.BindService.Bind(cmd.Context(), bind)
		if err != nil {
			return describeConnectionError(err)
		}
		printBindResult(cmd.OutOrStdout(), res)
		return nil
	},
}

var usersListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List bound users and their sync state",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		bindings, err := a.Repos.SyncUsers.FindAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(bindings) == 0 {
			fmt.Fprintln(out, "No users bound. Add one with 'calsync users add <login>'.")
			return nil
		}

		fmt.Fprintf(out, "%-16s %-10s %-8s %-20s %-6s %s\n", "LOGIN", "SERVER", "ENABLED", "LAST SYNC", "ERRORS", "URL")
		for _, b := range bindings {
			login := b.UserID().String()
			if user, err := a.LocalUsers.FindByID(ctx, b.UserID()); err == nil && user != nil {
				login = user.Login()
			}
			lastSync, errorsCount, lastErr := "never", 0, ""
			if state, err := a.Repos.States.FindByUser(ctx, b.UserID()); err == nil && state != nil {
				if state.HasSynced() {
					lastSync = state.LastSyncedAt().Local().Format("2006-01-02 15:04")
				}
				errorsCount, lastErr = state.SyncErrors(), state.LastError()
			}
			fmt.Fprintf(out, "%-16s %-10s %-8t %-20s %-6d %s\n",
				login, b.ServerType(), b.IsEnabled(), lastSync, errorsCount, b.ServerURL())
			if lastErr != "" && verbose {
				fmt.Fprintf(out, "  last error: %s\n", lastErr)
			}
		}
		return nil
	},
}

var usersRemoveCmd = &cobra.Command{
	Use:   "remove <login>",
	Short: "Remove a user's CalDAV binding",
	Long: `Remove the CalDAV binding of a user. Nothing is deleted on the server.

With --purge the events and series the user organizes are deleted from the
local store immediately instead of waiting for the next pass.`,
	Aliases: []string{"rm"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		user, err := findUser(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		res, err := a.RemoveService.Remove(cmd.Context(), calendarApp.RemoveCommand{
			UserID:     user.ID(),
			Purge:      removePurge,
			DeleteUser: removeDeleteUser,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Removed binding of %s\n", user.Login())
		if removePurge {
			fmt.Fprintf(out, "  Purged %d events and %d series\n", res.EventsDeleted, res.SeriesDeleted)
		}
		return nil
	},
}

var usersTestCmd = &cobra.Command{
	Use:   "test <login>",
	Short: "Check that a user's CalDAV account is reachable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		user, err := findUser(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		calendars, err := a.BindService.Test(cmd.Context(), user.ID())
		if err != nil {
			return describeConnectionError(err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Connection OK, %d calendars\n", len(calendars))
		for _, c := range calendars {
			fmt.Fprintf(out, "  %s  %s\n", c.Name, c.URL)
		}
		return nil
	},
}

var usersEnableCmd = &cobra.Command{
	Use:   "enable <login>",
	Short: "Resume synchronization of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], true)
	},
}

var usersDisableCmd = &cobra.Command{
	Use:   "disable <login>",
	Short: "Pause synchronization of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], false)
	},
}

var usersImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Bind users listed in a YAML file",
	Long: `Bind every user listed in a YAML file. Secrets may be given inline,
read from an environment variable or from a file only the owner can read.

Example file:
  users:
    - login: alice
      email: alice@example.com
      server_type: nextcloud
      server_url: https://cloud.example.com
      secret_env: ALICE_PASSWORD
    - login: bob
      server_type: fastmail
      remote_login: bob@fastmail.com
      secret_file: /etc/calsync/bob.secret
      sync_since: 2026-01-01`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		f, err := security.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		file, err := decodeUserFile(f)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		var failed []error
		for _, entry := range file.Users {
			bind, err := entry.command(!importNoVerify)
			if err == nil {
				a.Defaults.apply(&bind)
				_, err = a.BindService.Bind(cmd.Context(), bind)
			}
			if err != nil {
				failed = append(failed, fmt.Errorf("%s: %w", entry.Login, describeConnectionError(err)))
				fmt.Fprintf(out, "  failed  %s: %v\n", entry.Login, err)
				continue
			}
			fmt.Fprintf(out, "  bound   %s\n", entry.Login)
		}
		fmt.Fprintf(out, "Imported %d of %d users\n", len(file.Users)-len(failed), len(file.Users))
		return errors.Join(failed...)
	},
}

// userFile is the YAML provisioning format read by "users import".
type userFile struct {
	Users []userEntry `yaml:"users"`
}

type userEntry struct {
	Login           string `yaml:"login"`
	Name            string `yaml:"name"`
	Email           string `yaml:"email"`
	ServerType      string `yaml:"server_type"`
	ServerURL       string `yaml:"server_url"`
	RemoteLogin     string `yaml:"remote_login"`
	Secret          string `yaml:"secret"`
	SecretEnv       string `yaml:"secret_env"`
	SecretFile      string `yaml:"secret_file"`
	Auth            string `yaml:"auth"`
	DefaultCalendar string `yaml:"default_calendar"`
	SyncSince       string `yaml:"sync_since"`
}

func decodeUserFile(r io.Reader) (*userFile, error) {
	var file userFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse user file: %w", err)
	}
	for i, u := range file.Users {
		if strings.TrimSpace(u.Login) == "" {
			return nil, fmt.Errorf("user %d: login is required", i+1)
		}
	}
	return &file, nil
}

func (u userEntry) command(verify bool) (calendarApp.BindCommand, error) {
	secret, err := resolveSecret(u.Secret, u.SecretEnv, u.SecretFile)
	if err != nil {
		return calendarApp.BindCommand{}, err
	}
	since, err := parseDate(u.SyncSince)
	if err != nil {
		return calendarApp.BindCommand{}, fmt.Errorf("invalid sync_since: %w", err)
	}
	return calendarApp.BindCommand{
		Login:              u.Login,
		Name:               u.Name,
		Email:              u.Email,
		ServerType:         domain.ParseServerType(u.ServerType),
		ServerURL:          u.ServerURL,
		RemoteLogin:        u.RemoteLogin,
		Secret:             secret,
		AuthMode:           domain.ParseAuthMode(u.Auth),
		DefaultCalendarURL: u.DefaultCalendar,
		SyncSince:          since,
		Verify:             verify,
	}, nil
}

func setEnabled(cmd *cobra.Command, login string, enabled bool) error {
	a, err := requireApp()
	if err != nil {
		return err
	}
	user, err := findUser(cmd.Context(), a, login)
	if err != nil {
		return err
	}
	if err := a.BindService.SetEnabled(cmd.Context(), user.ID(), enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Synchronization %s for %s\n", state, user.Login())
	return nil
}

func findUser(ctx context.Context, a *App, login string) (*domain.LocalUser, error) {
	user, err := a.LocalUsers.FindByLogin(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUserNotFound, login)
	}
	return user, nil
}

// resolveSecret picks the secret from file, then env, then the inline
// value.
func resolveSecret(secret, env, file string) (string, error) {
	switch {
	case file != "":
		return security.ReadSecret(file)
	case env != "":
		value, ok := os.LookupEnv(env)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set", env)
		}
		return value, nil
	default:
		return secret, nil
	}
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(dateLayout, s, time.UTC)
}

// describeConnectionError adds the numeric code to connection failures.
func describeConnectionError(err error) error {
	var connErr *domain.ConnectionError
	if !errors.As(err, &connErr) {
		return err
	}
	if connErr.IsAuth() {
		return fmt.Errorf("authentication failed (code %d): %w", connErr.Code, err)
	}
	return fmt.Errorf("server unreachable (code %d): %w", connErr.Code, err)
}

func printBindResult(out io.Writer, res *calendarApp.BindResult) {
	verb := "Updated"
	if res.Created {
		verb = "Bound"
	}
	fmt.Fprintf(out, "%s %s to %s\n", verb, res.User.Login(), res.Binding.ServerURL())
	for _, c := range res.Calendars {
		marker := " "
		if c.IsDefault() {
			marker = "*"
		}
		fmt.Fprintf(out, "  %s %s  %s\n", marker, c.Name(), c.CalendarURL())
	}
}

func init() {
	usersAddCmd.Flags().StringVar(&addName, "name", "", "display name of a new local user")
	usersAddCmd.Flags().StringVar(&addEmail, "email", "", "email address of a new local user")
	usersAddCmd.Flags().StringVar(&addServerType, "server-type", "nextcloud", "server flavour (nextcloud, apple, fastmail, generic)")
	usersAddCmd.Flags().StringVar(&addServerURL, "server-url", "", "CalDAV server address (default: the flavour's address)")
	usersAddCmd.Flags().StringVar(&addRemoteLogin, "remote-login", "", "login on the CalDAV server (default: the local login)")
	usersAddCmd.Flags().StringVar(&addSecret, "secret", "", "password or token")
	usersAddCmd.Flags().StringVar(&addSecretEnv, "secret-env", "", "read the password or token from this environment variable")
	usersAddCmd.Flags().StringVar(&addSecretFile, "secret-file", "", "read the password or token from this file (mode 0600)")
	usersAddCmd.Flags().StringVar(&addAuth, "auth", "basic", "authentication mode (basic, bearer)")
	usersAddCmd.Flags().StringVar(&addCalendar, "calendar", "", "URL of the calendar new local events are pushed to")
	usersAddCmd.Flags().StringVar(&addSince, "since", "", "only synchronize events from this date (YYYY-MM-DD)")
	usersAddCmd.Flags().BoolVar(&addNoVerify, "no-verify", false, "store the binding without contacting the server")

	usersRemoveCmd.Flags().BoolVar(&removePurge, "purge", false, "delete the user's events from the local store")
	usersRemoveCmd.Flags().BoolVar(&removeDeleteUser, "delete-user", false, "also delete the local user")

	usersImportCmd.Flags().BoolVar(&importNoVerify, "no-verify", false, "store the bindings without contacting the servers")

	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersRemoveCmd)
	usersCmd.AddCommand(usersTestCmd)
	usersCmd.AddCommand(usersEnableCmd)
	usersCmd.AddCommand(usersDisableCmd)
	usersCmd.AddCommand(usersImportCmd)
	rootCmd.AddCommand(usersCmd)
}
