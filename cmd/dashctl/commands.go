package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/dashauth/pkg/identity"
	"github.com/tyemirov/dashauth/pkg/sessionmirror"
)

var (
	errMissingEmail    = errors.New("dashctl.missing_email")
	errMissingPassword = errors.New("dashctl.missing_password")
	errMissingToken    = errors.New("dashctl.missing_token")
	errRoleNotGranted  = errors.New("dashctl.role_not_granted")
	errNothingToUpdate = errors.New("dashctl.nothing_to_update")
)

// stateView is the printed form of the mirror state.
type stateView struct {
	Authenticated bool           `json:"authenticated"`
	Loading       bool           `json:"loading"`
	Access        string         `json:"access"`
	Error         string         `json:"error,omitempty"`
	User          *identity.User `json:"user,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

func viewOf(mirror *sessionmirror.Mirror) stateView {
	state := mirror.State()
	view := stateView{
		Authenticated: state.Authenticated,
		Loading:       state.Loading,
		Access:        mirror.Gate().String(),
		Error:         state.Err,
		User:          state.User,
	}
	if state.Session != nil && !state.Session.ExpiresAt.IsZero() {
		expiresAt := state.Session.ExpiresAt
		view.ExpiresAt = &expiresAt
	}
	return view
}

// passwordFrom prefers the flag and falls back to DASH_PASSWORD.
func passwordFrom(command *cobra.Command) (string, error) {
	password, _ := command.Flags().GetString("password")
	if password == "" {
		password = viper.GetString("password")
	}
	if password == "" {
		return "", errMissingPassword
	}
	return password, nil
}

func requiredString(command *cobra.Command, flagName string, missing error) (string, error) {
	value, _ := command.Flags().GetString(flagName)
	value = strings.TrimSpace(value)
	if value == "" {
		return "", missing
	}
	return value, nil
}

func newSignUpCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			email, err := requiredString(command, "email", errMissingEmail)
			if err != nil {
				return err
			}
			password, err := passwordFrom(command)
			if err != nil {
				return err
			}
			var fields identity.ProfileFields
			if command.Flags().Changed("display_name") {
				displayName, _ := command.Flags().GetString("display_name")
				fields.DisplayName = &displayName
			}
			return withSession(command, func(ctx context.Context, current session) error {
				if _, signUpErr := current.mirror.SignUp(ctx, email, password, fields); signUpErr != nil {
					return signUpErr
				}
				return printJSON(command.OutOrStdout(), viewOf(current.mirror))
			})
		},
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("password", "", "Account password (or DASH_PASSWORD)")
	command.Flags().String("display_name", "", "Display name")
	return command
}

func newLoginCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password, or with a Google ID token",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			idToken, _ := command.Flags().GetString("id_token")
			if strings.TrimSpace(idToken) != "" {
				nonce, _ := command.Flags().GetString("nonce")
				return withSession(command, func(ctx context.Context, current session) error {
					if _, signInErr := current.mirror.SignInWithIDToken(ctx, idToken, nonce); signInErr != nil {
						return signInErr
					}
					return printJSON(command.OutOrStdout(), viewOf(current.mirror))
				})
			}
			email, err := requiredString(command, "email", errMissingEmail)
			if err != nil {
				return err
			}
			password, err := passwordFrom(command)
			if err != nil {
				return err
			}
			return withSession(command, func(ctx context.Context, current session) error {
				if _, signInErr := current.mirror.SignIn(ctx, email, password); signInErr != nil {
					return signInErr
				}
				return printJSON(command.OutOrStdout(), viewOf(current.mirror))
			})
		},
	}
	command.Flags().String("email", "", "Account email")
	command.Flags().String("password", "", "Account password (or DASH_PASSWORD)")
	command.Flags().String("id_token", "", "Google ID token")
	command.Flags().String("nonce", "", "Nonce embedded in the Google ID token")
	return command
}

func newNonceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nonce",
		Short: "Print a single-use nonce for Google sign-in",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withSession(command, func(ctx context.Context, current session) error {
				nonce, err := current.client.Nonce(ctx)
				if err != nil {
					return err
				}
				_, writeErr := fmt.Fprintln(command.OutOrStdout(), nonce)
				return writeErr
			})
		},
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withSession(command, func(ctx context.Context, current session) error {
				if err := current.mirror.SignOut(ctx); err != nil {
					return err
				}
				return printJSON(command.OutOrStdout(), viewOf(current.mirror))
			})
		},
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withSession(command, func(ctx context.Context, current session) error {
				return printJSON(command.OutOrStdout(), viewOf(current.mirror))
			})
		},
	}
}

func newResetPasswordCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "reset-password",
		Short: "Email a password reset link",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			email, err := requiredString(command, "email", errMissingEmail)
			if err != nil {
				return err
			}
			return withSession(command, func(ctx context.Context, current session) error {
				if resetErr := current.mirror.ResetPassword(ctx, email); resetErr != nil {
					return resetErr
				}
				_, writeErr := fmt.Fprintln(command.OutOrStdout(), "If the account exists, a reset link is on its way.")
				return writeErr
			})
		},
	}
	command.Flags().String("email", "", "Account email")
	return command
}

func newResetConfirmCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "reset-confirm",
		Short: "Set a new password with the token from a reset link",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			resetToken, err := requiredString(command, "token", errMissingToken)
			if err != nil {
				return err
			}
			password, err := passwordFrom(command)
			if err != nil {
				return err
			}
			return withSession(command, func(ctx context.Context, current session) error {
				if confirmErr := current.client.ConfirmPasswordReset(ctx, resetToken, password); confirmErr != nil {
					return confirmErr
				}
				_, writeErr := fmt.Fprintln(command.OutOrStdout(), "Password updated. Sign in again with the new password.")
				return writeErr
			})
		},
	}
	command.Flags().String("token", "", "Token from the reset link")
	command.Flags().String("password", "", "New password (or DASH_PASSWORD)")
	return command
}

func newProfileCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "profile",
		Short: "Update the display name and extra profile fields",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			var fields identity.ProfileFields
			if command.Flags().Changed("display_name") {
				displayName, _ := command.Flags().GetString("display_name")
				fields.DisplayName = &displayName
			}
			assignments, _ := command.Flags().GetStringToString("set")
			removals, _ := command.Flags().GetStringSlice("unset")
			if len(assignments)+len(removals) > 0 {
				fields.Extra = make(map[string]string, len(assignments)+len(removals))
				for key, value := range assignments {
					fields.Extra[key] = value
				}
				for _, key := range removals {
					fields.Extra[key] = ""
				}
			}
			if fields.DisplayName == nil && fields.Extra == nil {
				return errNothingToUpdate
			}
			return withSession(command, func(ctx context.Context, current session) error {
				if _, updateErr := current.mirror.UpdateProfile(ctx, fields); updateErr != nil {
					return updateErr
				}
				return printJSON(command.OutOrStdout(), viewOf(current.mirror))
			})
		},
	}
	command.Flags().String("display_name", "", "Display name")
	command.Flags().StringToString("set", map[string]string{}, "Extra profile fields to set, key=value")
	command.Flags().StringSlice("unset", []string{}, "Extra profile fields to remove")
	return command
}

func newHasRoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "has-role ROLE",
		Short: "Exit non-zero unless the signed-in user carries ROLE",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			role := arguments[0]
			return withSession(command, func(ctx context.Context, current session) error {
				granted := current.mirror.HasRole(role)
				if _, writeErr := fmt.Fprintln(command.OutOrStdout(), granted); writeErr != nil {
					return writeErr
				}
				if !granted {
					return fmt.Errorf("%w: %s", errRoleNotGranted, role)
				}
				return nil
			})
		},
	}
}

func newSettingsCommand() *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change the signed-in user's settings",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print saved settings",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withSession(command, func(ctx context.Context, current session) error {
				settings, found, err := current.client.GetSettings(ctx)
				if err != nil {
					return err
				}
				if !found {
					_, writeErr := fmt.Fprintln(command.OutOrStdout(), "No settings saved yet.")
					return writeErr
				}
				return printJSON(command.OutOrStdout(), settings)
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Change settings; unspecified fields keep their saved values",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			return withSession(command, func(ctx context.Context, current session) error {
				settings, _, err := current.client.GetSettings(ctx)
				if err != nil {
					return err
				}
				applySettingsFlags(command, &settings)
				saved, saveErr := current.client.SaveSettings(ctx, settings)
				if saveErr != nil {
					return saveErr
				}
				return printJSON(command.OutOrStdout(), saved)
			})
		},
	}
	setCmd.Flags().String("theme", "", "Theme")
	setCmd.Flags().String("language", "", "Language tag")
	setCmd.Flags().String("timezone", "", "IANA time zone")
	setCmd.Flags().StringToString("notify", map[string]string{}, "Notification channels, channel=true|false")
	setCmd.Flags().StringToString("pref", map[string]string{}, "Free-form preferences, key=value")

	settingsCmd.AddCommand(getCmd, setCmd)
	return settingsCmd
}

func applySettingsFlags(command *cobra.Command, settings *identity.Settings) {
	for flagName, target := range map[string]*string{
		"theme":    &settings.Theme,
		"language": &settings.Language,
		"timezone": &settings.Timezone,
	} {
		if command.Flags().Changed(flagName) {
			*target, _ = command.Flags().GetString(flagName)
		}
	}
	if notifications, _ := command.Flags().GetStringToString("notify"); len(notifications) > 0 {
		if settings.Notifications == nil {
			settings.Notifications = make(map[string]bool, len(notifications))
		}
		for channel, value := range notifications {
			settings.Notifications[channel] = strings.EqualFold(value, "true")
		}
	}
	if preferences, _ := command.Flags().GetStringToString("pref"); len(preferences) > 0 {
		if settings.Preferences == nil {
			settings.Preferences = make(map[string]string, len(preferences))
		}
		for key, value := range preferences {
			if value == "" {
				delete(settings.Preferences, key)
				continue
			}
			settings.Preferences[key] = value
		}
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the session state whenever another dashctl process signs in or out",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			command.SetContext(ctx)
			return withSession(command, func(ctx context.Context, current session) error {
				if err := current.client.WatchStorage(ctx); err != nil {
					return err
				}
				return streamStates(ctx, command.OutOrStdout(), current.mirror)
			})
		},
	}
}

// streamStates prints one line per settled state until ctx is done.
func streamStates(ctx context.Context, out io.Writer, mirror *sessionmirror.Mirror) error {
	var previous *stateView
	for {
		changed := mirror.Changed()
		view := viewOf(mirror)
		if !view.Loading && (previous == nil || !sameView(*previous, view)) {
			if err := printLine(out, view); err != nil {
				return err
			}
			previous = &view
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
	}
}

func sameView(left stateView, right stateView) bool {
	if left.Authenticated != right.Authenticated || left.Error != right.Error {
		return false
	}
	if left.User == nil || right.User == nil {
		return left.User == right.User
	}
	return left.User.ID == right.User.ID && left.User.UpdatedAt.Equal(right.User.UpdatedAt)
}

func printLine(out io.Writer, view stateView) error {
	email := ""
	if view.User != nil {
		email = view.User.Email
	}
	_, err := fmt.Fprintf(out, "%s authenticated=%t access=%s email=%s\n", time.Now().UTC().Format(time.RFC3339), view.Authenticated, view.Access, email)
	return err
}
