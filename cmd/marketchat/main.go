package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/marketchat/internal/app"
	"github.com/vovakirdan/marketchat/internal/config"
	"github.com/vovakirdan/marketchat/internal/log"
	"github.com/vovakirdan/marketchat/internal/session"
)

type rootFlags struct {
	configPath string
	logLevel   string
	baseURL    string
	backend    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "marketchat:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "marketchat",
		Short:         "Marketplace chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is normal.
			_ = godotenv.Load()
			gin.SetMode(gin.ReleaseMode)
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file path (default ./marketchat.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.baseURL, "api", "", "backend base URL")
	root.PersistentFlags().StringVar(&flags.backend, "session-backend", "", "session store: memory, sqlite or redis")

	root.AddCommand(
		newLoginCmd(flags),
		newLogoutCmd(flags),
		newWhoamiCmd(flags),
		newRoomsCmd(flags),
		newChatCmd(flags),
	)
	return root
}

// setup loads configuration and builds the application.
func setup(ctx context.Context, flags *rootFlags) (*app.App, *zerolog.Logger, error) {
	bootLog := log.New("warn")
	cfg, path, err := config.Load(bootLog, flags.configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.UpdateFrom(config.Config{
		API:      config.APIConfig{BaseURL: flags.baseURL},
		Session:  config.SessionConfig{Backend: flags.backend},
		LogLevel: flags.logLevel,
	})

	logger := log.New(cfg.LogLevel)
	logger.Debug().Str("config", path).Str("api", cfg.API.BaseURL).Msg("configuration loaded")

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}

func newLoginCmd(flags *rootFlags) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an OAuth authorization code",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code == "" {
				return errors.New("--code is required")
			}
			a, _, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.Login(cmd.Context(), code)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (id %d)\n", user.Name, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "authorization code from the OAuth redirect")
	return cmd
}

func newLogoutCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newWhoamiCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.Session().LoggedIn() {
				return session.ErrNotLoggedIn
			}
			u := a.Session().User()
			fmt.Fprintf(cmd.OutOrStdout(), "%s (id %d) %s\n", u.Name, u.ID, u.Email)
			return nil
		},
	}
}

func newRoomsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List your conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer a.Close()

			rooms, err := a.Rooms(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROOM\tPARTNER\tLAST MESSAGE")
			for _, r := range rooms {
				last := ""
				if r.Latest != nil {
					last = r.Latest.Content
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID, r.PartnerName, last)
			}
			return w.Flush()
		},
	}
}
