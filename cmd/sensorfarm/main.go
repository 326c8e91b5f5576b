package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sensorfarm/internal/accounts"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/client"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/config"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/database"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/logging"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/page"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/profiles"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/realtime"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/server"
	"github.com/MarcoPoloResearchLab/sensorfarm/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "sensorfarm",
		Short:        "Smart farming sensor platform",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSignupCommand(), newDashboardCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("storage-origin", defaults.GetString("storage.origin"), "Origin that scopes the local profile cache")
	cmd.PersistentFlags().Duration("redirect-grace", defaults.GetDuration("session.redirect_grace"), "Delay before a signed-out dashboard redirects to login")
	cmd.PersistentFlags().Duration("logout-retry-delay", defaults.GetDuration("session.logout_retry_delay"), "Delay before redirecting after a failed sign-out")
	cmd.PersistentFlags().String("default-avatar", defaults.GetString("display.default_avatar"), "Avatar shown when a profile has none")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "storage.origin", "storage-origin")
	bindFlag(cmd, "session.redirect_grace", "redirect-grace")
	bindFlag(cmd, "session.logout_retry_delay", "logout-retry-delay")
	bindFlag(cmd, "display.default_avatar", "default-avatar")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type appRuntime struct {
	config  config.AppConfig
	logger  *zap.Logger
	client  *client.Context
	cleanup func()
}

func openRuntime() (*appRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	clientContext, err := client.New(client.Options{Config: appConfig, Database: db, Logger: logger})
	if err != nil {
		_ = sqlDB.Close()
		_ = logger.Sync()
		return nil, err
	}

	return &appRuntime{
		config: appConfig,
		logger: logger,
		client: clientContext,
		cleanup: func() {
			_ = sqlDB.Close()
			_ = logger.Sync()
		},
	}, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the platform HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.cleanup()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts:     rt.client.Directory,
		TokenManager: rt.client.Tokens,
		Profiles:     rt.client.Profiles,
		Sensors:      rt.client.Sensors,
		Logger:       logging.Component(rt.logger, "http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logCollectionChanges(groupCtx, rt.client.Dispatcher, logging.Component(rt.logger, "audit"))
		return nil
	})
	group.Go(func() error {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func logCollectionChanges(ctx context.Context, dispatcher *realtime.Dispatcher, logger *zap.Logger) {
	events, cleanup := dispatcher.Subscribe(ctx, profiles.CollectionTopic)
	defer cleanup()
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-events:
			snapshot, ok := message.Payload.(profiles.Snapshot)
			if !ok {
				continue
			}
			logger.Info("profile collection changed", zap.Int("profiles", snapshot.Size()), zap.Time("taken_at", snapshot.TakenAt))
		}
	}
}

func newSignupCommand() *cobra.Command {
	var form accounts.SignUpForm
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and its profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if form.ConfirmPassword == "" {
				form.ConfirmPassword = form.Password
			}
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.cleanup()

			window, flow, err := rt.client.OpenAccountPage(page.SignupPage)
			if err != nil {
				return err
			}
			signUpErr := flow.SignUp(cmd.Context(), form)
			printNotices(cmd, window)
			return signUpErr
		},
	}
	cmd.Flags().StringVar(&form.Email, "email", "", "Account email")
	cmd.Flags().StringVar(&form.Password, "password", "", "Account password")
	cmd.Flags().StringVar(&form.ConfirmPassword, "confirm-password", "", "Password confirmation (defaults to --password)")
	cmd.Flags().StringVar(&form.FirstName, "first-name", "", "First name")
	cmd.Flags().StringVar(&form.LastName, "last-name", "", "Last name")
	cmd.Flags().StringVar(&form.Phone, "phone", "", "Phone number")
	cmd.Flags().StringVar(&form.Location, "location", "", "Farm location")
	cmd.Flags().StringVar(&form.Role, "role", "", "Role (farmer or admin)")
	return cmd
}

func newDashboardCommand() *cobra.Command {
	var (
		email    string
		password string
		logout   bool
	)
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Sign in and print the rendered dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.cleanup()
			return renderDashboard(cmd, rt, email, password, logout)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().BoolVar(&logout, "logout", false, "Click the logout button after rendering")
	return cmd
}

func renderDashboard(cmd *cobra.Command, rt *appRuntime, email, password string, logout bool) error {
	ctx := cmd.Context()
	loginWindow, flow, err := rt.client.OpenAccountPage(page.LoginPage)
	if err != nil {
		return err
	}
	if err := flow.SignIn(ctx, email, password); err != nil {
		printNotices(cmd, loginWindow)
		return err
	}

	role := profiles.RoleFarmer
	if loginWindow.Location() == page.AdminDashboardPage {
		role = profiles.RoleAdmin
	}
	dashboard, err := rt.client.OpenDashboard(role)
	if err != nil {
		return err
	}
	defer dashboard.Close()
	dashboard.Start(ctx)

	timeout := time.NewTimer(rt.config.RedirectGrace + 5*time.Second)
	defer timeout.Stop()
	select {
	case outcome := <-dashboard.Bootstrapper.Outcomes():
		rt.logger.Debug("dashboard settled", zap.String("outcome", string(outcome.Kind)))
	case <-timeout.C:
		return fmt.Errorf("dashboard did not settle")
	case <-ctx.Done():
		return ctx.Err()
	}

	if logout {
		if err := dashboard.Window.Click(ctx, session.LogoutButtonID); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, dashboard.Window.Document().HTML())
	fmt.Fprintf(out, "location: %s\n", dashboard.Window.Location())
	return nil
}

func printNotices(cmd *cobra.Command, window *page.Window) {
	for _, notice := range window.Notices() {
		fmt.Fprintln(cmd.OutOrStdout(), notice)
	}
}
