// Command sitectl reads and writes the site's data from a terminal.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"smallsite/internal/config"
	"smallsite/internal/models"
	"smallsite/internal/observability"
	"smallsite/internal/remote"
	"smallsite/internal/repository"
	"smallsite/internal/service"
	"smallsite/internal/session"

	"github.com/spf13/cobra"
)

// env is the client state shared by every subcommand.
type env struct {
	cfg      *config.Config
	auth     *remote.Auth
	store    *session.Store
	feed     *service.FeedService
	gateway  *service.MutationGateway
	out      io.Writer
	redirect string
}

var (
	verbose    bool
	sessionDir string
	current    *env
)

var rootCmd = &cobra.Command{
	Use:           "sitectl",
	Short:         "Command-line client for the site",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		e, err := newEnv(cmd.Context(), cmd.OutOrStdout())
		if err != nil {
			return err
		}
		current = e
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if current != nil {
			current.store.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log remote calls to stderr")
	rootCmd.PersistentFlags().StringVar(&sessionDir, "session-dir", "", "directory holding the saved session")

	rootCmd.AddCommand(loginCmd, magicLinkCmd, verifyCmd, logoutCmd, whoamiCmd)
	rootCmd.AddCommand(feedCmd, postCmd, nameCmd, favoritesCmd)
}

func newEnv(ctx context.Context, out io.Writer) (*env, error) {
	if verbose {
		observability.SetGlobalLogger(observability.NewLogger(os.Stderr, slog.LevelDebug))
	} else {
		observability.SetGlobalLogger(observability.NewLogger(io.Discard, slog.LevelInfo))
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	client, err := remote.New(remote.Options{
		URL:           cfg.SupabaseURL,
		APIKey:        cfg.SupabaseAnonKey,
		Timeout:       cfg.RequestTimeout(),
		RefreshMargin: cfg.RefreshMargin(),
	})
	if err != nil {
		return nil, models.NewClientUnavailableError(err)
	}

	dir := sessionDir
	if dir == "" {
		dir = cfg.SessionDir
	}
	if dir == "" {
		if dir, err = remote.DefaultSessionDir(); err != nil {
			return nil, fmt.Errorf("locate session directory: %w", err)
		}
	}

	auth := client.NewAuth(remote.NewFileStorage(dir), cfg.SessionStorageKey)
	rest := client.Rest(auth)
	posts := repository.NewPostRepository(rest)
	profiles := repository.NewProfileRepository(rest)
	favorites := repository.NewFavoriteRepository(rest)

	store := session.NewStore(auth)
	initCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
	defer cancel()
	if err := store.Init(initCtx); err != nil && verbose {
		fmt.Fprintf(os.Stderr, "warning: could not restore session: %v\n", err)
	}

	return &env{
		cfg:      cfg,
		auth:     auth,
		store:    store,
		feed:     service.NewFeedService(posts, profiles, favorites),
		gateway:  service.NewMutationGateway(posts, profiles, favorites, nil),
		out:      out,
		redirect: cfg.MagicLinkRedirect(),
	}, nil
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(1)
	}
}

// describe renders err for a terminal, preferring the app error message.
func describe(err error) string {
	switch models.ErrorCode(err) {
	case models.CodeUnauthenticated:
		return err.Error() + " (run `sitectl login` first)"
	case models.CodeClientUnavailable:
		return "SUPABASE_URL and SUPABASE_ANON_KEY must be set"
	}
	return err.Error()
}
