package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"smallsite/internal/models"

	"github.com/spf13/cobra"
)

var favoriteURL string

var favoritesCmd = &cobra.Command{
	Use:   "favorites",
	Short: "List, add and remove your favorites",
	Args:  cobra.NoArgs,
	RunE:  listFavorites,
}

var favoritesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your favorites, newest first",
	Args:  cobra.NoArgs,
	RunE:  listFavorites,
}

var favoritesAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Save a favorite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := current.gateway.AddFavorite(cmd.Context(), current.store.Current(), args[0], favoriteURL)
		if err != nil {
			return err
		}
		fmt.Fprintf(current.out, "saved %s\n", f.ID)
		return nil
	},
}

var favoritesRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Remove one of your favorites",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.gateway.DeleteFavorite(cmd.Context(), current.store.Current(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(current.out, "removed %s\n", args[0])
		return nil
	},
}

func init() {
	favoritesAddCmd.Flags().StringVar(&favoriteURL, "url", "", "link to save with the favorite")
	favoritesCmd.AddCommand(favoritesListCmd, favoritesAddCmd, favoritesRmCmd)
}

func listFavorites(cmd *cobra.Command, _ []string) error {
	favs, err := current.feed.LoadFavorites(cmd.Context(), current.store.Current())
	if err != nil {
		return err
	}
	renderFavorites(current.out, favs)
	return nil
}

func renderFavorites(w io.Writer, favs []models.Favorite) {
	if len(favs) == 0 {
		fmt.Fprintln(w, "no favorites")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, f := range favs {
		link := ""
		if f.URL != nil {
			link = *f.URL
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ID, f.Title, link)
	}
	tw.Flush()
}
