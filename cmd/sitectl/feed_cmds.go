package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"smallsite/internal/models"

	"github.com/spf13/cobra"
)

var feedLimit int

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the newest posts with their authors",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		vm, err := current.feed.LoadViewModel(cmd.Context(), current.store.Current())
		if err != nil {
			return err
		}
		renderFeed(current.out, vm, feedLimit)
		return nil
	},
}

var postCmd = &cobra.Command{
	Use:   "post <content...>",
	Short: "Publish a post",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := current.gateway.CreatePost(cmd.Context(), current.store.Current(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(current.out, "published post %d\n", p.ID)
		return nil
	},
}

var nameCmd = &cobra.Command{
	Use:   "name <display name...>",
	Short: "Set the name shown next to your posts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := current.gateway.SaveDisplayName(cmd.Context(), current.store.Current(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(current.out, "display name set to %q\n", p.Name())
		return nil
	},
}

func init() {
	feedCmd.Flags().IntVarP(&feedLimit, "limit", "n", 20, "number of posts to show (0 for all)")
}

func renderFeed(w io.Writer, vm *models.ViewModel, limit int) {
	if vm.Identity != nil {
		name := vm.Profile.Name()
		if name == "" {
			name = "(no display name)"
		}
		fmt.Fprintf(w, "%s  %s\n\n", vm.Identity.Email, name)
	}
	posts := vm.Posts
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	if len(posts) == 0 {
		fmt.Fprintln(w, "no posts yet")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range posts {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.CreatedAt.Local().Format(time.DateTime), p.Name(), p.Content)
	}
	tw.Flush()
}
