package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	passwordFlag string
	otpType      string
)

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in with email and password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(passwordFlag)
		if err != nil {
			return err
		}
		s, err := current.auth.SignInWithPassword(cmd.Context(), args[0], password)
		if err != nil {
			return err
		}
		fmt.Fprintf(current.out, "signed in as %s\n", s.User.Email)
		return nil
	},
}

var magicLinkCmd = &cobra.Command{
	Use:   "magic-link <email>",
	Short: "Email a one-time sign-in link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := current.auth.SignInWithOTP(cmd.Context(), args[0], current.redirect); err != nil {
			return err
		}
		fmt.Fprintf(current.out, "link sent to %s; finish with `sitectl verify <token_hash>`\n", args[0])
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <token_hash>",
	Short: "Complete a magic link or signup confirmation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := current.auth.VerifyOTP(cmd.Context(), args[0], otpType)
		if err != nil {
			return err
		}
		fmt.Fprintf(current.out, "signed in as %s\n", s.User.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the saved session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := current.auth.SignOut(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(current.out, "signed out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in identity",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		id := current.store.Current()
		if id == nil {
			fmt.Fprintln(current.out, "not signed in")
			return nil
		}
		fmt.Fprintf(current.out, "%s (%s)\n", id.Email, id.ID)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&passwordFlag, "password", "p", "", "password (read from stdin when omitted)")
	verifyCmd.Flags().StringVar(&otpType, "type", "magiclink", "token type: magiclink, signup or recovery")
}

// readPassword returns flag, or the first line of stdin when flag is empty.
func readPassword(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return "", errors.New("password is required")
	}
	return line, nil
}
