package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/atlasfleet/atlas/internal/auth"
	"github.com/atlasfleet/atlas/internal/config"
	"github.com/atlasfleet/atlas/internal/store"
)

var hashpwCmd = &cobra.Command{
	Use:   "hashpw",
	Short: "Hash a password for manual seeding of the users table",
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var createUserCmd = &cobra.Command{
	Use:   "create-user <username>",
	Short: "Create a dashboard user in the server database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer(configPath)
		if err != nil {
			return err
		}

		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return fmt.Errorf("passwords do not match")
		}

		db, err := store.OpenDB(cfg.SQLitePath())
		if err != nil {
			return err
		}
		defer db.Close()

		if err := auth.NewUserStore(db.Handle()).CreateUser(args[0], password); err != nil {
			return err
		}
		fmt.Printf("User %q created\n", args[0])
		return nil
	},
}

// promptPassword reads without echo when attached to a terminal, and
// from stdin otherwise so the command stays scriptable.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}

	var password string
	if _, err := fmt.Fscanln(os.Stdin, &password); err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return password, nil
}
