package cmd

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/gorilla/securecookie"
	"github.com/joho/godotenv"
	"io"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/wengley/universal-bot-discord/universalbot"
	"golang.org/x/term"
)

// passwordReader is a function type for reading secrets without echoing
// them. It's really only here to make testing easier.
type passwordReader func() ([]byte, error)

var (
	customPasswordReader passwordReader
	envFile              string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database, and optionally write a starter .env file",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if envFile != "" {
			if err := writeEnvFile(out, bufio.NewReader(os.Stdin), envFile); err != nil {
				log.Fatalf("Error writing env file: %v", err)
			}
		}

		if cfg.DatabaseType == "" {
			log.Fatalf(
				"Environment variable %s_DATABASE_TYPE not set (must be one of: sqlite, postgres)",
				envPrefix,
			)
		}
		if cfg.Database == "" {
			log.Fatalf(
				"Environment variable %s_DATABASE not set (must be a valid "+
					"database connection string or sqlite file path)",
				envPrefix,
			)
		}

		// Run database migrations
		db, err := universalbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		fmt.Fprintln(out, "Database migrated.")

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// writeEnvFile prompts for the discord credentials the bot needs, and
// writes them (along with a random API secret and the current database
// settings) to path. Tokens and secrets are read without echo. An
// existing file is left alone.
func writeEnvFile(out io.Writer, reader *bufio.Reader, path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "%s already exists, leaving it as-is.\n", path)
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if customPasswordReader == nil {
		customPasswordReader = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}

	readLine := func(prompt string) string {
		fmt.Fprint(out, prompt)
		line, _ := reader.ReadString('\n')
		return strings.TrimSpace(line)
	}
	readSecret := func(prompt string) (string, error) {
		fmt.Fprint(out, prompt)
		secret, err := customPasswordReader()
		fmt.Fprintln(out)
		return strings.TrimSpace(string(secret)), err
	}

	fmt.Fprintln(out, "Let's set up the bot's discord credentials.")
	token, err := readSecret("Enter bot token: ")
	if err != nil {
		return fmt.Errorf("error reading bot token: %w", err)
	}
	clientID := readLine("Enter OAuth2 client ID: ")
	clientSecret, err := readSecret("Enter OAuth2 client secret: ")
	if err != nil {
		return fmt.Errorf("error reading client secret: %w", err)
	}
	callbackURL := readLine("Enter OAuth2 redirect URL (ex: https://bot.example.com/callback): ")

	key := func(name string) string {
		return envPrefix + "_" + name
	}
	env := map[string]string{
		key("DISCORD_TOKEN"):       token,
		key("OAUTH_CLIENT_ID"):     clientID,
		key("OAUTH_CLIENT_SECRET"): clientSecret,
		key("OAUTH_CALLBACK_URL"):  callbackURL,
		key("API_SECRET"):          hex.EncodeToString(securecookie.GenerateRandomKey(32)),
		key("DATABASE_TYPE"):       cfg.DatabaseType,
		key("DATABASE"):            cfg.Database,
	}
	if err = godotenv.Write(env, path); err != nil {
		return err
	}
	if err = os.Chmod(path, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %s\n", path)
	return nil
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(
		&envFile,
		"env-file",
		"",
		"If set, prompt for credentials and write them to this .env file",
	)
}
