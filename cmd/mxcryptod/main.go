package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	mxcrypto "github.com/osteele/mxcrypto/crypto"
)

func main() {
	godotenv.Load()

	var rootCmd = &cobra.Command{
		Use:   "mxcryptod",
		Short: "End-to-end crypto coordinator for a Matrix client",
		Long: `mxcryptod runs the Olm/Megolm coordinator against a homeserver account.
The run command uploads device and one-time keys at start-up and then waits
for a signal; it runs no sync loop, so no to-device events (room keys, key
requests) are processed.

Credentials are read from MXCRYPTO_HOMESERVER, MXCRYPTO_USER_ID, and
MXCRYPTO_ACCESS_TOKEN (or a .env file in the working directory).`,
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(blacklistCmd)
	rootCmd.AddCommand(blacklistExportCmd)
	rootCmd.AddCommand(blacklistImportCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the coordinator (key upload) and wait for SIGINT/SIGTERM; no sync loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCoordinator(cmd.Context())
	},
}

var blacklistCmd = &cobra.Command{
	Use:   "blacklist [on|off]",
	Short: "Get or set the global blacklist-unverified-devices switch",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 0 {
			value, err := store.GetGlobalBlacklistUnverified(ctx)
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		}
		return store.SetGlobalBlacklistUnverified(ctx, args[0] == "on")
	},
}

var blacklistExportCmd = &cobra.Command{
	Use:   "blacklist-export",
	Short: "Print the blacklist-unverified-devices policy as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		doc, err := mxcrypto.ExportBlacklistPolicy(ctx, store)
		if err != nil {
			return err
		}
		fmt.Print(string(doc))
		return nil
	},
}

var blacklistImportCmd = &cobra.Command{
	Use:   "blacklist-import [file]",
	Short: "Replace the blacklist-unverified-devices policy from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		doc, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		return mxcrypto.ImportBlacklistPolicy(ctx, store, doc)
	},
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func openStore(ctx context.Context) (*mxcrypto.SQLiteKeyStore, error) {
	dbPath := os.Getenv("MXCRYPTO_DB_PATH")
	if dbPath == "" {
		dbPath = "mxcrypto.db"
	}
	log := newLogger()
	return mxcrypto.NewSQLiteKeyStore(ctx, dbPath, dbutil.ZeroLogger(log.With().Str("component", "keystore").Logger()))
}

func runCoordinator(ctx context.Context) error {
	log := newLogger()

	homeserver := os.Getenv("MXCRYPTO_HOMESERVER")
	userID := id.UserID(os.Getenv("MXCRYPTO_USER_ID"))
	accessToken := os.Getenv("MXCRYPTO_ACCESS_TOKEN")
	if homeserver == "" || userID == "" || accessToken == "" {
		return fmt.Errorf("mxcryptod: MXCRYPTO_HOMESERVER, MXCRYPTO_USER_ID and MXCRYPTO_ACCESS_TOKEN must be set")
	}

	client, err := mautrix.NewClient(homeserver, userID, accessToken)
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}

	store, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer store.Close()

	account := olm.NewAccount()
	olmPrimitive := mxcrypto.NewRealOlmPrimitive(account)
	hs := mxcrypto.NewMautrixHomeserverClient(client)

	coordinator, err := mxcrypto.NewCoordinator(ctx, mxcrypto.DefaultConfig(), log, store, olmPrimitive, hs, userID)
	if err != nil {
		return fmt.Errorf("construct coordinator: %w", err)
	}
	defer coordinator.Close()

	started := make(chan error, 1)
	coordinator.Start(ctx, true, func(err error) {
		started <- err
	})
	if err := <-started; err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	log.Info().Str("user_id", string(userID)).Str("device_id", string(coordinator.Self().DeviceID)).
		Msg("coordinator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")
	return nil
}
