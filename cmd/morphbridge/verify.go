package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"maunium.net/go/mautrix/id"

	"github.com/quailyquaily/morphbridge/internal/fsstore"
	"github.com/quailyquaily/morphbridge/internal/logutil"
	"github.com/quailyquaily/morphbridge/internal/statepaths"
	"github.com/quailyquaily/morphbridge/internal/trust"
	"github.com/quailyquaily/morphbridge/matrixclient"
)

func newVerifyDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-device <user_id> <device_id>",
		Short: "Interactively verify a device's fingerprint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			cfg, err := bridgeConfigFromViper()
			if err != nil {
				return err
			}

			userID := id.UserID(strings.TrimSpace(args[0]))
			deviceID := id.DeviceID(strings.TrimSpace(args[1]))
			ref := trust.DeviceRef{UserID: userID, DeviceID: deviceID}
			if err := ref.Validate(); err != nil {
				return err
			}

			if len(cfg.AllowedSenders) > 0 && !containsUser(cfg.AllowedSenders, userID) {
				return fmt.Errorf("user %s is not in trust.allowed_senders", userID)
			}

			stateDir := statepaths.StateDir()
			for _, dir := range []string{stateDir, statepaths.TrustDir(), statepaths.LocksDir()} {
				if err := fsstore.EnsureDir(dir); err != nil {
					return err
				}
			}

			// The serve daemon and this one-shot must not interleave
			// trust writes.
			serveLockPath, err := fsstore.BuildLockPath(statepaths.LocksDir(), "serve")
			if err != nil {
				return err
			}
			releaseLock, err := fsstore.Hold(serveLockPath)
			if err != nil {
				return fmt.Errorf("the bridge is running; stop it before verifying: %w", err)
			}
			defer releaseLock()

			autoConfirm, _ := cmd.Flags().GetBool("yes")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if !autoConfirm && !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("stdin is not a terminal; use --yes to confirm non-interactively")
			}

			client, err := matrixclient.New(matrixclient.Config{
				Homeserver:   cfg.Homeserver,
				UserID:       cfg.UserID,
				AccessToken:  cfg.AccessToken,
				DeviceID:     cfg.DeviceID,
				CryptoDBPath: filepath.Join(stateDir, "crypto.sqlite"),
				PickleKey:    cfg.PickleKey,
				Logger:       logger,
			})
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			trustStore, err := trust.NewStore(statepaths.TrustDir(), statepaths.LocksDir())
			if err != nil {
				return err
			}
			manager, err := trust.NewManager(trustStore, client, logger, cfg.Trust)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if _, err := manager.ObserveDevice(ctx, ref); err != nil {
				return err
			}
			if err := manager.BeginVerification(ctx, ref); err != nil {
				return err
			}

			fingerprint, err := client.DeviceFingerprint(ctx, userID, deviceID)
			if err != nil {
				if failErr := manager.FailVerification(ctx, ref); failErr != nil {
					logger.Warn("verify_rollback_error", "error", failErr.Error())
				}
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "device:      %s / %s\n", userID, deviceID)
			_, _ = fmt.Fprintf(out, "fingerprint: %s\n", fingerprint)
			_, _ = fmt.Fprintln(out, "Compare the fingerprint with the one shown on the device.")

			confirmed := autoConfirm
			if !confirmed {
				confirmed, err = promptYesNo(cmd, "Do the fingerprints match? [y/N]: ")
				if err != nil {
					return err
				}
			}

			if !confirmed {
				if err := manager.FailVerification(ctx, ref); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(out, "verification aborted")
				return nil
			}

			if err := manager.CompleteVerification(ctx, ref); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "device verified")
			return nil
		},
	}
	cmd.Flags().Bool("yes", false, "Confirm without prompting (the fingerprint was compared out of band).")
	cmd.Flags().Duration("timeout", time.Minute, "Bound on the whole verification exchange.")
	return cmd
}

func promptYesNo(cmd *cobra.Command, prompt string) (bool, error) {
	_, _ = fmt.Fprint(cmd.OutOrStdout(), prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func containsUser(users []id.UserID, target id.UserID) bool {
	for _, userID := range users {
		if userID == target {
			return true
		}
	}
	return false
}
