package main

import (
	"context"

	"github.com/Koohoko/codex-switcher/internal/accounts"
	"github.com/Koohoko/codex-switcher/internal/logger"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var switchCmd = &cobra.Command{
	Use:   "switch <id|name>",
	Short: "Make a stored account the active Codex login",
	Long: `Writes the account's tokens to the Codex auth.json (see --codex-auth-path),
replacing whichever account was active. Codex picks it up on its next start.`,
	Args: cobra.ExactArgs(1),
	RunE: runSwitch,
}

func runSwitch(cmd *cobra.Command, args []string) error {
	var store *accounts.Store
	stop, err := startApp(cmd.Context(), &store)
	if err != nil {
		return err
	}
	defer stop()

	account, err := switchAccount(cmd.Context(), store, args[0], cfg.Codex.AuthPath)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Switched to %s (%s)", pterm.LightGreen(account.Name), account.ID)
	return nil
}

func switchAccount(ctx context.Context, store *accounts.Store, idOrName, authPath string) (accounts.Account, error) {
	target, err := store.Resolve(ctx, idOrName)
	if err != nil {
		return accounts.Account{}, err
	}
	account, err := store.Activate(ctx, target.ID, authPath)
	if err != nil {
		return accounts.Account{}, err
	}
	logger.Info("Switched active account", zap.String("account_id", account.ID), zap.String("auth_path", authPath))
	return account, nil
}
