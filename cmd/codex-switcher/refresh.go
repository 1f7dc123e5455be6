package main

import (
	"github.com/Koohoko/codex-switcher/internal/refresh"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var refreshAll bool

var refreshCmd = &cobra.Command{
	Use:   "refresh [id]",
	Short: "Renew access tokens now",
	Long: `Without arguments, renews the accounts whose tokens are about to expire,
exactly like one background scan. With an id, renews that account. With --all,
renews every account that has a refresh token.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRefresh,
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshAll, "all", false, "Renew every account regardless of expiry")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	var scheduler *refresh.Scheduler
	stop, err := startApp(cmd.Context(), &scheduler)
	if err != nil {
		return err
	}
	defer stop()

	ctx := cmd.Context()
	if len(args) == 1 {
		account, err := scheduler.RefreshAccount(ctx, args[0])
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Refreshed %s", account.Name)
		return nil
	}

	var result refresh.ScanResult
	if refreshAll {
		result, err = scheduler.RefreshAll(ctx)
		if err != nil {
			return err
		}
	} else {
		result = scheduler.Scan(ctx)
	}

	pterm.Info.Printfln("Checked %d accounts: %s refreshed, %s failed",
		result.Checked,
		pterm.LightGreen(result.Refreshed),
		pterm.LightRed(result.Failed))
	return nil
}
