package main

import (
	"bytes"
	"time"

	"github.com/Koohoko/codex-switcher/internal/accounts"
	"github.com/Koohoko/codex-switcher/internal/auth/constants"
	"github.com/Koohoko/codex-switcher/internal/logger"
	"github.com/Koohoko/codex-switcher/internal/notify"
	"github.com/Koohoko/codex-switcher/internal/utils"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"account"},
	Short:   "List, remove and export stored accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show stored accounts and their token expiry",
	Args:  cobra.NoArgs,
	RunE:  runAccountsList,
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a stored account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRemove,
}

var exportOutput string

var accountsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write every stored account, tokens included, as JSON",
	Long: `Prints the accounts in the store file format. The output holds refresh
tokens; with --output it is written to a file readable only by you.`,
	Args: cobra.NoArgs,
	RunE: runAccountsExport,
}

func init() {
	accountsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "File to write instead of stdout")
	accountsCmd.AddCommand(accountsListCmd, accountsRemoveCmd, accountsExportCmd)
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	var store *accounts.Store
	stop, err := startApp(cmd.Context(), &store)
	if err != nil {
		return err
	}
	defer stop()

	list, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		pterm.Info.Println("No accounts yet, add one with 'codex-switcher login'")
		return nil
	}

	active, err := accounts.ActiveProviderAccountID(cfg.Codex.AuthPath)
	if err != nil {
		logger.Warn("Could not read the active Codex account", zap.Error(err))
	}

	now := time.Now()
	data := pterm.TableData{{"", "ID", "Name", "Email", "Token expires", "Last refresh"}}
	for _, account := range list {
		marker := ""
		if active != "" && account.ProviderAccountID == active {
			marker = pterm.LightGreen("*")
		}
		data = append(data, []string{
			marker,
			account.ID,
			account.Name,
			account.Email,
			describeExpiry(account, now),
			describeTime(account.LastRefresh),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	var (
		store *accounts.Store
		sink  notify.Sink
	)
	stop, err := startApp(cmd.Context(), &store, &sink)
	if err != nil {
		return err
	}
	defer stop()

	if err := store.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	sink.Notify(notify.New(constants.EventAccountsUpdated, args[0]))
	pterm.Success.Printfln("Removed account %s", args[0])
	return nil
}

func runAccountsExport(cmd *cobra.Command, args []string) error {
	var store *accounts.Store
	stop, err := startApp(cmd.Context(), &store)
	if err != nil {
		return err
	}
	defer stop()

	if exportOutput == "" {
		return store.Export(cmd.Context(), cmd.OutOrStdout())
	}

	var out bytes.Buffer
	if err := store.Export(cmd.Context(), &out); err != nil {
		return err
	}
	if err := utils.AtomicWriteFile(exportOutput, out.Bytes(), 0o600); err != nil {
		return err
	}
	pterm.Success.Printfln("Exported accounts to %s", exportOutput)
	return nil
}

func describeExpiry(account accounts.Account, now time.Time) string {
	expiresAt, ok := account.ExpiresAt()
	if !ok {
		return "unknown"
	}
	remaining := expiresAt.Sub(now).Round(time.Minute)
	if remaining <= 0 {
		return pterm.LightRed("expired")
	}
	return expiresAt.Local().Format(time.DateTime) + " (in " + remaining.String() + ")"
}

func describeTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
