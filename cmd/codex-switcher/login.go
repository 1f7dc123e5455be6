package main

import (
	"github.com/Koohoko/codex-switcher/internal/auth"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	loginName      string
	loginNoBrowser bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Add or re-authorize an account through the browser",
	Long: `Starts the OAuth login on the local callback port, opens the browser and
waits for the redirect. An account that is already stored is updated in place.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginName, "name", "", "Label for the account (default: its email)")
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the login URL instead of opening the browser")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if loginNoBrowser {
		cfg.OAuth.OpenBrowser = false
	}

	var service *auth.Service
	stop, err := startApp(cmd.Context(), &service)
	if err != nil {
		return err
	}
	defer stop()

	account, err := service.Login(cmd.Context(), auth.LoginOptions{
		Name: loginName,
		OnAuthURL: func(authURL string) {
			pterm.Info.Println("Sign in with this URL if the browser does not open:")
			pterm.Println(authURL)
			pterm.Info.Printfln("Waiting up to %s for the login to finish...", cfg.OAuth.CallbackTimeout)
		},
	})
	if err != nil {
		return err
	}

	pterm.Success.Printfln("Logged in as %s (%s)", pterm.LightGreen(account.Name), account.ID)
	return nil
}
