package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cloudreve/davcore/application/dependency"
	model "github.com/cloudreve/davcore/models"
	"github.com/jinzhu/gorm"
	"github.com/spf13/cobra"
)

var (
	accountPassword string
	accountRoot     string
	accountReadonly bool
)

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountAddCmd, accountListCmd, accountDeleteCmd)

	accountAddCmd.Flags().StringVarP(&accountPassword, "password", "p", "", "Password of the new account")
	accountAddCmd.Flags().StringVarP(&accountRoot, "root", "r", "/", "Root folder the account is confined to")
	accountAddCmd.Flags().BoolVar(&accountReadonly, "readonly", false, "Reject every write from this account")
	_ = accountAddCmd.MarkFlagRequired("password")
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage WebDAV accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a WebDAV account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dep := dependency.NewDependency(dependency.WithConfigPath(confPath))
		defer dep.Shutdown(context.Background())

		account := &model.DavAccount{
			Name:     args[0],
			Root:     accountRoot,
			Readonly: accountReadonly,
		}
		if err := account.SetPassword(accountPassword); err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		if err := dep.AccountClient().Create(context.Background(), account); err != nil {
			return fmt.Errorf("failed to create account %q: %w", account.Name, err)
		}

		dep.Logger().Info("Account %q created.", account.Name)
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all WebDAV accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		dep := dependency.NewDependency(dependency.WithConfigPath(confPath))
		defer dep.Shutdown(context.Background())

		accounts, err := dep.AccountClient().List(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list accounts: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tROOT\tREADONLY")
		for _, account := range accounts {
			fmt.Fprintf(w, "%s\t%s\t%t\n", account.Name, account.Root, account.Readonly)
		}
		return w.Flush()
	},
}

var accountDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a WebDAV account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dep := dependency.NewDependency(dependency.WithConfigPath(confPath))
		defer dep.Shutdown(context.Background())

		if err := dep.AccountClient().Delete(context.Background(), args[0]); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("account %q does not exist", args[0])
			}
			return fmt.Errorf("failed to delete account %q: %w", args[0], err)
		}

		dep.Logger().Info("Account %q deleted.", args[0])
		return nil
	},
}
