package cmd

import (
	"fmt"

	"race-sync/internal/auth"

	"github.com/spf13/cobra"
)

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Manage the administrator PIN",
	Long:  `While no PIN is set, management endpoints are open to every client.`,
}

func pins() (*auth.Pins, error) {
	p, err := openProvider()
	if err != nil {
		return nil, err
	}
	return auth.NewPins(p), nil
}

var pinSetCmd = &cobra.Command{
	Use:   "set [pin]",
	Short: "Set or replace the PIN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := pins()
		if err != nil {
			return err
		}
		if err := p.Set(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("PIN set.")
		return nil
	},
}

var pinClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the PIN",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := pins()
		if err != nil {
			return err
		}
		if err := p.Set(cmd.Context(), ""); err != nil {
			return err
		}
		fmt.Println("PIN cleared. Management endpoints are open.")
		return nil
	},
}

var pinStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a PIN is set",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := pins()
		if err != nil {
			return err
		}
		set, err := p.Configured(cmd.Context())
		if err != nil {
			return err
		}
		if set {
			fmt.Println("PIN is set.")
		} else {
			fmt.Println("PIN is not set.")
		}
		return nil
	},
}

func init() {
	pinCmd.AddCommand(pinSetCmd, pinClearCmd, pinStatusCmd)
	rootCmd.AddCommand(pinCmd)
}
