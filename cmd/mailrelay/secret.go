package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hickar/mailrelay/internal/app/config"
	"github.com/hickar/mailrelay/internal/pkg/credential"
)

func newSecretCmd() *cobra.Command {
	secretCmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage credentials stored in the system keyring",
	}

	secretCmd.AddCommand(&cobra.Command{
		Use:   "set [key]",
		Short: "Store a password under key, referenced by keyring_key in configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readSecret(cmd)
			if err != nil {
				return err
			}
			if value == "" {
				return errors.New("secret value is empty")
			}

			keyringCfg, err := config.LoadKeyringConfig(configFilepath, envFilepath)
			if err != nil {
				return err
			}

			store, err := credential.Open(keyringCfg.Options())
			if err != nil {
				return err
			}
			if err = store.Set(args[0], value); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stored secret %q\n", args[0])
			return nil
		},
	})

	return secretCmd
}

// readSecret prompts for a value without echo when attached to a terminal
// and reads the first line of input otherwise.
func readSecret(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.OutOrStdout(), "Value: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
