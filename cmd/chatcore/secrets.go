package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"chatcore/pkg/config"
)

const defaultSecretsFile = "secrets.json.enc"

// secretsPassword prompts on an interactive terminal; otherwise it yields no password.
func secretsPassword() config.PasswordFunc {
	return func() (string, error) {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return "", nil
		}
		fmt.Fprint(os.Stderr, "Secrets password: ")
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}
}

// promptNewPassword asks twice and requires both entries to match.
func promptNewPassword(fd int) (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Fprint(os.Stderr, "New secrets password: ")
		pw1, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprint(os.Stderr, "Confirm password: ")
		pw2, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if bytes.Equal(pw1, pw2) && len(pw1) > 0 {
			return string(pw1), nil
		}
		fmt.Fprintln(os.Stderr, "Passwords are empty or do not match.")
	}
	return "", fmt.Errorf("passwords do not match after %d attempts", maxAttempts)
}

func newSecretsCmd(_ *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted secrets file holding provider credentials",
	}
	cmd.PersistentFlags().StringVar(&file, "file", envOr("CHATCORE_SECRETS_FILE", defaultSecretsFile), "encrypted secrets file")

	set := &cobra.Command{
		Use:   "set NAME",
		Short: "Store a secret such as GEMINI_API_KEY; the value is read from the terminal or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secrets, password, err := openSecrets(file, true)
			if err != nil {
				return err
			}
			value, err := readSecretValue(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			secrets[args[0]] = value
			if err := config.EncryptSecretsFile(file, password, secrets); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s in %s\n", args[0], file)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secrets, _, err := openSecrets(file, false)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(secrets))
			for name := range secrets {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	cmd.AddCommand(set, list)
	return cmd
}

// openSecrets decrypts file, or starts an empty set when create is true and file is absent.
func openSecrets(file string, create bool) (map[string]string, string, error) {
	_, statErr := os.Stat(file)
	exists := statErr == nil
	if !exists && !create {
		return nil, "", fmt.Errorf("secrets file %s does not exist", file)
	}

	password := os.Getenv(config.EnvSecretsPassword)
	if password == "" {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, "", fmt.Errorf("set %s or run interactively", config.EnvSecretsPassword)
		}
		var err error
		if exists {
			password, err = secretsPassword()()
		} else {
			password, err = promptNewPassword(fd)
		}
		if err != nil {
			return nil, "", err
		}
	}

	if !exists {
		return map[string]string{}, password, nil
	}
	secrets, err := config.DecryptSecretsFile(file, password)
	if err != nil {
		return nil, "", err
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return secrets, password, nil
}

func readSecretValue(in io.Reader, name string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(os.Stderr, "Value for %s: ", name)
		v, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read value: %w", err)
		}
		return strings.TrimSpace(string(v)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read value: %w", err)
	}
	if line = strings.TrimSpace(line); line == "" {
		return "", fmt.Errorf("empty value for %s", name)
	}
	return line, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
