package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/kraken/internal/credentials"
)

var (
	credRegistry      string
	credUsername      string
	credPasswordStdin bool
	credPlainHTTP     bool
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage registry credentials",
		Long: `Manage the registry accounts used to list and pull images. Credentials are
kept in the docker config.json configured under registry.docker_config, the
same file "docker login" writes.`,
		Example: `  kraken credentials login --registry ghcr.io --username robot --password-stdin
  kraken credentials logout --registry ghcr.io
  kraken credentials list`,
	}

	cmd.AddCommand(
		newCredentialsLoginCmd(),
		newCredentialsLogoutCmd(),
		newCredentialsListCmd(),
	)

	return cmd
}

func newCredentialsLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify and store a registry account",
		RunE:  credentialsLoginRun,
	}
	cmd.Flags().StringVar(&credRegistry, "registry", "docker.io", "registry host")
	cmd.Flags().StringVar(&credUsername, "username", "", "account name")
	cmd.Flags().BoolVar(&credPasswordStdin, "password-stdin", false, "read the password from stdin")
	cmd.Flags().BoolVar(&credPlainHTTP, "plain-http", false, "contact the registry without TLS")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func credentialsLoginRun(cmd *cobra.Command, args []string) error {
	creds, err := openCredentials()
	if err != nil {
		return err
	}
	password, err := readPassword(cmd.InOrStdin(), credPasswordStdin)
	if err != nil {
		return err
	}
	cred := credentials.Credential{Registry: credRegistry, Username: credUsername, Password: password}
	if err := credentials.Login(cmd.Context(), creds, cred, credentials.LoginOptions{PlainHTTP: credPlainHTTP}); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in to %s as %s\n", credRegistry, credUsername)
	return nil
}

func readPassword(r io.Reader, fromStdin bool) (string, error) {
	if !fromStdin {
		if pw := os.Getenv("KRAKEN_REGISTRY_PASSWORD"); pw != "" {
			return pw, nil
		}
		return "", fmt.Errorf("use --password-stdin or set KRAKEN_REGISTRY_PASSWORD")
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", fmt.Errorf("empty password on stdin")
	}
	return pw, nil
}

func newCredentialsLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget a registry account",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := openCredentials()
			if err != nil {
				return err
			}
			if err := creds.Delete(cmd.Context(), credRegistry); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged out of %s\n", credRegistry)
			return nil
		},
	}
	cmd.Flags().StringVar(&credRegistry, "registry", "docker.io", "registry host")
	return cmd
}

func newCredentialsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the registries with a stored account",
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := openCredentials()
			if err != nil {
				return err
			}
			return printAccounts(cmd, creds)
		},
	}
}

func printAccounts(cmd *cobra.Command, creds credentials.Store) error {
	registries, err := creds.List(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(registries) == 0 {
		fmt.Fprintln(out, "No registry accounts stored.")
		return nil
	}
	fmt.Fprintf(out, "%-32s %s\n", "Registry", "Username")
	fmt.Fprintln(out, strings.Repeat("-", 48))
	for _, reg := range registries {
		cred, err := creds.Get(cmd.Context(), reg)
		if err != nil {
			fmt.Fprintf(out, "%-32s %s\n", reg, "(credential helper)")
			continue
		}
		fmt.Fprintf(out, "%-32s %s\n", reg, cred.Username)
	}
	return nil
}
