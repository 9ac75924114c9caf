package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	btls "github.com/polisai/blockgate/internal/tls"
	"github.com/polisai/blockgate/pkg/config"
)

func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect access rules",
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Parse the configured rules and print them in evaluation order",
		Args:  cobra.NoArgs,
		RunE:  runRulesCheck,
	}
	checkCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	addRuleFlags(checkCmd)

	rulesCmd.AddCommand(checkCmd)
	return rulesCmd
}

func runRulesCheck(cmd *cobra.Command, _ []string) error {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyRuleFlags(cmd, &cfg.Access)

	rules, err := cfg.Access.RuleSet()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	allow, deny := rules.Tokens()
	for _, tok := range allow {
		fmt.Fprintf(out, "allow=%s\n", tok)
	}
	for _, tok := range deny {
		fmt.Fprintf(out, "deny=%s\n", tok)
	}
	stage := "early"
	if rules.LateFiltering() {
		stage = "late"
	}
	if rules.Empty() {
		fmt.Fprintln(out, "no rules: every client is allowed")
	}
	fmt.Fprintf(out, "filtering: %s\n", stage)
	return nil
}

func newPKICmd() *cobra.Command {
	pkiCmd := &cobra.Command{
		Use:   "pki",
		Short: "Manage TLS certificates",
	}

	initCmd := &cobra.Command{
		Use:   "init DIR",
		Short: "Create a CA, server and client certificate in DIR",
		Args:  cobra.ExactArgs(1),
		RunE:  runPKIInit,
	}
	initCmd.Flags().String("server-name", "localhost", "Server certificate common name")
	initCmd.Flags().String("client-name", "client", "Client certificate common name")
	initCmd.Flags().String("organization", "", "Organization for every certificate")
	initCmd.Flags().Duration("valid-for", 365*24*time.Hour, "Validity of the server and client certificates")

	pkiCmd.AddCommand(initCmd)
	return pkiCmd
}

func runPKIInit(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	serverName, _ := f.GetString("server-name")
	clientName, _ := f.GetString("client-name")
	org, _ := f.GetString("organization")
	validFor, _ := f.GetDuration("valid-for")

	pki, err := btls.GenerateCertificateDirectory(args[0], btls.PKIOptions{
		Organization: org,
		ServerName:   serverName,
		ClientName:   clientName,
		ValidFor:     validFor,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, name := range []string{btls.CACertFile, btls.ServerCertFile, btls.ServerKeyFile, btls.ClientCertFile, btls.ClientKeyFile} {
		fmt.Fprintln(out, filepath.Join(pki.Dir, name))
	}
	fmt.Fprintf(out, "client subject: %s\n", pki.Client.Cert.Subject)
	return nil
}

func newPSKCmd() *cobra.Command {
	pskCmd := &cobra.Command{
		Use:   "psk",
		Short: "Manage pre-shared keys",
	}

	generateCmd := &cobra.Command{
		Use:   "generate USERNAME",
		Short: "Add a random key for USERNAME to a PSK file",
		Args:  cobra.ExactArgs(1),
		RunE:  runPSKGenerate,
	}
	generateCmd.Flags().StringP("file", "f", "", "PSK file to append to")
	generateCmd.Flags().Int("bytes", 32, "Key length in bytes")
	_ = generateCmd.MarkFlagRequired("file")

	pskCmd.AddCommand(generateCmd)
	return pskCmd
}

func runPSKGenerate(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	size, _ := cmd.Flags().GetInt("bytes")

	key, err := btls.GeneratePSK(size)
	if err != nil {
		return err
	}
	if err := btls.AppendPSK(path, args[0], key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", args[0], path)
	return nil
}
