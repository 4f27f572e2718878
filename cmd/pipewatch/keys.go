package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alecgard/pipewatch/internal/auth"
	"github.com/alecgard/pipewatch/internal/config"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Show credential pool usage",
	RunE:  runKeys,
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new admin key and its bcrypt hash",
	Args:  cobra.NoArgs,
	RunE:  runKeysGenerate,
}

var keysHashCmd = &cobra.Command{
	Use:   "hash <admin-key>",
	Short: "Print the bcrypt hash of an existing admin key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysHash,
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd, keysHashCmd)
	rootCmd.AddCommand(keysCmd)
}

func runKeys(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	svc, err := loadCredentials(ctx, cfg, db)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tINSTANCE\tUSAGE\tLIMIT\tREMAINING\tUSED\tACTIVE\tDEV")
	for _, s := range svc.Stats(ctx) {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.1f%%\t%t\t%t\n",
			s.ID, s.Instance, s.Usage, s.Limit, s.Remaining, s.Percentage, s.IsActive, s.IsDev)
	}
	return tw.Flush()
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	plaintext, hash, err := auth.GenerateAdminKey()
	if err != nil {
		return err
	}
	fmt.Printf("Admin key: %s\n", plaintext)
	fmt.Printf("Hash:      %s\n", hash)
	fmt.Println("\nAdd the hash to auth.admin_key_hashes. The key is not shown again.")
	return nil
}

func runKeysHash(cmd *cobra.Command, args []string) error {
	hash, err := auth.HashKey(args[0])
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
