package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alecgard/pipewatch/internal/config"
	"github.com/alecgard/pipewatch/internal/credential"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load credentials from a YAML file into the pool",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "credentials file (default: credentials.seed_file from config)")
	rootCmd.AddCommand(seedCmd)
}

// seedDocument is the layout of a credentials seed file.
type seedDocument struct {
	Credentials []credential.CreateInput `yaml:"credentials"`
}

func readSeedFile(path string) ([]credential.CreateInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var doc seedDocument
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &doc); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	return doc.Credentials, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	path := seedFile
	if path == "" {
		path = cfg.Credentials.SeedFile
	}
	if path == "" {
		return errors.New("no seed file: pass --file or set credentials.seed_file")
	}

	inputs, err := readSeedFile(path)
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

	added, skipped := 0, 0
	for i, in := range inputs {
		c, err := svc.Add(ctx, in)
		switch {
		case errors.Is(err, credential.ErrDuplicateSecret):
			skipped++
			slog.Info("credential already present, skipping", "index", i, "instance", in.Instance)
		case err != nil:
			return fmt.Errorf("credential %d (%s): %w", i, in.Instance, err)
		default:
			added++
			slog.Info("added credential", "id", c.ID, "instance", c.Instance, "monthly_limit", c.MonthlyLimit)
		}
	}

	fmt.Printf("\n=== Credentials Seeded ===\n")
	fmt.Printf("Added:   %d\n", added)
	fmt.Printf("Skipped: %d (already present)\n", skipped)
	return nil
}
