package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/lumenclass/aigateway/internal/auth"
	"github.com/lumenclass/aigateway/internal/caller"
	"github.com/lumenclass/aigateway/internal/catalog"
	"github.com/lumenclass/aigateway/internal/config"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo organization with one caller per role",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

const demoOrgID = "org-demo"

var demoCallers = []caller.CreateCallerInput{
	{
		Name:           "demo-teacher",
		OrganizationID: demoOrgID,
		Role:           auth.RoleTeacher,
		Tier:           catalog.TierBasic,
		RateLimit:      60,
	},
	{
		Name:           "demo-principal",
		OrganizationID: demoOrgID,
		Role:           auth.RolePrincipal,
		Tier:           catalog.TierPremium,
		RateLimit:      60,
	},
	{
		Name:           "demo-parent",
		OrganizationID: demoOrgID,
		Role:           auth.RoleParent,
		Tier:           catalog.TierFree,
		RateLimit:      30,
	},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := caller.NewStore(pool)

	// Check if seed has already run.
	existing, _, err := store.List(ctx, caller.ListParams{OrganizationID: demoOrgID, Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing callers: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	fmt.Printf("\n=== Demo Callers Seeded (organization %s) ===\n", demoOrgID)
	for _, input := range demoCallers {
		key, plaintext, err := auth.GenerateAPIKey()
		if err != nil {
			return fmt.Errorf("generating api key: %w", err)
		}
		input.APIKeyHash = key.Hash
		input.APIKeyPrefix = key.Prefix

		c, err := store.Create(ctx, input)
		if err != nil {
			return fmt.Errorf("creating caller %q: %w", input.Name, err)
		}
		slog.Info("created caller", "name", c.Name, "id", c.ID, "role", c.Role, "tier", c.Tier)
		fmt.Printf("%-16s %-10s %-9s key: %s\n", c.Name, c.Role, c.Tier, plaintext)
	}

	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -X POST -H 'Authorization: Bearer <key>' -H 'Content-Type: application/json' \\\n")
	fmt.Printf("    -d '{\"scope\":\"teacher\",\"service_type\":\"homework_help\",\"payload\":{\"prompt\":\"Explain fractions\"}}' \\\n")
	fmt.Printf("    http://localhost:8080/api/v1/ai\n")

	return nil
}
