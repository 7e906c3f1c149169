package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jellyward/jellyward/internal/config"
	"github.com/jellyward/jellyward/internal/directory"
	"github.com/jellyward/jellyward/internal/lifecycle"
	"github.com/jellyward/jellyward/internal/logging"
	"github.com/jellyward/jellyward/internal/provision"
	"github.com/jellyward/jellyward/internal/resolve"
	"github.com/jellyward/jellyward/internal/store"
)

// One-shot admin operations against the same data directory the
// service uses. They share the sqlite stores with a running instance;
// WAL plus the busy timeout make that safe.

var (
	issuePlan string
	issueDays int

	extendDays int

	removeReason string
)

func init() {
	issueCmd.Flags().StringVar(&issuePlan, "plan", "", "profile to issue (defaults to the trial plan)")
	issueCmd.Flags().IntVar(&issueDays, "days", 0, "account validity in days (defaults to trial days)")
	extendCmd.Flags().IntVar(&extendDays, "days", 30, "days to add to the account expiry")
	removeCmd.Flags().StringVar(&removeReason, "reason", "", "reason recorded in the audit log")

	rootCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(extendCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(resolveCmd)
}

var issueCmd = &cobra.Command{
	Use:   "issue <chat-id> <chat-username>",
	Short: "Issue an invite for a chat identity",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withAdminContext(func(ctx context.Context, env *adminEnv) error {
			result, err := env.coordinator.Issue(ctx, lifecycle.IssueRequest{
				ChatID:       args[0],
				ChatUsername: args[1],
				Plan:         issuePlan,
				AccountDays:  issueDays,
				Actor:        cliActor(),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Invite code: %s\n", result.InviteCode)
			if result.InviteURL != "" {
				fmt.Printf("Invite link: %s\n", result.InviteURL)
			}
			fmt.Printf("Status: %s, expires %s\n", result.Status, result.ExpiresAt.Format("2006-01-02"))
			if result.Superseded {
				fmt.Println("Note: an earlier active invite for this identity was superseded")
			}
			return nil
		})
	},
}

var extendCmd = &cobra.Command{
	Use:   "extend <identifier>",
	Short: "Extend a member's account expiry",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withAdminContext(func(ctx context.Context, env *adminEnv) error {
			result, err := env.coordinator.Extend(ctx, lifecycle.ExtendRequest{
				Identifier: args[0],
				Days:       extendDays,
				Actor:      cliActor(),
			})
			if err != nil {
				return err
			}
			if result.Status != provision.StatusOK {
				fmt.Printf("Remote account %s not found\n", result.RemoteUsername)
				os.Exit(1)
			}
			fmt.Printf("Extended %s until %s\n", result.RemoteUsername, result.NewExpiresAt.Format("2006-01-02"))
			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <identifier>",
	Short: "Remove a member across the remote account, invite, and local record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withAdminContext(func(ctx context.Context, env *adminEnv) error {
			report, err := env.coordinator.Remove(ctx, lifecycle.RemoveRequest{
				Identifier: args[0],
				Reason:     removeReason,
				Actor:      cliActor(),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Removal %s:\n", report.OperationID)
			for _, step := range report.Steps {
				if step.Detail != "" {
					fmt.Printf("  %-14s %-8s %s\n", step.Name, step.Outcome, step.Detail)
				} else {
					fmt.Printf("  %-14s %s\n", step.Name, step.Outcome)
				}
			}
			if !report.Complete() {
				fmt.Println("Some steps failed; re-run or clean up manually")
				os.Exit(1)
			}
			return nil
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <identifier>",
	Short: "Show how an identifier resolves to accounts",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withAdminContext(func(ctx context.Context, env *adminEnv) error {
			res := env.resolver.Resolve(resolve.Input{Identifier: args[0]})
			if res.ChatID != "" {
				fmt.Printf("Chat ID: %s\n", res.ChatID)
			}
			if len(res.Candidates) == 0 {
				fmt.Println("No candidates")
				return nil
			}
			for _, c := range res.Candidates {
				fmt.Printf("  %-16s chat=%-22s remote=%s\n", c.Confidence, c.ChatID, c.RemoteUsername)
			}
			return nil
		})
	},
}

type adminEnv struct {
	coordinator *lifecycle.Coordinator
	resolver    *resolve.Resolver
}

// withAdminContext loads config, opens the stores, runs fn, and tears
// everything down again.
func withAdminContext(fn func(ctx context.Context, env *adminEnv) error) {
	logging.Init(logging.Config{Format: "auto", Level: "warn", Component: "jellyward"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	inviteStore, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open invite store")
	}
	defer inviteStore.Close()

	cache, err := directory.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open directory cache")
	}
	defer cache.Close()

	client, err := provision.NewClient(provision.ClientConfig{
		BaseURL:  cfg.Provisioner.BaseURL,
		Username: cfg.Provisioner.Username,
		Password: cfg.Provisioner.Password,
		Timeout:  cfg.RemoteTimeout(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create provisioner client")
	}

	resolver := resolve.New(inviteStore, cache, cfg.SyncInterval())
	coordinator := lifecycle.New(inviteStore, cache, client, resolver, lifecycle.Config{
		TrialPlan:        cfg.Invites.TrialPlan,
		TrialDays:        cfg.Invites.TrialDays,
		LinkBaseURL:      cfg.Invites.LinkBaseURL,
		LinkValidityDays: cfg.Invites.LinkValidityDays,
		RemoteTimeout:    cfg.RemoteTimeout(),
	})

	if err := fn(context.Background(), &adminEnv{coordinator: coordinator, resolver: resolver}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cliActor() lifecycle.Actor {
	name := os.Getenv("USER")
	if name == "" {
		name = "cli"
	}
	return lifecycle.Actor{ID: "cli", Name: name}
}
