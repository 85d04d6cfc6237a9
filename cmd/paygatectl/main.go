package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"paygate/internal/config"
	"paygate/internal/entitlement"
	"paygate/internal/identity"
	"paygate/internal/logging"
	"paygate/internal/notify"
	"paygate/internal/profile"
	"paygate/internal/store"
)

var Version = "dev"

var (
	configPath string
	cfg        config.Config
	logger     zerolog.Logger

	classifyAt  string
	setTier     string
	setStatus   string
	setTrialEnd string
)

var rootCmd = &cobra.Command{
	Use:           "paygatectl",
	Short:         "Operator tooling for the paygate entitlement service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = os.Getenv("PAYGATE_CONFIG")
		}
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		cfg = loaded
		logger = logging.Setup(cfg.Log.Level, "console")
		return nil
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <actor-id>",
	Short: "Print the entitlement state of an actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		if classifyAt != "" {
			at, err := time.Parse(time.RFC3339, classifyAt)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			now = at
		}
		st, err := store.Open(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := st.ReadSubscription(cmd.Context(), args[0])
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		policy := entitlement.Policy{StatusWinsOverTrial: cfg.Entitlement.StatusWinsOverTrial}
		fmt.Fprintln(cmd.OutOrStdout(), policy.Classify(rec, now))
		return nil
	},
}

var setSubscriptionCmd = &cobra.Command{
	Use:   "set-subscription <actor-id>",
	Short: "Write a subscription record and announce the change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := buildRecord(args[0], setTier, setStatus, setTrialEnd)
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.UpsertSubscription(cmd.Context(), rec); err != nil {
			return err
		}
		if err := withBus(func(bus *notify.Bus) error {
			return bus.PublishRecordChanged(cmd.Context(), profile.FullUpdate(rec))
		}); err != nil {
			logger.Warn().Err(err).Str("actor_id", rec.ActorID).Msg("record stored but change not published")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", rec.ActorID)
		return nil
	},
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token <actor-id>",
	Short: "Mint a session token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.Dev.Mode {
			return errors.New("issue-token is only available in dev mode")
		}
		token, session, err := identity.NewIssuer(cfg).Issue(args[0])
		if err != nil {
			return err
		}
		logger.Info().Str("actor_id", session.ActorID).Time("expires_at", session.ExpiresAt).Msg("issued session token")
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var revokeSessionCmd = &cobra.Command{
	Use:   "revoke-session <actor-id>",
	Short: "Sign out every open stream for an actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBus(func(bus *notify.Bus) error {
			return bus.PublishSessionRevoked(cmd.Context(), args[0], time.Now().UTC())
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default: $PAYGATE_CONFIG)")
	classifyCmd.Flags().StringVar(&classifyAt, "at", "", "Classify at this RFC3339 instant instead of now")
	setSubscriptionCmd.Flags().StringVar(&setTier, "tier", "", "free, starter, pro or enterprise")
	setSubscriptionCmd.Flags().StringVar(&setStatus, "status", "", "active, trialing, canceled, past_due or unpaid")
	setSubscriptionCmd.Flags().StringVar(&setTrialEnd, "trial-end", "", "Trial end as RFC3339")
	rootCmd.AddCommand(classifyCmd, setSubscriptionCmd, issueTokenCmd, revokeSessionCmd)
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func withBus(fn func(bus *notify.Bus) error) error {
	if cfg.Redis.URL == "" {
		return errors.New("redis url not configured")
	}
	bus, err := notify.New(cfg.Redis.URL, logger)
	if err != nil {
		return err
	}
	defer bus.Close()
	return fn(bus)
}

// buildRecord validates flag input. Unknown tier or status spellings are
// rejected rather than stored as absent.
func buildRecord(actorID, tier, status, trialEnd string) (entitlement.SubscriptionRecord, error) {
	rec := entitlement.SubscriptionRecord{ActorID: strings.TrimSpace(actorID), UpdatedAt: time.Now().UTC()}
	if rec.ActorID == "" {
		return rec, errors.New("actor id is required")
	}
	if tier != "" {
		rec.Tier = entitlement.NormalizeTier(tier)
		if rec.Tier == "" {
			return rec, fmt.Errorf("unknown tier %q", tier)
		}
	}
	if status != "" {
		rec.Status = entitlement.NormalizeStatus(status)
		if rec.Status == "" {
			return rec, fmt.Errorf("unknown status %q", status)
		}
	}
	if trialEnd != "" {
		end, err := time.Parse(time.RFC3339, trialEnd)
		if err != nil {
			return rec, fmt.Errorf("--trial-end: %w", err)
		}
		end = end.UTC()
		rec.TrialEnd = &end
	}
	return rec, nil
}
