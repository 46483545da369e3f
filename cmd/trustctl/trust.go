package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jmerrifield20/NexusTrustCore/internal/identity"
	"github.com/jmerrifield20/NexusTrustCore/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ── entity ───────────────────────────────────────────────────────────────────

var entityCmd = &cobra.Command{
	Use:   "entity <entity-id>",
	Short: "Show an entity's trust score and dimensions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rec, err := c.Entity(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(rec, func(w io.Writer) {
			fmt.Fprintf(w, "ENTITY\t%s\n", rec.EntityID)
			fmt.Fprintf(w, "TRUST SCORE\t%.4f\n", rec.TrustScore)
			fmt.Fprintf(w, "LAST UPDATED\t%s\n", formatTime(rec.LastUpdated))
			dims := make([]string, 0, len(rec.Dimensions))
			for d := range rec.Dimensions {
				dims = append(dims, d)
			}
			sort.Strings(dims)
			for _, d := range dims {
				fmt.Fprintf(w, "  %s\t%.4f\n", d, rec.Dimensions[d])
			}
		})
	},
}

// ── alerts ───────────────────────────────────────────────────────────────────

var (
	alertsEntity string
	alertsLevel  string
	alertsOpen   bool
	alertsLimit  int
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List trust alerts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		q := client.AlertQuery{EntityID: alertsEntity, Level: alertsLevel, Limit: alertsLimit}
		if alertsOpen {
			unresolved := false
			q.Resolved = &unresolved
		}
		alerts, err := c.Alerts(cmd.Context(), q)
		if err != nil {
			return err
		}
		return render(alerts, func(w io.Writer) {
			fmt.Fprintln(w, "ALERT ID\tRAISED\tLEVEL\tENTITY\tMETRIC\tVALUE\tTHRESHOLD\tRESOLVED")
			for _, a := range alerts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.4f\t%.4f\t%t\n",
					a.AlertID, formatTime(a.Timestamp), a.Level, a.EntityID, a.MetricType,
					a.Value, a.Threshold, a.Resolved)
			}
		})
	},
}

func init() {
	alertsCmd.Flags().StringVar(&alertsEntity, "entity", "", "Filter by entity ID")
	alertsCmd.Flags().StringVar(&alertsLevel, "level", "", "Filter by level: critical or warning")
	alertsCmd.Flags().BoolVar(&alertsOpen, "open", false, "Only unresolved alerts")
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 50, "Maximum number of alerts")
	alertsCmd.AddCommand(alertStatsCmd)
}

var alertStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show alert counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.AlertStats(cmd.Context())
		if err != nil {
			return err
		}
		return render(st, func(w io.Writer) {
			fmt.Fprintf(w, "TOTAL\t%d\n", st.Total)
			fmt.Fprintf(w, "UNRESOLVED\t%d\n", st.Unresolved)
			for level, n := range st.ByLevel {
				fmt.Fprintf(w, "  %s\t%d\n", level, n)
			}
		})
	},
}

// ── resolve ──────────────────────────────────────────────────────────────────

var resolveCmd = &cobra.Command{
	Use:   "resolve <alert-id> [alert-id] ...",
	Short: "Resolve alerts manually (requires an admin token)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		for _, id := range args {
			if err := c.ResolveAlert(cmd.Context(), id); err != nil {
				return fmt.Errorf("resolve %s: %w", id, err)
			}
			fmt.Printf("resolved %s\n", id)
		}
		return nil
	},
}

// ── config ───────────────────────────────────────────────────────────────────

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the live trust metrics configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		cfg, err := c.Config(cmd.Context())
		if err != nil {
			return err
		}
		if outputFormat == "text" {
			outputFormat = "yaml"
		}
		return render(cfg, nil)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <json-patch>",
	Short: "Deep-merge a partial config into the live configuration (requires an admin token)",
	Long: `Set sends a partial configuration that the engine deep-merges into its
live configuration. The merged result is validated before it is applied:

  trustctl config set '{"dimension_weights": {"verification": 2}}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch map[string]any
		if err := json.Unmarshal([]byte(args[0]), &patch); err != nil {
			return fmt.Errorf("patch must be a JSON object: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		cfg, err := c.PatchConfig(cmd.Context(), patch)
		if err != nil {
			return err
		}
		if outputFormat == "text" {
			outputFormat = "yaml"
		}
		return render(cfg, nil)
	},
}

func init() {
	configCmd.AddCommand(configSetCmd)
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSubject string
	tokenIssuer  string
	tokenTTL     time.Duration
	tokenScopes  []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin token from the shared secret",
	Long: `Token signs an admin token locally with the secret trustd is configured
with (admin.token_secret, or TRUSTCTL_ADMIN_TOKEN_SECRET). Store the result
in TRUSTCTL_TOKEN or the "token" config key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("admin.token_secret")
		if secret == "" {
			return fmt.Errorf("admin.token_secret is not configured")
		}
		issuer, err := identity.NewAdminTokenIssuer(secret, tokenIssuer, tokenTTL)
		if err != nil {
			return err
		}
		tok, err := issuer.Issue(tokenSubject, tokenScopes)
		if err != nil {
			return err
		}
		return render(map[string]any{
			"token":      tok,
			"subject":    tokenSubject,
			"scopes":     tokenScopes,
			"expires_in": int(issuer.TTL().Seconds()),
		}, func(w io.Writer) {
			fmt.Fprintln(w, tok)
		})
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "trustctl", "Token subject")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "trustd", "Issuer; must match trustd's admin.token_issuer")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{identity.ScopeAdmin}, "Scopes to grant")
}
