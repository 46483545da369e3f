package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmerrifield20/NexusTrustCore/internal/auditledger"
	"github.com/jmerrifield20/NexusTrustCore/internal/governance"
	"github.com/jmerrifield20/NexusTrustCore/pkg/client"
	"github.com/spf13/cobra"
)

// ── head ─────────────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head",
	Short: "Show the current Merkle root and tree size",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		head, err := c.TreeHead(cmd.Context())
		if err != nil {
			return err
		}
		return render(head, func(w io.Writer) {
			fmt.Fprintf(w, "ROOT\t%s\n", orDash(head.RootHash))
			fmt.Fprintf(w, "TREE SIZE\t%d\n", head.TreeSize)
			fmt.Fprintf(w, "LAST UPDATED\t%s\n", formatTime(head.LastUpdated))
		})
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <event-id> [event-id] ...",
	Short: "Verify the inclusion proof of one or more audit events",
	Long: `Verify recomputes each event's leaf hash and its root from the stored
proof path on the server. The command exits non-zero if any event fails.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		results := make([]*auditledger.VerificationResult, 0, len(args))
		failed := 0
		for _, id := range args {
			res, err := c.VerifyEvent(cmd.Context(), id)
			if errors.Is(err, client.ErrNotFound) {
				res = &auditledger.VerificationResult{EventID: id, Reason: auditledger.ReasonNotFound}
			} else if err != nil {
				return err
			}
			if !res.Valid {
				failed++
			}
			results = append(results, res)
		}

		if err := render(results, func(w io.Writer) {
			fmt.Fprintln(w, "EVENT\tVALID\tTREE SIZE\tREASON")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%t\t%d\t%s\n", r.EventID, r.Valid, r.TreeSize, orDash(r.Reason))
			}
		}); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d events failed verification", failed, len(args))
		}
		return nil
	},
}

// ── events ───────────────────────────────────────────────────────────────────

var (
	eventsEntity string
	eventsType   string
	eventsActor  string
	eventsSince  time.Duration
	eventsLimit  int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Search audit events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		events, err := c.FindEvents(cmd.Context(), eventQuery())
		if err != nil {
			return err
		}
		return render(events, func(w io.Writer) { printEvents(w, events) })
	},
}

func init() {
	for _, cmd := range []*cobra.Command{eventsCmd, exportCmd} {
		cmd.Flags().StringVar(&eventsEntity, "entity", "", "Filter by entity ID")
		cmd.Flags().StringVar(&eventsType, "type", "", "Filter by event type (e.g. SECURITY_EVENT)")
		cmd.Flags().StringVar(&eventsActor, "actor", "", "Filter by actor ID")
		cmd.Flags().DurationVar(&eventsSince, "since", 0, "Only events newer than this (e.g. 24h)")
		cmd.Flags().IntVar(&eventsLimit, "limit", 0, "Maximum number of events (server default when 0)")
	}
}

func eventQuery() client.EventQuery {
	q := client.EventQuery{
		EntityID:  eventsEntity,
		EventType: eventsType,
		ActorID:   eventsActor,
		Limit:     eventsLimit,
	}
	if eventsSince > 0 {
		q.Start = time.Now().Add(-eventsSince)
	}
	return q
}

func printEvents(w io.Writer, events []*auditledger.AuditEvent) {
	fmt.Fprintln(w, "EVENT ID\tTIMESTAMP\tTYPE\tENTITY\tACTOR\tSEVERITY\tTREE SIZE")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			e.EventID, formatTime(e.Timestamp), e.EventType, e.EntityID, e.ActorID,
			e.Metadata.Severity, e.MerkleProof.TreeSize)
	}
}

// ── trail ────────────────────────────────────────────────────────────────────

var trailLimit int

var trailCmd = &cobra.Command{
	Use:   "trail <entity-id>",
	Short: "Show the most recent audit events of one entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		events, err := c.EntityTrail(cmd.Context(), args[0], trailLimit)
		if err != nil {
			return err
		}
		return render(events, func(w io.Writer) { printEvents(w, events) })
	},
}

func init() {
	trailCmd.Flags().IntVar(&trailLimit, "limit", 20, "Maximum number of events")
}

// ── export ───────────────────────────────────────────────────────────────────

type exportDocument struct {
	ExportedAt time.Time                 `json:"exported_at"`
	TreeHead   *auditledger.TreeHead     `json:"tree_head"`
	Events     []*auditledger.AuditEvent `json:"events"`
}

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the tree head and matching events with their proofs",
	Long: `Export writes a document holding the current tree head and the
selected events, each with its embedded Merkle proof, for offline archiving.
Use --format json or --format yaml; text is treated as json.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		head, err := c.TreeHead(ctx)
		if err != nil {
			return err
		}
		events, err := c.FindEvents(ctx, eventQuery())
		if err != nil {
			return err
		}
		doc := exportDocument{ExportedAt: time.Now().UTC(), TreeHead: head, Events: events}

		out := io.Writer(os.Stdout)
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOut, err)
			}
			defer f.Close()
			out = f
		}
		if outputFormat == "yaml" {
			return writeYAML(out, doc)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "Write to this file instead of stdout")
}

// ── log ──────────────────────────────────────────────────────────────────────

var (
	logEntity    string
	logType      string
	logActor     string
	logData      string
	logSeverity  string
	logRetention int
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Record a governance action (requires an admin token)",
	Long: `Log appends an audit event and applies its trust effects:

  trustctl log --entity agent-7 --type TRUST_VERIFICATION --actor verifier-1 \
      --data '{"succeeded": true}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := governance.Action{
			EntityID:  logEntity,
			EventType: auditledger.EventType(logType),
			ActorID:   logActor,
		}
		if logData != "" {
			if err := json.Unmarshal([]byte(logData), &a.Data); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}
		if logSeverity != "" || logRetention != 0 {
			a.Metadata = &auditledger.Metadata{
				Severity:      auditledger.Severity(logSeverity),
				RetentionDays: logRetention,
			}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		out, err := c.RecordAction(cmd.Context(), a)
		if err != nil {
			return err
		}
		return render(out, func(w io.Writer) {
			fmt.Fprintf(w, "EVENT ID\t%s\n", out.Event.EventID)
			fmt.Fprintf(w, "ROOT\t%s\n", out.Event.MerkleProof.RootHash)
			fmt.Fprintf(w, "TREE SIZE\t%d\n", out.Event.MerkleProof.TreeSize)
			if out.Record != nil {
				fmt.Fprintf(w, "TRUST SCORE\t%.4f\n", out.Record.TrustScore)
			}
			for _, al := range out.Alerts {
				fmt.Fprintf(w, "ALERT\t%s %s %.4f < %.4f\n", al.Level, al.MetricType, al.Value, al.Threshold)
			}
		})
	},
}

func init() {
	logCmd.Flags().StringVar(&logEntity, "entity", "", "Entity ID (required)")
	logCmd.Flags().StringVar(&logType, "type", "", "Event type (required)")
	logCmd.Flags().StringVar(&logActor, "actor", "", "Actor ID (required)")
	logCmd.Flags().StringVar(&logData, "data", "", "Event data as a JSON object")
	logCmd.Flags().StringVar(&logSeverity, "severity", "", "INFO, LOW, MEDIUM or HIGH")
	logCmd.Flags().IntVar(&logRetention, "retention-days", 0, "Retention period in days")
	_ = logCmd.MarkFlagRequired("entity")
	_ = logCmd.MarkFlagRequired("type")
	_ = logCmd.MarkFlagRequired("actor")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
