package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/peerlink/safety/config"
	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/internal/reputation"
	"github.com/peerlink/safety/pkg/database"
)

// tierBand is one contiguous score range of a tier.
type tierBand struct {
	Tier     models.Tier `json:"tier" yaml:"tier"`
	MinScore int         `json:"min_score" yaml:"min_score"`
	MaxScore int         `json:"max_score" yaml:"max_score"`
	Stars    int         `json:"stars" yaml:"stars"`
	CanMatch bool        `json:"can_match" yaml:"can_match"`
}

// tierBands walks the score range and groups consecutive scores by tier, highest first.
// floor is the minimum score allowed into matchmaking.
func tierBands(floor int) []tierBand {
	var out []tierBand
	for s := reputation.MaxScore; s >= reputation.MinScore; s-- {
		t := reputation.Classify(s)
		if n := len(out); n > 0 && out[n-1].Tier == t {
			out[n-1].MinScore = s
			out[n-1].CanMatch = out[n-1].CanMatch || s >= floor
			continue
		}
		out = append(out, tierBand{Tier: t, MinScore: s, MaxScore: s, Stars: reputation.Stars(s), CanMatch: s >= floor})
	}
	return out
}

func tiersCmd() *cobra.Command {
	var floor int
	cmd := &cobra.Command{
		Use:   "tiers",
		Short: "Show reputation tiers and their score bands",
		RunE: func(cmd *cobra.Command, args []string) error {
			bands := tierBands(floor)
			return render(cmd.OutOrStdout(), bands, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"Tier", "Scores", "Stars", "Can match"})
				for _, b := range bands {
					tw.AppendRow(table.Row{b.Tier, fmt.Sprintf("%d-%d", b.MinScore, b.MaxScore), strings.Repeat("*", b.Stars), b.CanMatch})
				}
				tw.SetCaption("match floor %d", floor)
			})
		},
	}
	cmd.Flags().IntVar(&floor, "floor", reputation.DefaultMatchFloor, "matchmaking score floor")
	return cmd
}

// scoreView is a reputation record as printed by the CLI.
type scoreView struct {
	UserID         string          `json:"user_id" yaml:"user_id"`
	Score          int             `json:"score" yaml:"score"`
	Tier           models.Tier     `json:"tier" yaml:"tier"`
	Stars          int             `json:"stars" yaml:"stars"`
	TotalCalls     int             `json:"total_calls" yaml:"total_calls"`
	CompletedCalls int             `json:"completed_calls" yaml:"completed_calls"`
	Reports        int             `json:"reports_received" yaml:"reports_received"`
	Confirmed      int             `json:"reports_confirmed" yaml:"reports_confirmed"`
	Badges         []string        `json:"badges" yaml:"badges"`
	History        []historyRecord `json:"history" yaml:"history"`
}

type historyRecord struct {
	At     string `json:"at" yaml:"at"`
	Change int    `json:"change" yaml:"change"`
	Reason string `json:"reason" yaml:"reason"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

func scoreViewOf(rec *models.ReputationRecord, historyLimit int) scoreView {
	v := scoreView{
		UserID:         rec.UserID,
		Score:          rec.CurrentScore,
		Tier:           rec.Tier,
		Stars:          reputation.Stars(rec.CurrentScore),
		TotalCalls:     rec.TotalCalls,
		CompletedCalls: rec.CompletedCalls,
		Reports:        rec.ReportsReceived,
		Confirmed:      rec.ReportsConfirmed,
	}
	for b, ok := range rec.Badges {
		if ok {
			v.Badges = append(v.Badges, b)
		}
	}
	sort.Strings(v.Badges)
	history := rec.History
	if historyLimit >= 0 && len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	for _, h := range history {
		v.History = append(v.History, historyRecord{
			At:     h.Timestamp.Format(time.RFC3339),
			Change: h.Change,
			Reason: h.Reason,
			Detail: h.Detail,
		})
	}
	return v
}

func scoreCmd() *cobra.Command {
	var history int
	cmd := &cobra.Command{
		Use:   "score <user_id>",
		Short: "Look up a user's reputation in the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), zap.NewNop())
			if err != nil {
				return err
			}
			defer pool.Close()

			rec, err := reputation.NewRepository(pool).Get(ctx, args[0])
			if err != nil {
				return err
			}
			if rec == nil {
				rec = reputation.NewRecord(args[0], time.Now())
			}
			v := scoreViewOf(rec, history)
			return render(cmd.OutOrStdout(), v, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"When", "Change", "Reason", "Detail"})
				for _, h := range v.History {
					tw.AppendRow(table.Row{h.At, fmt.Sprintf("%+d", h.Change), h.Reason, h.Detail})
				}
				tw.AppendFooter(table.Row{"score", v.Score, v.Tier, strings.Join(v.Badges, ",")})
			})
		},
	}
	cmd.Flags().IntVar(&history, "history", 20, "number of most recent history entries to show (-1 for all)")
	return cmd
}
