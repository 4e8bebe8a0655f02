package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/peerlink/safety/internal/media"
	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/internal/perception"
	"github.com/peerlink/safety/internal/watermark"
)

// payloadView is a decoded watermark as printed by the CLI.
type payloadView struct {
	Found             bool   `json:"found" yaml:"found"`
	UserID            string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	PartnerID         string `json:"partner_id,omitempty" yaml:"partner_id,omitempty"`
	SessionID         string `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Timestamp         string `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	FrameNumber       uint64 `json:"frame_number,omitempty" yaml:"frame_number,omitempty"`
	IPHash            string `json:"ip_hash,omitempty" yaml:"ip_hash,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty" yaml:"device_fingerprint,omitempty"`
}

func viewOf(p models.WatermarkPayload, found bool) payloadView {
	if !found {
		return payloadView{}
	}
	return payloadView{
		Found:             true,
		UserID:            p.UserID,
		PartnerID:         p.PartnerID,
		SessionID:         p.SessionID,
		Timestamp:         p.Timestamp.Format(time.RFC3339Nano),
		FrameNumber:       p.FrameNumber,
		IPHash:            p.IPHash,
		DeviceFingerprint: p.DeviceFingerprint,
	}
}

func watermarkCmd() *cobra.Command {
	wm := &cobra.Command{Use: "watermark", Short: "Inspect and stamp forensic watermarks"}
	wm.AddCommand(watermarkExtractCmd())
	wm.AddCommand(watermarkStampCmd())
	return wm
}

func watermarkExtractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <image>",
		Short: "Decode the watermark from a lossless screenshot (png, webp)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			frame, err := readFrame(args[0])
			if err != nil {
				return err
			}
			v := viewOf(watermark.ExtractPayload(frame.Pix))
			return render(cmd.OutOrStdout(), v, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"Field", "Value"})
				if !v.Found {
					tw.AppendRow(table.Row{"found", false})
					return
				}
				tw.AppendRows([]table.Row{
					{"user_id", v.UserID},
					{"partner_id", v.PartnerID},
					{"session_id", v.SessionID},
					{"timestamp", v.Timestamp},
					{"frame_number", v.FrameNumber},
					{"ip_hash", v.IPHash},
					{"device_fingerprint", v.DeviceFingerprint},
				})
			})
		},
	}
}

func watermarkStampCmd() *cobra.Command {
	var p models.WatermarkPayload
	var out string
	cmd := &cobra.Command{
		Use:   "stamp <image>",
		Short: "Embed a watermark into an image and write it as PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.UserID == "" || p.SessionID == "" {
				return fmt.Errorf("--user and --session are required")
			}
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			frame, err := readFrame(args[0])
			if err != nil {
				return err
			}
			p.Timestamp = time.Now().UTC()
			stamped, err := watermark.EmbedPayload(frame, p)
			if err != nil {
				return fmt.Errorf("embed: %w", err)
			}
			png, err := perception.EncodePNG(stamped)
			if err != nil {
				return fmt.Errorf("encode: %w", err)
			}
			if err := os.WriteFile(out, png, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stamped %dx%d frame into %s\n", stamped.Width, stamped.Height, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&p.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&p.PartnerID, "partner", "", "partner id")
	cmd.Flags().StringVar(&p.SessionID, "session", "", "session id")
	cmd.Flags().Uint64Var(&p.FrameNumber, "frame", 0, "frame number")
	cmd.Flags().StringVar(&out, "out", "", "output PNG path")
	return cmd
}

func readFrame(path string) (*models.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	frame, err := media.DecodeImageExact(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return frame, nil
}
