package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"civicphoto/internal/config"
	"civicphoto/internal/media/metadata"
	"civicphoto/internal/media/sniffer"
	"civicphoto/internal/media/transform"
	"civicphoto/internal/media/validator"
	"civicphoto/internal/models"
	"civicphoto/internal/pipeline"
)

type inspection struct {
	Outcome   validator.Outcome
	Before    metadata.Report
	After     metadata.Report
	Processed transform.ProcessedImage
	Original  int64
}

// inspectUpload runs the local stages of the pipeline. Nothing is sent to the
// moderation service or written to storage.
func inspectUpload(cfg *config.AppConfig, data []byte, filename, declaredMIME string, intent models.PhotoIntent) (inspection, error) {
	profiles, err := pipeline.ProfilesFromConfig(cfg.Pipeline.Intents)
	if err != nil {
		return inspection{}, err
	}
	profile, ok := profiles.Lookup(intent)
	if !ok {
		return inspection{}, fmt.Errorf("intent %s has no profile", intent)
	}

	if declaredMIME == "" {
		if sniffed, err := sniffer.DetectHead(data); err == nil {
			declaredMIME = sniffed.MIME
		} else {
			declaredMIME = mimetype.Detect(data).String()
		}
	}

	v := validator.New(validator.Limits{
		MinBytes:       cfg.Pipeline.MinUploadBytes,
		MaxBytes:       cfg.Pipeline.MaxUploadBytes,
		MinDimension:   cfg.Pipeline.MinDimension,
		MaxDimension:   cfg.Pipeline.MaxDimension,
		MaxFrames:      cfg.Pipeline.MaxFrames,
		MaxTotalPixels: cfg.Pipeline.MaxTotalPixels,
	})
	res := inspection{Original: int64(len(data))}
	res.Outcome = v.Validate(data, declaredMIME, filename)
	if !res.Outcome.OK {
		return res, nil
	}

	res.Before, _ = metadata.Inspect(data, res.Outcome.DetectedMIME)

	res.Processed, err = transform.New(cfg.Pipeline.WebPQuality, cfg.Pipeline.MaxTotalPixels).Transform(data, res.Outcome.DetectedMIME, transform.Options{MaxEdge: profile.MaxEdge})
	if err != nil {
		return res, err
	}
	res.After, err = metadata.Inspect(res.Processed.Data, res.Processed.MIME)
	if err != nil {
		return res, fmt.Errorf("inspect output: %w", err)
	}
	return res, nil
}

func (i inspection) print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if !i.Outcome.OK {
		fmt.Fprintf(tw, "validation\t%s\n", i.Outcome.Kind)
		fmt.Fprintf(tw, "message\t%s\n", i.Outcome.Message)
		if i.Outcome.DetectedMIME != "" {
			fmt.Fprintf(tw, "detected\t%s\n", i.Outcome.DetectedMIME)
		}
		return tw.Flush()
	}

	fmt.Fprintf(tw, "validation\tok (%s %dx%d)\n", i.Outcome.DetectedMIME, i.Outcome.Width, i.Outcome.Height)
	fmt.Fprintf(tw, "output\t%s %dx%d, %d frame(s)\n", i.Processed.MIME, i.Processed.Width, i.Processed.Height, i.Processed.Frames)
	fmt.Fprintf(tw, "size\t%d -> %d bytes\n", i.Original, i.Processed.Size())
	fmt.Fprintf(tw, "orientation\t%d\n", i.Before.Orientation)
	row := func(name string, before, after bool) {
		fmt.Fprintf(tw, "%s\t%s -> %s\n", name, presence(before), presence(after))
	}
	row("exif", i.Before.EXIF, i.After.EXIF)
	row("gps", i.Before.GPS, i.After.GPS)
	row("xmp", i.Before.XMP, i.After.XMP)
	row("icc", i.Before.ICC, i.After.ICC)
	row("iptc", i.Before.IPTC, i.After.IPTC)
	row("comment", i.Before.Comment, i.After.Comment)
	return tw.Flush()
}

func presence(v bool) string {
	if v {
		return "present"
	}
	return "absent"
}

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Validate and re-encode a local image, reporting which metadata is stripped",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rawIntent, _ := cmd.Flags().GetString("intent")
		intent, err := models.ParseIntent(rawIntent)
		if err != nil {
			return err
		}
		declared, _ := cmd.Flags().GetString("mime")
		out, _ := cmd.Flags().GetString("out")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}

		res, err := inspectUpload(cfg, data, filepath.Base(args[0]), declared, intent)
		if err != nil {
			return err
		}
		if err := res.print(cmd.OutOrStdout()); err != nil {
			return err
		}

		if out != "" && res.Outcome.OK {
			if err := os.WriteFile(out, res.Processed.Data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
		}
		return nil
	},
}

func init() {
	intents := make([]string, 0, len(models.KnownIntents()))
	for _, intent := range models.KnownIntents() {
		intents = append(intents, string(intent))
	}
	inspectCmd.Flags().String("intent", string(models.IntentPost), "photo intent whose profile applies ("+strings.Join(intents, ", ")+")")
	inspectCmd.Flags().String("mime", "", "declared content type (sniffed when empty)")
	inspectCmd.Flags().String("out", "", "write the processed image to this path")
	rootCmd.AddCommand(inspectCmd)
}
