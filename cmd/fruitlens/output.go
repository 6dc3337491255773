package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kalambet/fruitlens/internal/pipeline"
	"github.com/kalambet/fruitlens/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

// formatConfidence renders a probability as a percentage with two decimals.
func formatConfidence(c float64) string {
	return fmt.Sprintf("%.2f%%", c*100)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func statusColor(s storage.Status) string {
	switch s {
	case storage.StatusClassified, storage.StatusTrainingSample:
		return colorGreen
	case storage.StatusFailed:
		return colorRed
	}
	return colorYellow
}

// printOutcome writes a human-readable summary of a submission outcome.
func printOutcome(w io.Writer, out pipeline.Outcome) {
	sub := out.Submission
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Submission"), sub.ID)
	fmt.Fprintf(w, "  Status:     %s\n", colorize(statusColor(sub.Status), string(sub.Status)))
	fmt.Fprintf(w, "  Purpose:    %s\n", sub.Purpose)
	if sub.LastError != "" {
		fmt.Fprintf(w, "  Error:      %s\n", sub.LastError)
	}

	if r := out.Result; r != nil {
		fmt.Fprintf(w, "  Fruit:      %s\n", colorize(colorCyan, r.Label))
		fmt.Fprintf(w, "  Confidence: %s\n", formatConfidence(r.Confidence))
		fmt.Fprintf(w, "  Model:      %s\n", r.ModelVersion)
		if out.Uncertain {
			fmt.Fprintf(w, "  %s\n", colorize(colorYellow, "low confidence, consider confirming the label"))
		}
	}
	if d := out.Definition; d != nil && !d.Failed() {
		fmt.Fprintf(w, "  Definition: %s\n", d.Definition)
	} else if out.Degraded {
		fmt.Fprintf(w, "  Definition: %s\n", colorize(colorYellow, "unavailable"))
	}
	if s := out.LatestSample; s != nil {
		fmt.Fprintf(w, "  Confirmed:  %s (%s)\n", s.ConfirmedLabel, s.AddedAt.Format("2006-01-02 15:04"))
	}
}
