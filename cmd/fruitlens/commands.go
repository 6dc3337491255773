package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/fruitlens/internal/config"
	"github.com/kalambet/fruitlens/internal/dictionary"
	"github.com/kalambet/fruitlens/internal/pipeline"
	"github.com/kalambet/fruitlens/internal/storage"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <image>",
	Short: "Classify a fruit photo, or store it as a training sample",
	Long: `Upload a JPEG, PNG or GIF image.

Examples:
  fruitlens submit ./banana.jpg
  fruitlens submit --train --label mango ./IMG_0042.png`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		train, _ := cmd.Flags().GetBool("train")
		label, _ := cmd.Flags().GetString("label")
		asJSON, _ := cmd.Flags().GetBool("json")
		if train && label == "" {
			return fmt.Errorf("--label is required with --train")
		}
		if !train && label != "" {
			return fmt.Errorf("--label only applies with --train")
		}

		image, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading image: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSubmit(cmd.Context(), client, cmd.OutOrStdout(), args[0], image, train, label, asJSON)
	},
}

func runSubmit(ctx context.Context, c *apiClient, w io.Writer, filename string, image []byte, train bool, label string, asJSON bool) error {
	purpose := string(storage.PurposeClassify)
	if train {
		purpose = string(storage.PurposeTrain)
	}
	resp, err := c.upload(ctx, "/submissions", filename, image, map[string]string{
		"purpose": purpose,
		"label":   label,
	})
	if err != nil {
		return err
	}

	var out pipeline.Outcome
	if err := decodeJSON(resp, &out); err != nil {
		// a failed classification still names the stored submission
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			var failed struct {
				Submission storage.Submission `json:"submission"`
			}
			if json.Unmarshal(apiErr.Body, &failed) == nil && failed.Submission.ID != "" {
				printOutcome(w, pipeline.Outcome{Submission: failed.Submission})
				fmt.Fprintf(w, "  Retry with: fruitlens retry %s\n", failed.Submission.ID)
			}
		}
		return err
	}
	return writeOutcome(w, out, asJSON)
}

func writeOutcome(w io.Writer, out pipeline.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printOutcome(w, out)
	return nil
}

func init() {
	submitCmd.Flags().Bool("train", false, "store the image as a training sample instead of classifying it")
	submitCmd.Flags().String("label", "", "confirmed fruit label (requires --train)")
	submitCmd.Flags().Bool("json", false, "print the raw JSON outcome")
}

// --- result / retry ---

var resultCmd = &cobra.Command{
	Use:   "result <id>",
	Short: "Show the status and classification of a submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runResult(cmd.Context(), client, cmd.OutOrStdout(), args[0], asJSON)
	},
}

func runResult(ctx context.Context, c *apiClient, w io.Writer, id string, asJSON bool) error {
	resp, err := c.get(ctx, "/submissions/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	var out pipeline.Outcome
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	return writeOutcome(w, out, asJSON)
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Classify a failed submission again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runRetry(cmd.Context(), client, cmd.OutOrStdout(), args[0])
	},
}

func runRetry(ctx context.Context, c *apiClient, w io.Writer, id string) error {
	resp, err := c.post(ctx, "/submissions/"+url.PathEscape(id)+"/retry", nil)
	if err != nil {
		return err
	}
	var out pipeline.Outcome
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	printOutcome(w, out)
	return nil
}

func init() {
	resultCmd.Flags().Bool("json", false, "print the raw JSON outcome")
}

// --- confirm ---

var confirmCmd = &cobra.Command{
	Use:   "confirm <id> <label>",
	Short: "Record the correct fruit for a submission",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runConfirm(cmd.Context(), client, args[0], args[1])
	},
}

func runConfirm(ctx context.Context, c *apiClient, id, label string) error {
	resp, err := c.post(ctx, "/submissions/"+url.PathEscape(id)+"/labels", map[string]string{"label": label})
	if err != nil {
		return err
	}
	var sample storage.TrainingSample
	if err := decodeJSON(resp, &sample); err != nil {
		return err
	}
	printSuccess("Recorded %s as %s (sample %s)", shortID(id), sample.ConfirmedLabel, shortID(sample.ID))
	return nil
}

// --- define ---

var defineCmd = &cobra.Command{
	Use:   "define <term>",
	Short: "Look up a dictionary definition of a fruit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runDefine(cmd.Context(), client, cmd.OutOrStdout(), args[0])
	},
}

func runDefine(ctx context.Context, c *apiClient, w io.Writer, term string) error {
	resp, err := c.get(ctx, "/definitions/"+url.PathEscape(term))
	if err != nil {
		return err
	}
	var entry dictionary.Entry
	if err := decodeJSON(resp, &entry); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %s\n", colorize(colorBold, entry.Term), entry.Definition)
	return nil
}

// --- submissions ---

var submissionsCmd = &cobra.Command{
	Use:   "submissions",
	Short: "Browse and manage submissions",
}

var submissionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSubmissionsList(cmd.Context(), client, cmd.OutOrStdout(), status, limit, offset)
	},
}

func runSubmissionsList(ctx context.Context, c *apiClient, w io.Writer, status string, limit, offset int) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if status != "" {
		q.Set("status", status)
	}
	resp, err := c.get(ctx, "/submissions?"+q.Encode())
	if err != nil {
		return err
	}

	var subs []storage.Submission
	if err := decodeJSON(resp, &subs); err != nil {
		return err
	}
	if len(subs) == 0 {
		fmt.Fprintln(w, "No submissions found.")
		return nil
	}
	for _, s := range subs {
		fmt.Fprintf(w, "%s  %s  %-8s  %s\n",
			colorize(colorCyan, shortID(s.ID)),
			s.SubmittedAt.Format("2006-01-02 15:04:05"),
			s.Purpose,
			colorize(statusColor(s.Status), string(s.Status)),
		)
	}
	return nil
}

var submissionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a submission that no training sample depends on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/submissions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted submission %s", args[0])
		return nil
	},
}

func init() {
	submissionsListCmd.Flags().String("status", "", "only list submissions in this status (pending, classified, failed, training-sample)")
	submissionsListCmd.Flags().Int("limit", 20, "maximum number of submissions to list")
	submissionsListCmd.Flags().Int("offset", 0, "number of submissions to skip")
	submissionsCmd.AddCommand(submissionsListCmd)
	submissionsCmd.AddCommand(submissionsDeleteCmd)
}

// --- samples ---

var samplesCmd = &cobra.Command{
	Use:   "samples",
	Short: "Browse confirmed training samples",
}

var samplesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List training samples, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSamplesList(cmd.Context(), client, cmd.OutOrStdout(), limit, offset)
	},
}

func runSamplesList(ctx context.Context, c *apiClient, w io.Writer, limit, offset int) error {
	resp, err := c.get(ctx, fmt.Sprintf("/samples?limit=%d&offset=%d", limit, offset))
	if err != nil {
		return err
	}
	var samples []storage.TrainingSample
	if err := decodeJSON(resp, &samples); err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(w, "No training samples found.")
		return nil
	}
	for _, s := range samples {
		fmt.Fprintf(w, "%s  %s  %s  %s\n",
			colorize(colorCyan, shortID(s.ID)),
			s.AddedAt.Format("2006-01-02 15:04:05"),
			shortID(s.SubmissionID),
			s.ConfirmedLabel,
		)
	}
	return nil
}

func init() {
	samplesListCmd.Flags().Int("limit", 20, "maximum number of samples to list")
	samplesListCmd.Flags().Int("offset", 0, "number of samples to skip")
	samplesCmd.AddCommand(samplesListCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		path := configFile
		if path == "" {
			path = config.FilePath()
		}
		fmt.Fprintf(w, "# %s\n", path)
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value. Secret keys (API keys, passwords) are written
to the secrets file instead of config.yaml. An empty value removes the key.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
