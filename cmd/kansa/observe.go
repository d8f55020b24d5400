package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/harunnryd/kansa/internal/policy"
	"github.com/harunnryd/kansa/internal/store"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/spf13/cobra"
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Manage observed channels",
	Long:  `Edit the observe config shared with a running gateway. Changes take effect on the next message.`,
}

func policyStore() (*policy.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	dataDir, err := store.ResolveDataDir(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	return policy.NewStore(store.ObserveConfigPath(dataDir), store.FileLockConfigFrom(cfg.Store)), nil
}

// cliActor names the operator in lastActor, e.g. "cli:alice".
func cliActor(cmd *cobra.Command) string {
	if actor, _ := cmd.Flags().GetString("actor"); strings.TrimSpace(actor) != "" {
		return strings.TrimSpace(actor)
	}
	if user := os.Getenv("USER"); user != "" {
		return "cli:" + user
	}
	return "cli"
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "yes", "enable":
		return true, nil
	case "off", "false", "no", "disable":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

var observeEnableCmd = &cobra.Command{
	Use:   "enable <channel-id>",
	Short: "Start observing a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ps, err := policyStore()
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		entry, err := ps.EnableChannel(cmd.Context(), args[0], name, cliActor(cmd))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Observing %s (mode %s)\n", args[0], entry.Mode)
		return nil
	},
}

var observeToggleCmd = &cobra.Command{
	Use:   "toggle <channel-id>",
	Short: "Flip observation of a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ps, err := policyStore()
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		res, err := ps.ToggleChannel(cmd.Context(), args[0], name, cliActor(cmd))
		if err != nil {
			return err
		}
		if res.Enabled {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Observing %s (mode %s)\n", res.ChannelID, res.Entry.Mode)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Stopped observing %s\n", res.ChannelID)
		}
		return nil
	},
}

var observeDisableCmd = &cobra.Command{
	Use:   "disable <channel-id>",
	Short: "Stop observing a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ps, err := policyStore()
		if err != nil {
			return err
		}
		removed, err := ps.DisableChannel(cmd.Context(), args[0], cliActor(cmd))
		if err != nil {
			return err
		}
		if !removed {
			fmt.Fprintf(cmd.OutOrStdout(), "%s was not observed\n", args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Stopped observing %s\n", args[0])
		return nil
	},
}

var observeModeCmd = &cobra.Command{
	Use:   "mode <channel-id> [active|silent|training]",
	Short: "Show or set a channel's observe mode",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ps, err := policyStore()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			res, err := ps.ChannelMode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !res.Found {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not observed\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res.Mode)
			return nil
		}

		mode, ok := policy.ParseMode(args[1])
		if !ok {
			return fmt.Errorf("unknown mode %q (want active, silent or training)", args[1])
		}
		res, err := ps.SetChannelMode(cmd.Context(), args[0], mode, cliActor(cmd))
		if err != nil {
			return err
		}
		if !res.Found {
			return fmt.Errorf("%s is not observed; run 'kansa observe enable %s' first", args[0], args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s mode set to %s\n", args[0], res.Mode)
		return nil
	},
}

var observeReviewCmd = &cobra.Command{
	Use:   "review [channel-id|off]",
	Short: "Show or set the channel that receives review cards",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ps, err := policyStore()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			rc, err := ps.ReviewChannel(cmd.Context())
			if err != nil {
				return err
			}
			if !rc.Found {
				fmt.Fprintln(cmd.OutOrStdout(), "Review channel: not set")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Review channel: %s\n", channelLabel(rc.ID, rc.Name))
			return nil
		}

		id, name := args[0], ""
		if strings.EqualFold(id, "off") {
			id = ""
		} else {
			name, _ = cmd.Flags().GetString("name")
		}
		rc, err := ps.SetReviewChannel(cmd.Context(), id, name)
		if err != nil {
			return err
		}
		if !rc.Found {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Review channel cleared")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Review channel set to %s\n", channelLabel(rc.ID, rc.Name))
		return nil
	},
}

var observeTrainingCmd = &cobra.Command{
	Use:   "training <channel-id> <on|off>",
	Short: "Let other channels learn from this channel's memory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		ps, err := policyStore()
		if err != nil {
			return err
		}
		res, err := ps.SetCrossChannelTraining(cmd.Context(), args[0], enabled, cliActor(cmd))
		if err != nil {
			return err
		}
		if !res.Found {
			return fmt.Errorf("%s is not observed; run 'kansa observe enable %s' first", args[0], args[0])
		}
		if res.Enabled {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Cross-channel training on for %s (redaction %s)\n", args[0], res.Policy)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Cross-channel training off for %s\n", args[0])
		}
		return nil
	},
}

var observeRedactionCmd = &cobra.Command{
	Use:   "redaction <channel-id> <off|llm>",
	Short: "Set how shared memory is redacted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rp, ok := policy.ParseRedactionPolicy(args[1])
		if !ok {
			return fmt.Errorf("unknown redaction policy %q (want off or llm)", args[1])
		}
		ps, err := policyStore()
		if err != nil {
			return err
		}
		res, err := ps.SetRedactionPolicy(cmd.Context(), args[0], rp, cliActor(cmd))
		if err != nil {
			return err
		}
		if !res.Found {
			return fmt.Errorf("%s is not observed; run 'kansa observe enable %s' first", args[0], args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Redaction for %s set to %s\n", args[0], res.Policy)
		return nil
	},
}

var observeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every observed channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ps, err := policyStore()
		if err != nil {
			return err
		}
		doc, err := ps.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderStatus(doc))
		return nil
	},
}

func channelLabel(id, name string) string {
	if name == "" {
		return id
	}
	return fmt.Sprintf("#%s [%s]", name, id)
}

func renderStatus(doc policy.Document) string {
	var b strings.Builder
	if doc.ReviewChannelID != "" {
		fmt.Fprintf(&b, "Review channel: %s\n", channelLabel(doc.ReviewChannelID, doc.ReviewChannelName))
	} else {
		b.WriteString("Review channel: not set\n")
	}

	ids := make([]string, 0, len(doc.ObservedChannels))
	for id, entry := range doc.ObservedChannels {
		if entry.Enabled {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		b.WriteString("No observed channels.")
		return b.String()
	}
	sort.Strings(ids)

	purple := lipgloss.Color("99")
	headerStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(purple)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Channel", "Name", "Mode", "Training", "Redaction", "Last actor", "Updated")

	for _, id := range ids {
		entry := doc.ObservedChannels[id]
		training, redaction := "off", "-"
		if entry.CrossChannelTraining {
			training = "on"
			redaction = string(entry.RedactionPolicy)
		}
		updated := "-"
		if !entry.LastActorAt.IsZero() {
			updated = entry.LastActorAt.UTC().Format("2006-01-02 15:04")
		}
		t.Row(id, entry.ChannelName, string(entry.Mode), training, redaction, entry.LastActor, updated)
	}

	b.WriteString(t.String())
	return b.String()
}

func init() {
	for _, c := range []*cobra.Command{observeEnableCmd, observeToggleCmd, observeReviewCmd} {
		c.Flags().String("name", "", "channel display name")
	}
	for _, c := range []*cobra.Command{observeEnableCmd, observeToggleCmd, observeDisableCmd, observeModeCmd, observeTrainingCmd, observeRedactionCmd} {
		c.Flags().String("actor", "", "actor recorded as lastActor (default cli:$USER)")
	}

	observeCmd.AddCommand(
		observeEnableCmd,
		observeToggleCmd,
		observeDisableCmd,
		observeModeCmd,
		observeReviewCmd,
		observeTrainingCmd,
		observeRedactionCmd,
		observeStatusCmd,
	)
	rootCmd.AddCommand(observeCmd)
}
