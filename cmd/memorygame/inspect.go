package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/memorygame/internal/sequence"
)

var (
	inspectBlock     int
	inspectPositions bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <track.json | sequence dir>",
	Short: "Summarize sequence tracks",
	Long: `Print the composition of each block of one track or of every track in a
directory, with repeat distances. With --block, print a single block of a
single track trial by trial.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().IntVar(&inspectBlock, "block", -1, "print this block of the track trial by trial")
	inspectCmd.Flags().BoolVar(&inspectPositions, "positions", false, "print the repeat probability per trial position")
}

func runInspect(cmd *cobra.Command, args []string) error {
	tracks, err := loadTracks(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if inspectBlock >= 0 {
		if len(tracks) != 1 {
			return fmt.Errorf("--block needs a single track file, got %d tracks", len(tracks))
		}
		for _, t := range tracks {
			return printBlock(out, t, inspectBlock)
		}
	}

	exp, err := loadExperiment()
	if err != nil {
		return err
	}
	report := sequence.Analyze(tracks, exp.Server.ConditionLabels.RepeatTrials)
	if err := printReport(out, report); err != nil {
		return err
	}
	if inspectPositions {
		return printPositions(out, report)
	}
	return nil
}

// loadTracks reads one track file, or every track in a directory keyed by base name.
func loadTracks(path string) (map[string]*sequence.Track, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		t, err := sequence.Load(path)
		if err != nil {
			return nil, err
		}
		return map[string]*sequence.Track{filepath.Base(path): t}, nil
	}

	names, err := sequence.List(path)
	if err != nil {
		return nil, err
	}
	tracks := make(map[string]*sequence.Track, len(names))
	for _, name := range names {
		t, err := sequence.Load(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}
		tracks[name] = t
	}
	return tracks, nil
}

func printBlock(w io.Writer, t *sequence.Track, block int) error {
	images, types, err := t.Block(block)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIAL\tIMAGE\tTYPE")
	for i, img := range images {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", i, img, types[i])
	}
	return tw.Flush()
}

func printReport(w io.Writer, r sequence.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRACK\tBLOCK\tTRIALS\tLABELS\tTARGET DIST\tVIG DIST")
	for _, b := range r.Blocks {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n",
			b.Track, b.Block, b.NumTrials, formatCounts(b.Counts),
			formatDistances(b.TargetDistances), formatDistances(b.VigDistances))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d tracks, %d blocks\n", r.NumTracks, len(r.Blocks))
	fmt.Fprintf(w, "target repeat distance: %s\n", formatDistances(r.TargetDistances))
	fmt.Fprintf(w, "vig repeat distance: %s\n", formatDistances(r.VigDistances))
	return nil
}

func printPositions(w io.Writer, r sequence.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nPOSITION\tP(REPEAT)")
	for p, prob := range r.RepeatProbability {
		fmt.Fprintf(tw, "%d\t%.3f\n", p, prob)
	}
	return tw.Flush()
}

func formatCounts(counts map[string]int) string {
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%d", l, counts[l])
	}
	return strings.Join(parts, " ")
}

func formatDistances(d sequence.DistanceStats) string {
	if d.N == 0 {
		return "-"
	}
	return fmt.Sprintf("n=%d mean=%.1f min=%d max=%d", d.N, d.Mean, d.Min, d.Max)
}
