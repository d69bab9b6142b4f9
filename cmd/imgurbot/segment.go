package main

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/ImgurBot/internal/segment"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func segmentCmd(a *app) *cobra.Command {
	var maxLength int
	cmd := &cobra.Command{
		Use:   "segment [text]",
		Short: "Preview how a text is split into comments",
		Long: `Split text into the chunks the bot would post, each within the
length limit and carrying an index marker when there is more than one.
Text is read from stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			if maxLength == 0 {
				maxLength = a.cfg.MaxUnitLength
			}
			chunks, err := segment.Segment(text, maxLength)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range chunks {
				label := color.New(color.FgCyan).Sprintf("[%d/%d]", c.SequenceIndex+1, c.TotalChunks)
				fmt.Fprintf(out, "%s (%d chars) %s\n", label, utf8.RuneCountInString(c.Body), c.Body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxLength, "max-length", 0, "maximum characters per chunk (default $IMGURBOT_MAX_UNIT_LENGTH)")
	return cmd
}

// argOrStdin returns the single argument, or all of stdin without the
// trailing newline.
func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin failed: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}
