// cmd_run.go - Captions und Loss ueber den laufenden Server
// Hauptfunktionen: RunHandler, LossHandler, newRunCmd, newLossCmd
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/caption/api"
)

// maxPathWidth begrenzt die Bildspalte in der Tabellenausgabe
const maxPathWidth = 40

// readImages liest alle Bilddateien
func readImages(paths []string) ([]api.ImageData, error) {
	images := make([]api.ImageData, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		images[i] = data
	}
	return images, nil
}

// optionsFromFlags uebernimmt nur explizit gesetzte Flags, alles andere bleibt Server-Default
func optionsFromFlags(cmd *cobra.Command) (*api.Options, error) {
	flags := cmd.Flags()
	var opts api.Options
	var err error

	if opts.UseNucleusSampling, err = flags.GetBool("nucleus"); err != nil {
		return nil, err
	}
	if opts.NumBeams, err = changedInt(cmd, "beams"); err != nil {
		return nil, err
	}
	if opts.MaxLength, err = changedInt(cmd, "max-length"); err != nil {
		return nil, err
	}
	if opts.MinLength, err = changedInt(cmd, "min-length"); err != nil {
		return nil, err
	}
	if opts.TopP, err = changedFloat(cmd, "top-p"); err != nil {
		return nil, err
	}
	if opts.RepetitionPenalty, err = changedFloat(cmd, "repetition-penalty"); err != nil {
		return nil, err
	}
	if flags.Changed("seed") {
		seed, err := flags.GetInt64("seed")
		if err != nil {
			return nil, err
		}
		opts.Seed = &seed
	}
	return &opts, nil
}

func changedInt(cmd *cobra.Command, name string) (*int, error) {
	if !cmd.Flags().Changed(name) {
		return nil, nil
	}
	v, err := cmd.Flags().GetInt(name)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func changedFloat(cmd *cobra.Command, name string) (*float64, error) {
	if !cmd.Flags().Changed(name) {
		return nil, nil
	}
	v, err := cmd.Flags().GetFloat64(name)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// RunHandler - Erzeugt Captions fuer alle angegebenen Bilder
func RunHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	images, err := readImages(args)
	if err != nil {
		return err
	}

	opts, err := optionsFromFlags(cmd)
	if err != nil {
		return err
	}

	model, _ := cmd.Flags().GetString("model")
	noCache, _ := cmd.Flags().GetBool("no-cache")
	resp, err := client.Caption(cmd.Context(), &api.CaptionRequest{
		Model:   model,
		Images:  images,
		Options: opts,
		NoCache: noCache,
	})
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	verbose, _ := cmd.Flags().GetBool("verbose")
	return printCaptions(cmd.OutOrStdout(), args, resp, format, verbose)
}

func printCaptions(w io.Writer, paths []string, resp *api.CaptionResponse, format string, verbose bool) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case "":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	if len(resp.Captions) == 1 {
		fmt.Fprintln(w, resp.Captions[0])
	} else {
		data := make([][]string, len(resp.Captions))
		for i, c := range resp.Captions {
			data[i] = []string{runewidth.Truncate(paths[i], maxPathWidth, "..."), c}
		}

		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"IMAGE", "CAPTION"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.SetAutoWrapText(false)
		table.AppendBulk(data)
		table.Render()
	}

	if verbose {
		cached := 0
		for _, c := range resp.Cached {
			if c {
				cached++
			}
		}
		fmt.Fprintf(w, "\nmodel:          %s\n", resp.Model)
		fmt.Fprintf(w, "cached:         %d/%d\n", cached, len(resp.Captions))
		fmt.Fprintf(w, "total duration: %v\n", resp.Duration)
	}
	return nil
}

// pairs teilt IMAGE CAPTION [IMAGE CAPTION...] auf
func pairs(args []string) (images, captions []string, err error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, nil, errors.New("expected IMAGE CAPTION pairs")
	}
	for i := 0; i < len(args); i += 2 {
		images = append(images, args[i])
		captions = append(captions, args[i+1])
	}
	return images, captions, nil
}

// LossHandler - Bewertet Bild/Caption-Paare auf dem Server
func LossHandler(cmd *cobra.Command, args []string) error {
	paths, captions, err := pairs(args)
	if err != nil {
		return err
	}

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	images, err := readImages(paths)
	if err != nil {
		return err
	}

	model, _ := cmd.Flags().GetString("model")
	resp, err := client.Loss(cmd.Context(), &api.LossRequest{Model: model, Images: images, Captions: captions})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "loss: %.4f (%d tokens)\n", resp.Loss, resp.NumTokens)
	return nil
}

// newRunCmd - Erstellt den run Command
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:     "run IMAGE [IMAGE...]",
		Short:   "Caption one or more images",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    RunHandler,
	}

	runCmd.Flags().StringP("model", "m", "", "Model type (base, large) or config file")
	runCmd.Flags().Bool("nucleus", false, "Use nucleus sampling instead of beam search")
	runCmd.Flags().Int("beams", 0, "Number of beams (default 3)")
	runCmd.Flags().Int("max-length", 0, "Maximum caption length in tokens (default 30)")
	runCmd.Flags().Int("min-length", 0, "Minimum caption length in tokens (default 10)")
	runCmd.Flags().Float64("top-p", 0, "Cumulative probability for nucleus sampling (default 0.9)")
	runCmd.Flags().Float64("repetition-penalty", 0, "Repetition penalty (default 1.0)")
	runCmd.Flags().Int64("seed", 0, "Random seed for nucleus sampling")
	runCmd.Flags().Bool("no-cache", false, "Bypass the caption cache")
	runCmd.Flags().String("format", "", "Response format (json)")
	runCmd.Flags().Bool("verbose", false, "Show model and timings")

	return runCmd
}

// newLossCmd - Erstellt den loss Command
func newLossCmd() *cobra.Command {
	lossCmd := &cobra.Command{
		Use:     "loss IMAGE CAPTION [IMAGE CAPTION...]",
		Short:   "Evaluate captions against images on the server",
		Args:    cobra.MinimumNArgs(2),
		PreRunE: checkServerHeartbeat,
		RunE:    LossHandler,
	}
	lossCmd.Flags().StringP("model", "m", "", "Model type (base, large) or config file")
	return lossCmd
}
