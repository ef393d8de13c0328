// cmd_eval.go - Lokale Auswertung ohne Server
// Hauptfunktionen: EvalHandler, newEvalCmd
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/caption/api"
	"github.com/ollama/caption/caption"
	"github.com/ollama/caption/envconfig"
	"github.com/ollama/caption/huggingface"
	"github.com/ollama/caption/logutil"
	"github.com/ollama/caption/onnx"
	"github.com/ollama/caption/server"
)

// EvalHandler - Laedt das Modell lokal, berechnet den Loss und optional Captions
func EvalHandler(cmd *cobra.Command, args []string) error {
	logutil.Setup(os.Stderr, envconfig.LogLevel())

	paths, captions, err := pairs(args)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("config")
	builders, err := server.Builders(huggingface.NewClient())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	inst, err := server.ConfigLoader(builders)(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if err := inst.Close(); err != nil {
			slog.Warn("closing model", "error", err)
		}
		onnx.DestroyRuntime() //nolint:errcheck
	}()

	raw := make([][]byte, len(paths))
	for i, p := range paths {
		if raw[i], err = os.ReadFile(p); err != nil {
			return err
		}
	}

	pixels, err := inst.Preprocessor.Batch(ctx, raw)
	if err != nil {
		return err
	}

	out, err := inst.Model.Forward(ctx, caption.Samples{Image: pixels, TextInput: captions})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	loss, _ := out.Loss()
	tokens, _ := out[caption.OutputTokens].(int)
	fmt.Fprintf(w, "loss: %.4f (%d tokens)\n", loss, tokens)

	if generate, _ := cmd.Flags().GetBool("generate"); generate {
		generated, err := inst.Model.Generate(ctx, caption.Samples{Image: pixels}, caption.DefaultGenerateOptions())
		if err != nil {
			return err
		}
		fmt.Fprintln(w)
		return printCaptions(w, paths, &api.CaptionResponse{Model: name, Captions: generated}, "", false)
	}
	return nil
}

// newEvalCmd - Erstellt den eval Command
func newEvalCmd() *cobra.Command {
	evalCmd := &cobra.Command{
		Use:   "eval IMAGE CAPTION [IMAGE CAPTION...]",
		Short: "Evaluate captions locally without a server",
		Args:  cobra.MinimumNArgs(2),
		RunE:  EvalHandler,
	}
	evalCmd.Flags().StringP("config", "c", caption.DefaultModelType, "Model type (base, large) or config file")
	evalCmd.Flags().Bool("generate", false, "Also generate captions with the default options")
	return evalCmd
}
