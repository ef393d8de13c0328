// cmd_config.go - Modell-Konfigurationen anzeigen und Modelle auflisten
// Hauptfunktionen: ConfigPathHandler, ConfigShowHandler, ModelsHandler
package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/caption/api"
	"github.com/ollama/caption/caption"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	return table
}

// ConfigPathHandler - Gibt den Konfigurationspfad eines Modelltyps aus
func ConfigPathHandler(cmd *cobra.Command, args []string) error {
	path, err := caption.DefaultConfigPath(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func floats(v []float32) string {
	s := make([]string, len(v))
	for i, f := range v {
		s[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return strings.Join(s, ", ")
}

func component(c caption.ComponentConfig) string {
	s := c.Backend + " " + c.Path
	if c.Repo != "" {
		s += " (" + c.Repo + ")"
	}
	return s
}

// ConfigShowHandler - Zeigt eine geparste Konfiguration als Tabelle
func ConfigShowHandler(cmd *cobra.Command, args []string) error {
	cfg, err := caption.LoadModelConfig(args[0])
	if err != nil {
		return err
	}

	m := cfg.Model
	rows := [][]string{
		{"arch", m.Arch},
		{"model_type", m.ModelType},
		{"vit_type", m.VitType},
		{"image_size", strconv.Itoa(m.ImageSize)},
		{"tokenizer", m.Tokenizer},
		{"prompt", strconv.Quote(m.Prompt)},
		{"max_txt_len", strconv.Itoa(m.MaxTxtLen)},
		{"load_finetuned", strconv.FormatBool(m.LoadFinetuned)},
		{"weights", m.WeightsPath()},
		{"encoder", component(m.Encoder)},
		{"decoder", component(m.Decoder)},
		{"preprocess.image_size", strconv.Itoa(cfg.Preprocess.ImageSize)},
	}
	if len(cfg.Preprocess.Mean) > 0 {
		rows = append(rows,
			[]string{"preprocess.mean", floats(cfg.Preprocess.Mean)},
			[]string{"preprocess.std", floats(cfg.Preprocess.Std)},
		)
	}

	table := newTable(cmd.OutOrStdout(), []string{"KEY", "VALUE"})
	table.AppendBulk(rows)
	table.Render()
	return nil
}

// ModelsHandler - Listet Modelltypen und geladene Modelle des Servers
func ModelsHandler(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	resp, err := client.Models(cmd.Context())
	if err != nil {
		return err
	}

	var data [][]string
	for _, m := range resp.Models {
		loaded := "-"
		if m.Loaded {
			loaded = m.LoadedAt.Format("2006-01-02 15:04:05")
		}
		data = append(data, []string{m.Name, m.Arch, m.Config, loaded})
	}

	w := cmd.OutOrStdout()
	table := newTable(w, []string{"NAME", "ARCH", "CONFIG", "LOADED"})
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "\narchitectures: %s\n", strings.Join(resp.Architectures, ", "))
	return nil
}

// newConfigCmd - Erstellt den config Command mit path und show
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect model configurations",
	}

	configCmd.AddCommand(
		&cobra.Command{
			Use:       "path TYPE",
			Short:     "Print the config path of a model type",
			Args:      cobra.ExactArgs(1),
			ValidArgs: caption.ModelTypes(),
			RunE:      ConfigPathHandler,
		},
		&cobra.Command{
			Use:   "show TYPE|FILE",
			Short: "Show a parsed model config",
			Args:  cobra.ExactArgs(1),
			RunE:  ConfigShowHandler,
		},
	)
	return configCmd
}

// newModelsCmd - Erstellt den models Command
func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "models",
		Aliases: []string{"ls"},
		Short:   "List model types and loaded models",
		Args:    cobra.ExactArgs(0),
		PreRunE: checkServerHeartbeat,
		RunE:    ModelsHandler,
	}
}
