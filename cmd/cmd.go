// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ollama/caption/envconfig"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "caption",
		Short:         "Image captioning with BLIP",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	// Commands erstellen
	serveCmd := newServeCmd()
	runCmd := newRunCmd()
	lossCmd := newLossCmd()
	evalCmd := newEvalCmd()
	modelsCmd := newModelsCmd()
	configCmd := newConfigCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["CAPTION_HOST"]}

	for _, cmd := range []*cobra.Command{
		serveCmd,
		runCmd,
		lossCmd,
		evalCmd,
		modelsCmd,
	} {
		switch cmd {
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["CAPTION_DEBUG"],
				envVars["CAPTION_HOST"],
				envVars["CAPTION_MODELS"],
				envVars["CAPTION_CACHE"],
				envVars["CAPTION_ORIGINS"],
				envVars["CAPTION_REQUEST_TIMEOUT"],
				envVars["CAPTION_MAX_BATCH"],
				envVars["CAPTION_GPU"],
				envVars["CAPTION_NUM_THREADS"],
				envVars["CAPTION_ORT_LIBRARY"],
				envVars["HF_TOKEN"],
				envVars["HF_ENDPOINT"],
			})
		case evalCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["CAPTION_DEBUG"],
				envVars["CAPTION_MODELS"],
				envVars["CAPTION_GPU"],
				envVars["CAPTION_NUM_THREADS"],
				envVars["CAPTION_ORT_LIBRARY"],
				envVars["HF_TOKEN"],
				envVars["HF_ENDPOINT"],
			})
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		runCmd,
		lossCmd,
		evalCmd,
		modelsCmd,
		configCmd,
	)

	return rootCmd
}
