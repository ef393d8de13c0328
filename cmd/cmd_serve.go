// cmd_serve.go - Server starten und Version anzeigen
// Hauptfunktionen: RunServer, versionHandler, checkServerHeartbeat
package cmd

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/caption/api"
	"github.com/ollama/caption/envconfig"
	"github.com/ollama/caption/server"
	"github.com/ollama/caption/version"
)

// RunServer - Startet den Caption-Server
func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// versionHandler - Zeigt die Version an
func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	out := cmd.OutOrStdout()
	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Fprintln(out, "Warning: could not connect to a running caption server")
	}

	if serverVersion != "" {
		fmt.Fprintf(out, "caption version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Fprintf(out, "Warning: client version is %s\n", version.Version)
	}
}

// checkServerHeartbeat - Prueft ob der Server erreichbar ist
func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}
	if err := client.Heartbeat(cmd.Context()); err != nil {
		if strings.Contains(err.Error(), " refused") || strings.Contains(err.Error(), "could not connect") {
			return fmt.Errorf("caption server not responding, start it with 'caption serve' - %w", err)
		}
		return err
	}
	return nil
}

// newServeCmd - Erstellt den serve Command
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the caption server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
}
