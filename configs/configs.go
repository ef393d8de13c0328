// Package configs enthaelt die eingebetteten Standard-Konfigurationen der Caption-Modelle.
package configs

import "embed"

// Prefix ist das Pfad-Praefix, unter dem die eingebetteten Dateien adressiert werden.
const Prefix = "configs/"

//go:embed models/*.yaml
var FS embed.FS
