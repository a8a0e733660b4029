// Command schema-generator writes the configuration JSON Schema for editors
// and CI checks of deployed pipeweb.yml files.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/lmtoy/pipeline-web/config"
)

func main() {
	out := flag.String("o", "schema/definitions/pipeweb.schema.json", "output path")
	flag.Parse()

	schemaBytes, err := config.GenerateSchema()
	if err != nil {
		log.Fatalf("Error generating schema: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatalf("Error creating schema directory: %v", err)
	}
	if err := os.WriteFile(*out, schemaBytes, 0o644); err != nil {
		log.Fatalf("Error writing schema file: %v", err)
	}

	log.Printf("Successfully generated config schema at %s", *out)
}
