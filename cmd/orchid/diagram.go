package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/calev/orchid/internal/diagram"
	"github.com/calev/orchid/pkg/schema"
)

// runDiagram renders a workflow definition file as a diagram on stdout.
// Usage: orchid diagram [-format mermaid|ascii] <definition.json>
func runDiagram(args []string) error {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	format := fs.String("format", "mermaid", "output format: mermaid or ascii")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: orchid diagram [-format mermaid|ascii] <definition.json>")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}

	model, err := diagram.Build(&def, nil)
	if err != nil {
		return err
	}

	switch *format {
	case "mermaid":
		fmt.Print(diagram.RenderMermaid(model))
	case "ascii":
		fmt.Print(diagram.RenderASCII(model))
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
	return nil
}
