// skein-diagram renders a workflow definition file as a Mermaid flowchart,
// an ASCII diagram, or a PNG image.
//
// Usage: skein-diagram [-format mermaid|ascii|png] [-o output] definition.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skein-dev/skein/internal/diagram"
	"github.com/skein-dev/skein/pkg/schema"
)

func main() {
	format := flag.String("format", "mermaid", "output format: mermaid, ascii, or png")
	output := flag.String("o", "", "output file (default: stdout; required for png)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: skein-diagram [-format mermaid|ascii|png] [-o output] definition.json")
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *format, *output); err != nil {
		fmt.Fprintf(os.Stderr, "skein-diagram: %v\n", err)
		os.Exit(1)
	}
}

func run(defPath, format, output string) error {
	data, err := os.ReadFile(defPath)
	if err != nil {
		return err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse %s: %w", defPath, err)
	}

	model := diagram.Build(&def, nil)

	switch format {
	case "mermaid":
		return emit(output, []byte(diagram.RenderMermaid(model)))
	case "ascii":
		home, _ := os.UserHomeDir()
		binDir := filepath.Join(home, ".skein", "bin")
		return emit(output, []byte(diagram.RenderASCIIAuto(model, binDir)))
	case "png":
		if output == "" {
			return fmt.Errorf("png output requires -o")
		}
		png, err := diagram.RenderPNG(context.Background(), model)
		if err != nil {
			return err
		}
		return os.WriteFile(output, png, 0o644)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func emit(output string, data []byte) error {
	if output == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(output, data, 0o644)
}
