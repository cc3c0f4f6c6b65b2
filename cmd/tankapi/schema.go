package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/tankapi/pkg/protocol"
)

var schemaOut string

var schemaCmd = &cobra.Command{
	Use:   "schema [command|status|breakpoint]",
	Short: "Export the JSON Schemas of the line protocol",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSchema,
}

func init() {
	schemaCmd.Flags().StringVarP(&schemaOut, "out", "o", "", "write every schema into this directory")
}

var schemaGenerators = map[string]struct {
	file string
	gen  func() ([]byte, error)
}{
	"command":    {protocol.CommandSchemaName, protocol.GenerateCommandSchema},
	"status":     {protocol.StatusSchemaName, protocol.GenerateStatusSchema},
	"breakpoint": {protocol.BreakpointSchemaName, protocol.GenerateBreakpointSchema},
}

func runSchema(cmd *cobra.Command, args []string) error {
	if schemaOut != "" {
		if len(args) > 0 {
			return fmt.Errorf("--out writes every schema; drop the %q argument", args[0])
		}
		if err := os.MkdirAll(schemaOut, 0o755); err != nil {
			return err
		}
		for _, name := range []string{"command", "status", "breakpoint"} {
			g := schemaGenerators[name]
			data, err := g.gen()
			if err != nil {
				return fmt.Errorf("generate %s schema: %w", name, err)
			}
			path := filepath.Join(schemaOut, g.file)
			if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %s\n", path)
		}
		return nil
	}

	name := "command"
	if len(args) == 1 {
		name = args[0]
	}
	g, ok := schemaGenerators[name]
	if !ok {
		return fmt.Errorf("unknown schema %q (want command, status or breakpoint)", name)
	}
	data, err := g.gen()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
