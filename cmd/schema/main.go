package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"

	"github.com/invopop/jsonschema"

	"cohort/server/internal/net/proto"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema (stdout when empty)")
	flag.Parse()

	schema := buildSchema(proto.Catalog())

	var err error
	if outPath == "" {
		err = encodeSchema(os.Stdout, schema)
	} else {
		err = writeSchema(outPath, schema)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

func buildSchema(entries []proto.CatalogEntry) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}

	frames := make([]*jsonschema.Schema, 0, len(entries))
	for _, entry := range entries {
		frame := reflector.ReflectFromType(reflect.TypeOf(entry.Value))
		frame.Version = ""
		frame.Title = entry.Name
		frame.Description = fmt.Sprintf("%s frame, protocol version %d", entry.Direction, proto.Version)
		frames = append(frames, frame)
	}

	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Cohort Wire Protocol",
		Description: "Frames exchanged over the /ws endpoint.",
		OneOf:       frames,
	}
}

func encodeSchema(w io.Writer, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp schema: %w", err)
	}
	if err := encodeSchema(f, schema); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}
	return nil
}
