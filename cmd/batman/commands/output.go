package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// render writes v in the requested format. table delegates to the given
// printer.
func render(w io.Writer, format string, v interface{}, table func(io.Writer)) error {
	switch format {
	case "table", "":
		table(w)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return displayYAML(w, v)
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

// displayYAML goes through JSON first so the YAML keys match the API field
// names.
func displayYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}
