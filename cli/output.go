package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/osiris-pipelines/osiris/engine/core"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// parseParams turns repeated --param key=value flags into the CLI parameter
// map the compiler consumes.
func parseParams(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(raw))
	for _, pair := range raw {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, core.NewError(nil, core.CodeInvalidParamFormat, map[string]any{
				"param":    pair,
				"expected": "key=value",
			})
		}
		params[key] = value
	}
	return params, nil
}

// PrintError writes err to stderr, as a JSON object when --json was given,
// with credentials scrubbed either way.
func PrintError(w io.Writer, err error, jsonOut bool) {
	if jsonOut {
		printJSON(w, map[string]any{
			"status":     "error",
			"error_type": core.CodeOf(err),
			"message":    core.RedactError(err),
			"details":    core.DetailsOf(err),
		})
		return
	}
	fmt.Fprintf(w, "osiris: %s\n", core.RedactError(err))
}
