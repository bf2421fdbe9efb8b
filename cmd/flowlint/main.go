// Command flowlint validates agent app definitions offline, running the same
// schema and flow graph checks the service applies on create.
//
// Usage:
//
//	flowlint [-json] app.yaml [more.json ...]
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flexinfer/mentatlab/services/appflow-go/internal/appstore"
	"github.com/flexinfer/mentatlab/services/appflow-go/internal/validator"
)

// errInvalid is returned when at least one file fails validation.
var errInvalid = errors.New("validation failed")

// fileReport is the result for one input file.
type fileReport struct {
	File   string                      `json:"file"`
	Valid  bool                        `json:"valid"`
	Errors []validator.ValidationError `json:"errors,omitempty"`
}

func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if !errors.Is(err, errInvalid) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(outW io.Writer, args []string) error {
	fs := flag.NewFlagSet("flowlint", flag.ContinueOnError)
	fs.SetOutput(outW)
	asJSON := fs.Bool("json", false, "print results as JSON")
	fs.Usage = func() {
		fmt.Fprintln(outW, "Usage: flowlint [-json] FILE...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no input files")
	}

	v, err := validator.New()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	reports := make([]fileReport, 0, fs.NArg())
	failed := false
	for _, path := range fs.Args() {
		report := lintFile(v, path)
		if !report.Valid {
			failed = true
		}
		reports = append(reports, report)
	}

	if *asJSON {
		enc := json.NewEncoder(outW)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			if r.Valid {
				fmt.Fprintf(outW, "%s: ok\n", r.File)
				continue
			}
			for _, e := range r.Errors {
				fmt.Fprintf(outW, "%s: %s\n", r.File, e.String())
			}
		}
	}

	if failed {
		return errInvalid
	}
	return nil
}

func lintFile(v *validator.Validator, path string) fileReport {
	report := fileReport{File: path}
	data, err := os.ReadFile(path)
	if err != nil {
		report.Errors = []validator.ValidationError{{Path: "$", Message: err.Error()}}
		return report
	}
	doc, err := toJSON(path, data)
	if err != nil {
		report.Errors = []validator.ValidationError{{Path: "$", Message: err.Error()}}
		return report
	}
	result := lint(v, doc)
	report.Valid = result.Valid
	report.Errors = result.Errors
	return report
}

// toJSON normalizes YAML input to JSON so both formats go through the
// same schema.
func toJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return data, nil
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	return out, nil
}

func lint(v *validator.Validator, doc []byte) *validator.ValidationResult {
	result := v.ValidateAppJSON(doc)

	var req appstore.CreateAppRequest
	if err := json.Unmarshal(doc, &req); err != nil {
		return result
	}
	if len(req.FlowDefinition) > 0 {
		if res := validator.ValidateFlow(req.FlowDefinition); !res.Valid {
			result.Valid = false
			result.Errors = append(result.Errors, res.Errors...)
		}
	}
	return result
}
