package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"docstore/api/internal/filter"
	"docstore/api/internal/query"
)

type evalOptions struct {
	Filter string
	Docs   string
	Plan   bool
}

// NewEvalCommand creates the eval command, which runs a request filter
// against documents read from a file without touching a store.
func NewEvalCommand() *cobra.Command {
	opts := &evalOptions{}

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a filter against a JSON array of documents",
		Long: `Evaluate a request filter against a JSON array of documents and print
the matching documents. With --plan, print the store pushdown instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.Filter, "filter", "f", "{}", "filter as a JSON object")
	cmd.Flags().StringVarP(&opts.Docs, "docs", "d", "-", "JSON array of documents, - for stdin")
	cmd.Flags().BoolVar(&opts.Plan, "plan", false, "print pushed clauses and the residual filter")

	return cmd
}

func runEval(opts *evalOptions, stdin io.Reader, out io.Writer) error {
	var args map[string]any
	if err := json.Unmarshal([]byte(opts.Filter), &args); err != nil {
		return fmt.Errorf("filter must be a JSON object: %w", err)
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	fields := filter.DefaultFields()
	if opts.Plan {
		tr, err := query.Translate(filter.Prepare(filter.WithoutQuery(args)), fields)
		if err != nil {
			return err
		}
		clauses := make([]map[string]any, 0, len(tr.Clauses))
		for _, c := range tr.Clauses {
			clauses = append(clauses, map[string]any{
				"field":    c.Field,
				"op":       c.Op,
				"value":    c.Value,
				"identity": c.Identity,
			})
		}
		return encoder.Encode(map[string]any{
			"clauses":  clauses,
			"residual": tr.Residual,
		})
	}

	match, err := filter.Make(args, fields)
	if err != nil {
		return err
	}

	in := stdin
	if opts.Docs != "-" {
		f, err := os.Open(opts.Docs)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	var docs []map[string]any
	if err := json.NewDecoder(in).Decode(&docs); err != nil {
		return fmt.Errorf("documents must be a JSON array of objects: %w", err)
	}

	matched := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		if match(doc) {
			matched = append(matched, doc)
		}
	}
	return encoder.Encode(matched)
}
