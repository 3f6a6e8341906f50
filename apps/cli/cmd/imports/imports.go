package imports

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	importsservice "github.com/zenGate-Global/palmyra-roster/domains/imports/be/service"
	"github.com/zenGate-Global/palmyra-roster/platform/go/requesttrace"
)

// Command groups the import job helpers. They talk to the database and artifact store directly, using
// the same environment variables as the api server.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Analyze files and operate import jobs",
	}

	cmd.AddCommand(analyzeCommand())
	cmd.AddCommand(processCommand())
	cmd.AddCommand(statusCommand())
	return cmd
}

func analyzeCommand() *cobra.Command {
	var (
		kind    string
		mapping map[string]string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Classify a CSV against the roster and print the commit plan summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read file: %w", err)
			}

			rt, err := newRuntime(commandContext(cmd))
			if err != nil {
				return err
			}
			defer rt.Close()

			analysis, err := rt.service.Analyze(commandContext(cmd), importsservice.AnalyzeInput{
				Kind:     kind,
				FileName: filepath.Base(args[0]),
				Data:     data,
				Mapping:  mapping,
			})
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), analysis)
			}
			printAnalysis(cmd.OutOrStdout(), analysis)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "users", "import kind (users or teams)")
	cmd.Flags().StringToStringVar(&mapping, "map", nil, "header=field overrides, e.g. --map \"E-mail=email\"")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full analysis as JSON")
	return cmd
}

func processCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "process <importId>",
		Short: "Claim a pending job and process it synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid import id: %w", err)
			}

			rt, err := newRuntime(commandContext(cmd))
			if err != nil {
				return err
			}
			defer rt.Close()

			job, err := rt.service.Process(commandContext(cmd), id)
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func statusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <importId>",
		Short: "Print the status, counters and errors of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid import id: %w", err)
			}

			rt, err := newRuntime(commandContext(cmd))
			if err != nil {
				return err
			}
			defer rt.Close()

			job, err := rt.service.Get(commandContext(cmd), id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the job as JSON")
	return cmd
}

// commandContext marks CLI operations as system actions for audit columns.
func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := requesttrace.FromContext(ctx); ok {
		return ctx
	}
	return requesttrace.IntoContext(ctx, requesttrace.System("rosterctl"))
}

func printAnalysis(w io.Writer, a importsservice.Analysis) {
	s := a.Plan.Summary
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "kind\t%s\n", a.Kind)
	fmt.Fprintf(tw, "rows\t%d\n", s.Rows)
	fmt.Fprintf(tw, "new\t%d\n", a.Counts.New)
	fmt.Fprintf(tw, "in whitelist\t%d\n", a.Counts.InWhitelist)
	fmt.Fprintf(tw, "active\t%d\n", a.Counts.Active)
	fmt.Fprintf(tw, "duplicates\t%d\n", a.Counts.Duplicates)
	fmt.Fprintf(tw, "invalid\t%d\n", a.Counts.Invalid)
	fmt.Fprintf(tw, "ready to import\t%d\n", s.ReadyToImport)
	fmt.Fprintf(tw, "creates / updates / skips\t%d / %d / %d\n", s.Creates, s.Updates, s.Skips)
	fmt.Fprintf(tw, "conflicts\t%d\n", s.Conflicts)
	fmt.Fprintf(tw, "advisories\t%d\n", s.Advisories)
	fmt.Fprintf(tw, "teams to create\t%d\n", s.TeamsToCreate)
	_ = tw.Flush()

	if a.Warning != "" {
		fmt.Fprintf(w, "warning: %s\n", a.Warning)
	}
}

func printJob(w io.Writer, job importsservice.Job) {
	c := job.Counters
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "import\t%s\n", job.ID)
	fmt.Fprintf(tw, "kind\t%s\n", job.Kind)
	fmt.Fprintf(tw, "file\t%s\n", job.FileName)
	fmt.Fprintf(tw, "status\t%s\n", job.Status)
	fmt.Fprintf(tw, "processed\t%d/%d\n", c.Processed, c.Total)
	fmt.Fprintf(tw, "created / updated / activated\t%d / %d / %d\n", c.Created, c.Updated, c.Activated)
	fmt.Fprintf(tw, "skipped / failed\t%d / %d\n", c.Skipped, c.Failed)
	_ = tw.Flush()

	for _, e := range job.Errors {
		fmt.Fprintf(w, "  row %s: %s\n", e.Row, e.Reason)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
