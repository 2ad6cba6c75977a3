package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gofhir/gateway/pkg/gateway"
	"github.com/gofhir/gateway/pkg/issue"
	"github.com/gofhir/gateway/pkg/outcome"
)

// OutputFormat specifies the output format.
type OutputFormat string

// Output format constants.
const (
	OutputOutcome OutputFormat = "outcome"
	OutputText    OutputFormat = "text"
	OutputJSON    OutputFormat = "json"
)

// ValidationOutput represents the JSON output structure
type ValidationOutput struct {
	Resource string        `json:"resource"`
	Valid    bool          `json:"valid"`
	Errors   int           `json:"errors"`
	Warnings int           `json:"warnings"`
	Info     int           `json:"info"`
	Issues   []IssueOutput `json:"issues,omitempty"`
	Duration string        `json:"duration"`
}

// IssueOutput represents a single issue in JSON output
type IssueOutput struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics"`
	Expression  []string `json:"expression,omitempty"`
	Line        int      `json:"line,omitempty"`
	Column      int      `json:"column,omitempty"`
}

// input is one resource to validate.
type input struct {
	name string
	data []byte
	err  error
}

// report is the validation of one input.
type report struct {
	name     string
	result   *issue.Result
	err      error
	duration time.Duration
}

func (r report) failed() bool {
	return r.err != nil || r.result.HasErrors()
}

func (a *app) validateCmd() *cobra.Command {
	var profileSpec, output string

	cmd := &cobra.Command{
		Use:   "validate [file|-]...",
		Short: "Validate FHIR resources",
		Long: `Validate one or more FHIR JSON resources. Use "-" to read from stdin.
Files are validated concurrently and reported in the order given.`,
		Example: `  fhir-gateway validate patient.json
  fhir-gateway validate --profile https://example.org/StructureDefinition/Patient-basic patient.json
  cat patient.json | fhir-gateway validate --output text -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format := OutputFormat(strings.ToLower(output))
			switch format {
			case OutputOutcome, OutputText, OutputJSON:
			default:
				return fmt.Errorf("unknown output format %q (outcome, text, json)", output)
			}

			inputs, err := a.readInputs(args)
			if err != nil {
				return err
			}
			if err := a.setup(cmd.Context()); err != nil {
				return err
			}

			reports := a.validateAll(cmd.Context(), inputs, gateway.ParseProfiles(profileSpec))
			if err := a.printReports(reports, format); err != nil {
				return err
			}
			snap := a.metrics.Snapshot()
			a.log.Debug("Validated %d resources: %d valid, %d not processed, avg %s, max %s",
				snap.ValidationsTotal, snap.ValidationsValid, snap.ValidationsFailed,
				snap.AvgValidationTime, snap.MaxValidationTime)
			for _, r := range reports {
				if r.failed() {
					return errSilent
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&profileSpec, "profile", "", "Profile canonical URL(s) to validate against (comma-separated)")
	cmd.Flags().StringVarP(&output, "output", "o", string(OutputOutcome), "Output format: outcome, text, json")
	return cmd
}

// readInputs expands glob patterns and reads stdin for "-".
func (a *app) readInputs(args []string) ([]input, error) {
	var inputs []input
	for _, arg := range args {
		if arg == "-" {
			data, err := io.ReadAll(a.stdin)
			if err != nil {
				return nil, fmt.Errorf("error reading stdin: %w", err)
			}
			inputs = append(inputs, input{name: "stdin", data: data})
			continue
		}

		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("error with pattern '%s': %w", arg, err)
		}
		if len(matches) == 0 {
			// Reported as a read error of the literal name.
			matches = []string{arg}
		}
		for _, match := range matches {
			data, err := os.ReadFile(match)
			inputs = append(inputs, input{name: match, data: data, err: err})
		}
	}
	return inputs, nil
}

// validateAll validates inputs concurrently. Reports keep the input order.
func (a *app) validateAll(ctx context.Context, inputs []input, profiles []string) []report {
	reports := make([]report, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i, in := range inputs {
		g.Go(func() error {
			if in.err != nil {
				reports[i] = report{name: in.name, err: fmt.Errorf("failed to read file: %w", in.err)}
				return nil
			}
			start := time.Now()
			result, err := a.gateway.Evaluate(gctx, in.data, profiles)
			reports[i] = report{name: in.name, result: result, err: err, duration: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (a *app) printReports(reports []report, format OutputFormat) error {
	switch format {
	case OutputJSON:
		outputs := make([]ValidationOutput, 0, len(reports))
		for _, r := range reports {
			outputs = append(outputs, toValidationOutput(r))
		}
		data, err := json.MarshalIndent(outputs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, string(data))

	case OutputText:
		for _, r := range reports {
			a.printText(r)
		}

	default:
		for _, r := range reports {
			var data []byte
			var err error
			if r.err != nil {
				fmt.Fprintf(a.stderr, "Error validating %s: %v\n", r.name, r.err)
				data, err = json.Marshal(outcome.FromError(r.err))
			} else {
				data, err = outcome.Marshal(r.result)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, string(data))
		}
	}
	return nil
}

func toValidationOutput(r report) ValidationOutput {
	out := ValidationOutput{
		Resource: r.name,
		Duration: r.duration.Round(time.Microsecond).String(),
	}
	if r.err != nil {
		out.Errors = 1
		out.Issues = []IssueOutput{{
			Severity:    string(issue.SeverityFatal),
			Code:        string(outcome.FromError(r.err).Issue[0].Code),
			Diagnostics: r.err.Error(),
		}}
		return out
	}

	out.Valid = !r.result.HasErrors()
	out.Errors = r.result.ErrorCount()
	out.Warnings = r.result.WarningCount()
	out.Info = r.result.InfoCount()
	for _, iss := range r.result.Issues {
		entry := IssueOutput{
			Severity:    string(iss.Severity),
			Code:        string(iss.Code),
			Diagnostics: iss.Diagnostics,
			Expression:  iss.Expression,
		}
		if iss.Location != nil {
			entry.Line, entry.Column = iss.Location.Line, iss.Location.Column
		}
		out.Issues = append(out.Issues, entry)
	}
	return out
}

func (a *app) printText(r report) {
	w := a.stdout
	fmt.Fprintf(w, "== %s ==\n", r.name)
	if r.err != nil {
		fmt.Fprintf(w, "Status: FAILED\n%v\n\n", r.err)
		return
	}

	status := "VALID"
	if r.result.HasErrors() {
		status = "INVALID"
	}
	fmt.Fprintf(w, "Status: %s\n", status)
	fmt.Fprintf(w, "Errors: %d, Warnings: %d, Info: %d\n", r.result.ErrorCount(), r.result.WarningCount(), r.result.InfoCount())
	if r.result.Stats != nil {
		fmt.Fprintf(w, "Profiles: %s\n", strings.Join(r.result.Stats.Profiles, ", "))
	}
	fmt.Fprintf(w, "Duration: %s\n", r.duration.Round(time.Microsecond))

	if len(r.result.Issues) > 0 {
		fmt.Fprintln(w, "\nIssues:")
		for _, iss := range r.result.Issues {
			location := ""
			if len(iss.Expression) > 0 {
				location = fmt.Sprintf(" @ %s", strings.Join(iss.Expression, ", "))
			}
			if iss.Location != nil {
				location += fmt.Sprintf(" (line %d, col %d)", iss.Location.Line, iss.Location.Column)
			}
			fmt.Fprintf(w, "  %s [%s] %s%s\n", severityLabel(iss.Severity), iss.Code, iss.Diagnostics, location)
		}
	}
	fmt.Fprintln(w)
}

func severityLabel(severity issue.Severity) string {
	switch severity {
	case issue.SeverityFatal:
		return "FATAL"
	case issue.SeverityError:
		return "ERROR"
	case issue.SeverityWarning:
		return "WARN "
	case issue.SeverityInformation:
		return "INFO "
	default:
		return "     "
	}
}
