package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rillflow/rill/internal/harness"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <scenario-file>",
		Short: "Run an event scenario and print what the queries emitted",
		Long: `Run a scenario: build an engine from the scenario's definition
document, replay its event feed in order, and print every insert,
retraction, and fault each query produced.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(rootOpts, args[0], cmd)
		},
	}
}

func runScenario(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		_ = formatter.Error("cannot load scenario", err.Error())
		return WrapExitError(ExitCommandError, "scenario load failed", err)
	}
	formatter.VerboseLog("Scenario %s: %d send step(s)", scenario.Name, len(scenario.Sends))

	result, err := harness.Run(scenario)
	if err != nil {
		_ = formatter.Error("scenario failed", err.Error())
		return WrapExitError(ExitFailure, "scenario failed", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	printResult(formatter, result)
	return nil
}

func printResult(formatter *OutputFormatter, result *harness.Result) {
	ids := make([]string, 0, len(result.Records))
	for id := range result.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(formatter.Writer, "scenario %s\n", result.Scenario)
	for _, id := range ids {
		recs := result.Records[id]
		fmt.Fprintf(formatter.Writer, "query %s: %d record(s)\n", id, len(recs))
		for _, r := range recs {
			switch r.Kind {
			case "fault":
				fmt.Fprintf(formatter.Writer, "  fault   %-12s %s\n", r.Stream, r.Error)
			case "retract":
				fmt.Fprintf(formatter.Writer, "  retract %-12s %v\n", r.Stream, r.Values)
			default:
				fmt.Fprintf(formatter.Writer, "  insert  %-12s %v\n", r.Stream, r.Values)
			}
		}
	}
}
