package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/objectql/objectos-sub008/converter"
	"github.com/objectql/objectos-sub008/loader"
	"github.com/objectql/objectos-sub008/types"
	"github.com/objectql/objectos-sub008/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.yaml>...",
		Short: "Check workflow definitions and print every violation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				def, err := loader.LoadFile(path)
				if err == nil {
					fmt.Fprintf(out, "%s: ok (%s v%s, %d states)\n", path, def.Name, def.Version, len(def.States))
					continue
				}
				failed++
				var wfErr *workflow.Error
				if errors.As(err, &wfErr) && len(wfErr.Violations) > 0 {
					for _, v := range wfErr.Violations {
						fmt.Fprintf(out, "%s: %s\n", path, v)
					}
				} else {
					fmt.Fprintf(out, "%s: %v\n", path, err)
				}
				c.logger.Debug("Definition rejected", zap.String("path", path), zap.Error(err))
			}
			if failed > 0 {
				return errReported
			}
			return nil
		},
	}
}

func (c *cli) toFlowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "to-flow <definition.yaml>",
		Short: "Convert a definition into flow JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(converter.LegacyToFlow(def))
		},
	}
}

func (c *cli) fromFlowCmd() *cobra.Command {
	var opts converter.Options
	var processType string
	cmd := &cobra.Command{
		Use:   "from-flow <flow.json>",
		Short: "Convert flow JSON into a YAML definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := readFlow(args[0])
			if err != nil {
				return err
			}
			if problems := converter.ValidateFlow(flow); len(problems) > 0 {
				printProblems(cmd, args[0], problems)
				return errReported
			}
			opts.ProcessType = types.ProcessType(processType)
			def, err := converter.FlowToLegacy(flow, opts)
			if err != nil {
				return err
			}
			if violations := workflow.ValidateDefinition(def); len(violations) > 0 {
				printProblems(cmd, args[0], violations)
				return errReported
			}
			raw, err := loader.Marshal(def)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "definition name (defaults to the flow name)")
	cmd.Flags().StringVar(&opts.Version, "definition-version", "", "definition version")
	cmd.Flags().StringVar(&opts.Description, "description", "", "definition description")
	cmd.Flags().StringVar(&processType, "process-type", "", "process type, e.g. approval or sequential")
	return cmd
}

func (c *cli) checkFlowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-flow <flow.json>",
		Short: "Report structural problems in flow JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := readFlow(args[0])
			if err != nil {
				return err
			}
			problems := converter.ValidateFlow(flow)
			if len(problems) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d nodes, %d edges)\n", args[0], len(flow.Nodes), len(flow.Edges))
				return nil
			}
			printProblems(cmd, args[0], problems)
			return errReported
		},
	}
}

func readFlow(path string) (types.Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Flow{}, fmt.Errorf("failed to read flow: %w", err)
	}
	var flow types.Flow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return types.Flow{}, fmt.Errorf("failed to decode flow %s: %w", path, err)
	}
	return flow, nil
}

func printProblems(cmd *cobra.Command, path string, problems []string) {
	for _, p := range problems {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, p)
	}
}
