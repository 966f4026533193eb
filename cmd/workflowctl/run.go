package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/objectql/objectos-sub008/approval"
	"github.com/objectql/objectos-sub008/config"
	"github.com/objectql/objectos-sub008/events"
	"github.com/objectql/objectos-sub008/loader"
	"github.com/objectql/objectos-sub008/notification"
	"github.com/objectql/objectos-sub008/types"
	"github.com/objectql/objectos-sub008/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runOptions struct {
	data        string
	as          string
	comment     string
	transitions []string
	decisions   []string
	events      bool
}

func (c *cli) runCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <definition.yaml|name>",
		Short: "Start an instance, apply transitions and print its history",
		Long: `Start an instance of a definition and drive it with transitions and task
decisions. The argument is a YAML file, or the name of a definition found in
engine.definitions_dir.

Decisions complete the pending task assigned to a user, e.g.
  --decision alice=approve --decision bob=reject`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.data, "data", "", "initial instance data as a JSON object")
	flags.StringVar(&opts.as, "as", "cli", "user that starts the instance and triggers transitions")
	flags.StringVar(&opts.comment, "comment", "", "history comment for every transition")
	flags.StringArrayVar(&opts.transitions, "transition", nil, "transition to execute, repeatable")
	flags.StringArrayVar(&opts.decisions, "decision", nil, "user=approve|reject, repeatable")
	flags.BoolVar(&opts.events, "events", false, "print the lifecycle events of the instance")
	return cmd
}

func (c *cli) run(ctx context.Context, out io.Writer, source string, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := parseData(opts.data)
	if err != nil {
		return err
	}
	decisions, err := parseDecisions(opts.decisions)
	if err != nil {
		return err
	}

	store, closeStore, err := config.OpenStorage(c.cfg.Storage, c.logger)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.NewEventBus(events.WithLogger(c.logger))
	defer bus.Stop()
	rec := events.NewRecorder()
	bus.Subscribe(events.All, rec)

	api, err := workflow.NewWorkflowAPI(
		config.NewIDGenerator(c.cfg.Engine),
		store, nil,
		workflow.WithLogger(c.logger),
		workflow.WithEventBus(bus),
		workflow.WithSystemPrincipal(c.cfg.Engine.SystemPrincipal),
	)
	if err != nil {
		return err
	}
	defer api.Close()

	notifier := notification.NewService(c.logger)
	notifier.RegisterHandler("log", notification.NewLogHandler(c.logger))
	notification.Register(api.Engine(), notifier)
	approval.NewService(api, notifier, c.logger)

	def, err := c.resolveDefinition(source)
	if err != nil {
		return err
	}
	if err := ensureRegistered(ctx, api, def); err != nil {
		return err
	}

	inst, err := api.StartWorkflow(ctx, def.Name, data, opts.as)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "instance %s started in %s\n", inst.ID, inst.CurrentState)

	for _, name := range opts.transitions {
		var payload map[string]interface{}
		if opts.comment != "" {
			payload = map[string]interface{}{"comment": opts.comment}
		}
		if inst, err = api.ExecuteTransition(ctx, inst.ID, name, opts.as, payload); err != nil {
			return err
		}
	}
	for _, d := range decisions {
		task, err := pendingTaskFor(ctx, api, inst.ID, d.user)
		if err != nil {
			return err
		}
		decision := map[string]interface{}{"approved": d.approved}
		if opts.comment != "" {
			decision["comment"] = opts.comment
		}
		if inst, err = api.CompleteTask(ctx, task.ID, d.user, decision); err != nil {
			return err
		}
	}

	if err := printInstance(ctx, out, api, inst.ID); err != nil {
		return err
	}
	if opts.events {
		bus.Stop()
		for _, e := range rec.Events() {
			if e.InstanceID == inst.ID {
				fmt.Fprintf(out, "event %d %s %v\n", e.Sequence, e.Type, e.Data)
			}
		}
	}
	return nil
}

// ensureRegistered registers def unless a persistent store already holds
// the same version. A stored version with different content is an error.
func ensureRegistered(ctx context.Context, api *workflow.WorkflowAPI, def types.WorkflowDefinition) error {
	stored, err := api.GetDefinition(ctx, def.Name, def.Version)
	if errors.Is(err, workflow.ErrDefinitionNotFound) {
		return api.RegisterWorkflow(ctx, def)
	}
	if err != nil {
		return err
	}
	want, err := json.Marshal(def)
	if err != nil {
		return err
	}
	have, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, have) {
		return fmt.Errorf("definition %q version %q is already stored with different content; bump its version", def.Name, def.Version)
	}
	return nil
}

// resolveDefinition loads source as a file, falling back to a definition
// of that name in the configured definitions directory.
func (c *cli) resolveDefinition(source string) (types.WorkflowDefinition, error) {
	if _, err := os.Stat(source); err == nil || c.cfg.Engine.DefinitionsDir == "" {
		return loader.LoadFile(source)
	}
	defs, err := loader.LoadDir(c.cfg.Engine.DefinitionsDir)
	if err != nil {
		c.logger.Warn("Some definitions failed to load", zap.Error(err))
	}
	for _, def := range defs {
		if def.Name == source {
			return def, nil
		}
	}
	return types.WorkflowDefinition{}, fmt.Errorf("definition %q not found in %s", source, c.cfg.Engine.DefinitionsDir)
}

type decision struct {
	user     string
	approved bool
}

func parseDecisions(raw []string) ([]decision, error) {
	out := make([]decision, 0, len(raw))
	for _, r := range raw {
		user, verdict, ok := strings.Cut(r, "=")
		if !ok || user == "" {
			return nil, fmt.Errorf("invalid decision %q, want user=approve|reject", r)
		}
		switch verdict {
		case "approve", "approved":
			out = append(out, decision{user: user, approved: true})
		case "reject", "rejected":
			out = append(out, decision{user: user})
		default:
			return nil, fmt.Errorf("invalid decision %q, want user=approve|reject", r)
		}
	}
	return out, nil
}

func parseData(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("invalid --data: %w", err)
	}
	return data, nil
}

func pendingTaskFor(ctx context.Context, api *workflow.WorkflowAPI, instanceID, user string) (types.WorkflowTask, error) {
	tasks, err := api.GetInstanceTasks(ctx, instanceID)
	if err != nil {
		return types.WorkflowTask{}, err
	}
	for _, t := range tasks {
		if t.Status == types.TaskPending && t.AssignedTo == user {
			return t, nil
		}
	}
	return types.WorkflowTask{}, fmt.Errorf("no pending task assigned to %s", user)
}

func printInstance(ctx context.Context, out io.Writer, api *workflow.WorkflowAPI, instanceID string) error {
	inst, err := api.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	tasks, err := api.GetInstanceTasks(ctx, instanceID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tFROM\tTRANSITION\tTO\tBY\tCOMMENT")
	for i, h := range inst.History {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, h.FromState, h.TransitionName, h.ToState, h.TriggeredBy, h.Comment)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "state: %s\nstatus: %s\n", inst.CurrentState, inst.Status)
	for _, t := range tasks {
		if t.Status == types.TaskPending {
			fmt.Fprintf(out, "pending task %s %q assigned to %s\n", t.ID, t.Name, t.AssignedTo)
		}
	}
	return nil
}
