package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/blujedis/knect-mongo-sub000/core"
)

const (
	joinFlag   = "join"
	dryRunFlag = "dry-run"
)

var errDryRun = errors.New("dry run")

// CascadeReport is the printed outcome of a cascade for one document.
type CascadeReport struct {
	ID      any              `json:"_id"`
	Deleted map[string]int64 `json:"deleted"`
}

// NewCascadeCommand returns the command deleting the documents joined to the
// documents of a model that match a filter.
func NewCascadeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cascade MODEL FILTER",
		Short: "Delete the documents joined to the matching documents of a model",
		Long: `Delete the documents joined to the matching documents of a model.

Without --join every join marked cascade in the model config is followed. The
deletes run in one transaction; --dry-run rolls it back after reporting.`,
		Example: `  knect cascade user 5f1d7f0b2c8b9a0001a1b2c3 --join posts --dry-run`,
		Args:    cobra.ExactArgs(2),
		RunE:    runCascade,
	}

	flags := cmd.Flags()
	flags.StringSlice(joinFlag, nil, "joins to follow (default: joins marked cascade)")
	flags.Bool(dryRunFlag, false, "report the deletes without keeping them")

	return cmd
}

func runCascade(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	filter, err := parseFilter(args[1])
	if err != nil {
		return err
	}
	joins, _ := flags.GetStringSlice(joinFlag)
	dryRun, _ := flags.GetBool(dryRunFlag)

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.close(ctx, cmd.ErrOrStderr())
	}()

	model, err := s.model(args[0])
	if err != nil {
		return err
	}

	var reports []CascadeReport
	err = core.RunTransaction(ctx, s.registry.Driver(), func(txCtx context.Context) error {
		docs, err := model.Find(txCtx, filter)
		if err != nil {
			return err
		}
		var results []core.CascadeResult
		if len(joins) == 0 {
			results, err = model.CascadeAll(txCtx, docs)
		} else {
			results, err = model.Cascade(txCtx, docs, core.Joins(joins...))
		}
		if err != nil {
			return err
		}
		reports = cascadeReports(results)
		if dryRun {
			return errDryRun
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDryRun) {
		return err
	}
	if reports == nil {
		reports = []CascadeReport{}
	}
	return writeJSON(cmd.OutOrStdout(), reports)
}

func cascadeReports(results []core.CascadeResult) []CascadeReport {
	out := make([]CascadeReport, 0, len(results))
	for _, res := range results {
		report := CascadeReport{ID: res.Doc.ID(), Deleted: make(map[string]int64, len(res.Ops))}
		for name, ops := range res.Ops {
			for _, op := range ops {
				report.Deleted[name] += op.DeletedCount
			}
		}
		out = append(out, report)
	}
	return out
}
