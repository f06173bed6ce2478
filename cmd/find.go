package cmd

import (
	"github.com/spf13/cobra"

	"github.com/blujedis/knect-mongo-sub000/core"
)

const (
	populateFlag    = "populate"
	strictFlag      = "strict"
	limitFlag       = "limit"
	skipFlag        = "skip"
	sortFlag        = "sort"
	withDeletedFlag = "with-deleted"
	onlyDeletedFlag = "only-deleted"
	countFlag       = "count"
)

// NewFindCommand returns the command printing the documents of a model that
// match a filter, with joins populated on request.
func NewFindCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find MODEL [FILTER]",
		Short: "Print the documents of a model matching a filter",
		Long: `Print the documents of a model matching a filter.

FILTER is an extended JSON document such as '{"age": {"$gte": 18}}' or a bare
identifier. Documents are printed as a JSON array.`,
		Example: `  knect find user '{"active": true}' --populate posts --sort createdAt:-1 --limit 10`,
		Args:    cobra.RangeArgs(1, 2),
		RunE:    runFind,
	}

	flags := cmd.Flags()
	flags.StringSlice(populateFlag, nil, "joins to populate in the results")
	flags.Bool(strictFlag, false, "fail when a populated reference is missing")
	flags.Int64(limitFlag, 0, "maximum number of documents to print")
	flags.Int64(skipFlag, 0, "number of documents to skip")
	flags.StringSlice(sortFlag, nil, "sort rules as field or field:-1")
	flags.Bool(withDeletedFlag, false, "include soft deleted documents")
	flags.Bool(onlyDeletedFlag, false, "print only soft deleted documents")
	flags.Bool(countFlag, false, "print the number of matching documents instead")

	return cmd
}

func runFind(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()

	var raw string
	if len(args) > 1 {
		raw = args[1]
	}
	filter, err := parseFilter(raw)
	if err != nil {
		return err
	}

	sortRules, _ := flags.GetStringSlice(sortFlag)
	opts, err := parseSort(sortRules)
	if err != nil {
		return err
	}
	if limit, _ := flags.GetInt64(limitFlag); limit > 0 {
		opts = append(opts, core.Limit(limit))
	}
	if skip, _ := flags.GetInt64(skipFlag); skip > 0 {
		opts = append(opts, core.Skip(skip))
	}
	if withDeleted, _ := flags.GetBool(withDeletedFlag); withDeleted {
		opts = append(opts, core.WithDeleted())
	}
	if onlyDeleted, _ := flags.GetBool(onlyDeletedFlag); onlyDeleted {
		opts = append(opts, core.OnlyDeleted())
	}
	if joins, _ := flags.GetStringSlice(populateFlag); len(joins) > 0 {
		spec := core.Joins(joins...)
		if strict, _ := flags.GetBool(strictFlag); strict {
			spec = spec.Strict()
		}
		opts = append(opts, core.Populate(spec))
	}

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

	if count, _ := flags.GetBool(countFlag); count {
		n, err := model.Count(ctx, filter, opts...)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), map[string]int64{"count": n})
	}

	docs, err := model.Find(ctx, filter, opts...)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []core.Document{}
	}
	return writeJSON(cmd.OutOrStdout(), docs)
}
