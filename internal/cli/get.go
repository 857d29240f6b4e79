package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type GetOptions struct {
	GlobalOptions
}

func DefaultGetOptions() *GetOptions {
	return &GetOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdGet() *cobra.Command {
	o := DefaultGetOptions()
	cmd := &cobra.Command{
		Use:          "get JOB_ID",
		Short:        "Display one job with its module results.",
		Args:         cobra.ExactArgs(1),
		RunE:         runE(o.Validate, o.Run),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *GetOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
}

func (o *GetOptions) Run(cmd *cobra.Command, args []string) error {
	job, err := o.Client().Get(cmd.Context(), args[0])
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("job %s not found or expired", args[0])
	}
	if err != nil {
		return fmt.Errorf("reading job %s: %w", args[0], err)
	}
	return printJob(cmd.OutOrStdout(), o.Output, job)
}

type ListOptions struct {
	GlobalOptions
}

func NewCmdList() *cobra.Command {
	o := &ListOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List live job ids, newest first.",
		Args:         cobra.NoArgs,
		RunE:         runE(o.Validate, o.Run),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *ListOptions) Run(cmd *cobra.Command, args []string) error {
	ids, err := o.Client().List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	return printNames(cmd.OutOrStdout(), o.Output, "JOB ID", ids)
}

type ModulesOptions struct {
	GlobalOptions
}

func NewCmdModules() *cobra.Command {
	o := &ModulesOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:          "modules",
		Short:        "List modules hosted by live workers and the IOC types they accept.",
		Args:         cobra.NoArgs,
		RunE:         runE(o.Validate, o.Run),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *ModulesOptions) Run(cmd *cobra.Command, args []string) error {
	modules, err := o.Client().Modules(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing modules: %w", err)
	}
	return printModules(cmd.OutOrStdout(), o.Output, modules)
}

type ClassifyOptions struct {
	GlobalOptions
}

func NewCmdClassify() *cobra.Command {
	o := &ClassifyOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:          "classify IOC...",
		Short:        "Detect the indicator type of each IOC.",
		Args:         cobra.MinimumNArgs(1),
		RunE:         runE(o.Validate, o.Run),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *ClassifyOptions) Run(cmd *cobra.Command, args []string) error {
	groups, err := o.Client().Classify(cmd.Context(), args)
	if err != nil {
		return fmt.Errorf("classifying iocs: %w", err)
	}
	return printClassified(cmd.OutOrStdout(), o.Output, groups)
}
