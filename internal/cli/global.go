// Package cli implements threatctl, a command line client for the job API.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thoas/go-funk"
)

const (
	tableFormat = "table"
	jsonFormat  = "json"
	yamlFormat  = "yaml"
)

var legalOutputTypes = []string{tableFormat, jsonFormat, yamlFormat}

// GlobalOptions are shared by every subcommand.
type GlobalOptions struct {
	ServerURL string
	Timeout   time.Duration
	Output    string
}

func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		ServerURL: "http://localhost:8080",
		Timeout:   90 * time.Second,
		Output:    tableFormat,
	}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ServerURL, "server-url", "u", o.ServerURL, "Address of the job API")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Overall request timeout")
	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
}

func (o *GlobalOptions) Validate(args []string) error {
	if o.ServerURL == "" {
		return fmt.Errorf("server url must not be empty")
	}
	if !funk.ContainsString(legalOutputTypes, o.Output) {
		return fmt.Errorf("output format must be one of %s", strings.Join(legalOutputTypes, ", "))
	}
	return nil
}

func (o *GlobalOptions) Client() *Client {
	return NewClient(o.ServerURL, o.Timeout)
}

// runE adapts an options Run method into a cobra RunE with validation.
func runE(validate func(args []string) error, run func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(args); err != nil {
			return err
		}
		return run(cmd, args)
	}
}
