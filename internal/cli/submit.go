package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	http_api "threat-api/internal/api/http"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type SubmitOptions struct {
	GlobalOptions

	Modules     []string
	Payload     string
	PayloadFile string
	Wait        time.Duration
}

func DefaultSubmitOptions() *SubmitOptions {
	return &SubmitOptions{GlobalOptions: DefaultGlobalOptions()}
}

func NewCmdSubmit() *cobra.Command {
	o := DefaultSubmitOptions()
	cmd := &cobra.Command{
		Use:          "submit --module NAME [--module NAME...] (--payload JSON | --payload-file FILE)",
		Short:        "Submit a job to one or more modules.",
		Args:         cobra.NoArgs,
		RunE:         runE(o.Validate, o.Run),
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *SubmitOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringSliceVarP(&o.Modules, "module", "m", o.Modules, "Module to request; repeat or comma-separate for several")
	fs.StringVarP(&o.Payload, "payload", "p", o.Payload, "JSON payload handed to every module")
	fs.StringVarP(&o.PayloadFile, "payload-file", "f", o.PayloadFile, "Read the JSON payload from a file")
	fs.DurationVarP(&o.Wait, "wait", "w", o.Wait, "Wait up to this long for every module to answer")
}

func (o *SubmitOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if len(o.Modules) == 0 {
		return errors.New("at least one --module is required")
	}
	if o.Payload != "" && o.PayloadFile != "" {
		return errors.New("at most one of --payload or --payload-file may be set")
	}
	if o.Wait < 0 {
		return errors.New("--wait must not be negative")
	}
	return nil
}

func (o *SubmitOptions) payload() (json.RawMessage, error) {
	if o.Payload == "" && o.PayloadFile == "" {
		return nil, nil
	}
	raw := []byte(o.Payload)
	if o.PayloadFile != "" {
		b, err := os.ReadFile(o.PayloadFile)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return raw, nil
}

func (o *SubmitOptions) Run(cmd *cobra.Command, args []string) error {
	payload, err := o.payload()
	if err != nil {
		return err
	}
	req := http_api.SubmitJobRequest{RequestedModules: o.Modules, Payload: payload}
	c := o.Client()

	if o.Wait > 0 {
		job, err := c.SubmitAndWait(cmd.Context(), req, o.Wait)
		if err != nil {
			return fmt.Errorf("submitting job: %w", err)
		}
		return printJob(cmd.OutOrStdout(), o.Output, job)
	}

	jobID, err := c.Submit(cmd.Context(), req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.JobID != "" {
			return fmt.Errorf("job %s stored but not dispatched: %w", apiErr.JobID, err)
		}
		return fmt.Errorf("submitting job: %w", err)
	}
	if o.Output != tableFormat {
		return printStructured(cmd.OutOrStdout(), o.Output, http_api.SubmitJobResponse{JobID: jobID})
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), jobID)
	return err
}
