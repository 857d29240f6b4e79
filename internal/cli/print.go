package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	http_api "threat-api/internal/api/http"
	"threat-api/internal/domain"

	"sigs.k8s.io/yaml"
)

func printStructured(w io.Writer, format string, v any) error {
	var (
		out []byte
		err error
	)
	switch format {
	case yamlFormat:
		out, err = yaml.Marshal(v)
	default:
		out, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshalling output: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", out)
	return err
}

func printJob(w io.Writer, format string, job *http_api.JobView) error {
	if format != tableFormat {
		return printStructured(w, format, job)
	}
	tw := tabwriter.NewWriter(w, 0, 8, 1, '\t', 0)
	fmt.Fprintln(tw, "JOB ID\tSTATUS\tPROGRESS\tEXPIRES")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", job.JobID, job.Status,
		strconv.FormatFloat(job.Progress*100, 'f', 0, 64)+"%", job.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "MODULE\tCOMPLETED\tRESULT")

	names := make([]string, 0, len(job.Request.RequestedModules))
	names = append(names, job.Request.RequestedModules...)
	for name := range job.Responses {
		if !contains(names, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		res, ok := job.Responses[name]
		switch {
		case !ok:
			fmt.Fprintf(tw, "%s\t-\twaiting\n", name)
		case res.Failed():
			fmt.Fprintf(tw, "%s\t%s\terror: %s\n", name, res.CompletionTime.Format(time.RFC3339), res.Error)
		default:
			fmt.Fprintf(tw, "%s\t%s\t%d bytes\n", name, res.CompletionTime.Format(time.RFC3339), len(res.Payload))
		}
	}
	return tw.Flush()
}

func printNames(w io.Writer, format, header string, names []string) error {
	if format != tableFormat {
		return printStructured(w, format, names)
	}
	tw := tabwriter.NewWriter(w, 0, 8, 1, '\t', 0)
	fmt.Fprintln(tw, header)
	for _, n := range names {
		fmt.Fprintln(tw, n)
	}
	return tw.Flush()
}

func printModules(w io.Writer, format string, modules map[string]domain.ModuleInfo) error {
	if format != tableFormat {
		return printStructured(w, format, modules)
	}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 8, 1, '\t', 0)
	fmt.Fprintln(tw, "MODULE\tIOC TYPES")
	for _, name := range names {
		types := "any"
		if t := modules[name].SupportedIOCTypes; len(t) > 0 {
			types = strings.Join(t, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, types)
	}
	return tw.Flush()
}

func printClassified(w io.Writer, format string, groups map[string][]string) error {
	if format != tableFormat {
		return printStructured(w, format, groups)
	}
	types := make([]string, 0, len(groups))
	for t := range groups {
		types = append(types, t)
	}
	sort.Strings(types)

	tw := tabwriter.NewWriter(w, 0, 8, 1, '\t', 0)
	fmt.Fprintln(tw, "IOC\tTYPE")
	for _, t := range types {
		for _, ioc := range groups[t] {
			fmt.Fprintf(tw, "%s\t%s\n", ioc, t)
		}
	}
	return tw.Flush()
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
