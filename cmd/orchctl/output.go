package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"generation-orchestrator/internal/models"
)

// render writes v as JSON or YAML, or calls text for the default format.
// YAML goes through JSON first so raw payloads print as structures.
func render(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(w)
		return nil
	}
}

func printJob(w io.Writer, j models.Job) {
	fmt.Fprintf(w, "%-6d %-18s %-10s attempts=%d/%d priority=%d run_after=%s",
		j.ID, j.Kind, j.Status, j.Attempts, j.MaxAttempts, j.Priority, j.RunAfter.Format("2006-01-02T15:04:05Z07:00"))
	if j.ErrorMessage != nil {
		fmt.Fprintf(w, " error=%q", *j.ErrorMessage)
	}
	fmt.Fprintln(w)
}

func printOrder(w io.Writer, o models.Order) {
	var job string
	if o.JobID != nil {
		job = fmt.Sprintf(" job=%d", *o.JobID)
	}
	fmt.Fprintf(w, "%-6d %-13s %-9s %s:%s requested_by=%s%s",
		o.ID, o.Kind, o.Status, o.ScopeType, o.ScopeKey, o.RequestedBy, job)
	if o.ErrorMessage != nil {
		fmt.Fprintf(w, " error=%q", *o.ErrorMessage)
	}
	fmt.Fprintln(w)
}

func printEvent(w io.Writer, ev models.Event) {
	fmt.Fprintf(w, "%-5d %-24s %s %s\n", ev.Seq, ev.Type, ev.CreatedAt.Format("15:04:05.000"), strings.TrimSpace(string(ev.Payload)))
}
