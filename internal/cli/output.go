package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"rollout/internal/crons"
	"rollout/internal/domain"
	"rollout/internal/jobs"
	"rollout/internal/storage"
)

// tabular values render as aligned columns in table output.
type tabular interface {
	header() []string
	rows() [][]string
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, v any) error {
	switch t := v.(type) {
	case tabular:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(t.header(), "\t"))
		for _, r := range t.rows() {
			fmt.Fprintln(tw, strings.Join(r, "\t"))
		}
		return tw.Flush()
	case string:
		_, err := fmt.Fprintln(w, t)
		return err
	case []string:
		for _, s := range t {
			if _, err := fmt.Fprintln(w, s); err != nil {
				return err
			}
		}
		return nil
	}
	return writeJSON(w, v)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func tagOf(img *domain.Image) string {
	if img == nil {
		return "<none>"
	}
	return img.Tag
}

type jobList []jobs.Job

func (jobList) header() []string { return []string{"NAME", "CLUSTER", "FROM", "EXPRESSION", "CRON"} }

func (l jobList) rows() [][]string {
	out := make([][]string, 0, len(l))
	for _, j := range l {
		c := j.Cron
		if c == "" {
			c = "-"
		}
		out = append(out, []string{j.Name, j.Cluster, string(j.From.Type), j.From.Expression, c})
	}
	return out
}

type jobPlan jobs.JobPlan

func (jobPlan) header() []string { return []string{"GROUP", "DEPLOYMENT", "FROM", "TO", "STATUS"} }

func (p jobPlan) rows() [][]string {
	out := make([][]string, 0, len(p.Deployments)+len(p.Skipped))
	for _, d := range p.Deployments {
		out = append(out, []string{d.Group.String(), d.Deployment.Name, tagOf(d.Deployment.Image), d.Image.Tag, "planned"})
	}
	for _, s := range p.Skipped {
		out = append(out, []string{s.Group.String(), s.Deployment, "-", "-", "skipped: " + s.Reason})
	}
	return out
}

type runList []storage.RunRecord

func (runList) header() []string {
	return []string{"ID", "TRIGGER", "STARTED", "TOOK", "PLANNED", "APPLIED", "FAILED", "SKIPPED", "ERROR"}
}

func (l runList) rows() [][]string {
	out := make([][]string, 0, len(l))
	for _, r := range l {
		errText := r.Error
		if errText == "" {
			errText = "-"
		}
		out = append(out, []string{
			r.ID, r.Trigger, stamp(r.Started), r.Took().Round(time.Millisecond).String(),
			strconv.Itoa(r.Planned), strconv.Itoa(r.Applied), strconv.Itoa(r.Failed), strconv.Itoa(r.Skipped),
			errText,
		})
	}
	return out
}

type schedule crons.Cron

func (schedule) header() []string { return []string{"FIELD", "VALUE"} }

func (c schedule) rows() [][]string {
	last := "-"
	if c.LastRun != nil {
		last = stamp(*c.LastRun)
	}
	out := [][]string{
		{"name", c.Name},
		{"expr", c.Expr},
		{"started", strconv.FormatBool(c.IsStarted)},
		{"running", strconv.FormatBool(c.IsRunning)},
		{"last run", last},
		{"skipped", strconv.FormatUint(c.Skipped, 10)},
	}
	if c.LastError != "" {
		out = append(out, []string{"last error", c.LastError})
	}
	for _, n := range c.NextRuns {
		out = append(out, []string{"next run", stamp(n)})
	}
	return out
}

type deploymentList []domain.Deployment

func (deploymentList) header() []string { return []string{"NAME", "IMAGE", "TAG"} }

func (l deploymentList) rows() [][]string {
	out := make([][]string, 0, len(l))
	for _, d := range l {
		name := "<unknown>"
		if d.Image != nil {
			name = d.Image.Name
		}
		out = append(out, []string{d.Name, name, tagOf(d.Image)})
	}
	return out
}

type podList []domain.Pod

func (podList) header() []string { return []string{"NAME", "TAG", "READY", "RESTARTS", "STARTED"} }

func (l podList) rows() [][]string {
	out := make([][]string, 0, len(l))
	for _, p := range l {
		out = append(out, []string{
			p.Name, tagOf(p.Image), strconv.FormatBool(p.Ready),
			strconv.Itoa(int(p.Restarts)), stamp(p.Started),
		})
	}
	return out
}

type scalerList []domain.Scaler

func (scalerList) header() []string { return []string{"NAME", "CURRENT", "MIN", "MAX"} }

func (l scalerList) rows() [][]string {
	out := make([][]string, 0, len(l))
	for _, s := range l {
		out = append(out, []string{
			s.Name,
			strconv.Itoa(int(s.Replicas.Current)),
			strconv.Itoa(int(s.Replicas.Minimum)),
			strconv.Itoa(int(s.Replicas.Maximum)),
		})
	}
	return out
}

type imageList []domain.Image

func (imageList) header() []string { return []string{"TAG", "UPDATED", "URL"} }

func (l imageList) rows() [][]string {
	out := make([][]string, 0, len(l))
	for _, i := range l {
		out = append(out, []string{i.Tag, stamp(i.LastUpdated), i.URL})
	}
	return out
}
