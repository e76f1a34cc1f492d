// Package jobs turns configured job definitions and request parameters into
// runnable pipelines.
package jobs

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"text/template"

	"github.com/loykin/deployr/internal/env"
	"github.com/loykin/deployr/internal/pipeline"
)

var ErrUnknownJob = errors.New("unknown job")

// MissingParamsError lists required parameters absent from a request.
type MissingParamsError struct {
	Missing []string
}

func (e *MissingParamsError) Error() string {
	return "missing required parameter(s): " + strings.Join(e.Missing, ", ")
}

// Step is one configured step. Exactly one of Message and Command is set.
type Step struct {
	Label   string   `toml:"label" mapstructure:"label" json:"label,omitempty"`
	Message string   `toml:"message" mapstructure:"message" json:"message,omitempty"`
	Command string   `toml:"command" mapstructure:"command" json:"command,omitempty"`
	WorkDir string   `toml:"work_dir" mapstructure:"work_dir" json:"work_dir,omitempty"`
	Env     []string `toml:"env" mapstructure:"env" json:"env,omitempty"`
}

type Job struct {
	Name        string `toml:"name" mapstructure:"name" json:"name"`
	Title       string `toml:"title" mapstructure:"title" json:"title,omitempty"`
	Lease       string `toml:"lease" mapstructure:"lease" json:"lease,omitempty"`
	Description string `toml:"description" mapstructure:"description" json:"description,omitempty"`
	// Params are required request parameters.
	Params []string `toml:"params" mapstructure:"params" json:"params,omitempty"`
	// Metadata names the params stored with the run.
	Metadata []string `toml:"metadata" mapstructure:"metadata" json:"metadata,omitempty"`
	WorkDir  string   `toml:"work_dir" mapstructure:"work_dir" json:"work_dir,omitempty"`
	Env      []string `toml:"env" mapstructure:"env" json:"env,omitempty"`
	Steps    []Step   `toml:"steps" mapstructure:"steps" json:"steps"`
}

// LeaseName is the resource class this job locks.
func (j Job) LeaseName() string {
	if j.Lease != "" {
		return j.Lease
	}
	return "deploy_" + j.Name + "_lock"
}

// DisplayName is used in user-facing messages.
func (j Job) DisplayName() string {
	if j.Title != "" {
		return j.Title
	}
	return j.Name
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func (j Job) Validate() error {
	if !nameRe.MatchString(j.Name) {
		return fmt.Errorf("invalid job name %q", j.Name)
	}
	if len(j.Steps) == 0 {
		return fmt.Errorf("job %s has no steps", j.Name)
	}
	for i, s := range j.Steps {
		hasMsg, hasCmd := s.Message != "", strings.TrimSpace(s.Command) != ""
		if hasMsg == hasCmd {
			return fmt.Errorf("job %s step %d: exactly one of message or command is required", j.Name, i+1)
		}
	}
	for _, m := range j.Metadata {
		if !slices.Contains(j.Params, m) {
			return fmt.Errorf("job %s: metadata %q is not a declared param", j.Name, m)
		}
	}
	return nil
}

type compiledStep struct {
	step    Step
	text    *template.Template
	workDir *template.Template
}

type compiled struct {
	job   Job
	steps []compiledStep
}

// Catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	jobs  map[string]*compiled
	names []string
	env   *env.Env
}

func funcs() template.FuncMap {
	return template.FuncMap{"quote": Quote}
}

// NewCatalog validates every job and parses its step templates. Params are
// available to templates as {{.name}}, or {{index . "name-with-dashes"}}.
func NewCatalog(defs []Job, global *env.Env) (*Catalog, error) {
	if global == nil {
		global = env.New()
	}
	global.FromOS()
	c := &Catalog{jobs: make(map[string]*compiled, len(defs)), env: global}
	for _, j := range defs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.jobs[j.Name]; dup {
			return nil, fmt.Errorf("duplicate job %q", j.Name)
		}
		cj := &compiled{job: j}
		for i, s := range j.Steps {
			src := s.Message
			if s.Command != "" {
				src = s.Command
			}
			name := fmt.Sprintf("%s/%d", j.Name, i+1)
			t, err := template.New(name).Funcs(funcs()).Option("missingkey=error").Parse(src)
			if err != nil {
				return nil, fmt.Errorf("job %s step %d: %w", j.Name, i+1, err)
			}
			wd := s.WorkDir
			if wd == "" {
				wd = j.WorkDir
			}
			w, err := template.New(name + "/work_dir").Option("missingkey=error").Parse(wd)
			if err != nil {
				return nil, fmt.Errorf("job %s step %d work_dir: %w", j.Name, i+1, err)
			}
			cj.steps = append(cj.steps, compiledStep{step: s, text: t, workDir: w})
		}
		if err := cj.dryRun(); err != nil {
			return nil, err
		}
		c.jobs[j.Name] = cj
		c.names = append(c.names, j.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// dryRun renders every step with placeholder params so that references to
// undeclared params fail at load time instead of on the first request.
func (cj *compiled) dryRun() error {
	data := make(map[string]string, len(cj.job.Params))
	for _, p := range cj.job.Params {
		data[p] = "x"
	}
	for _, cs := range cj.steps {
		if _, err := render(cs.text, data); err != nil {
			return err
		}
		if _, err := render(cs.workDir, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) Get(name string) (Job, bool) {
	cj, ok := c.jobs[name]
	if !ok {
		return Job{}, false
	}
	return cj.job, true
}

// Jobs returns every job sorted by name.
func (c *Catalog) Jobs() []Job {
	out := make([]Job, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.jobs[n].job)
	}
	return out
}

// Build renders job name with params into a pipeline spec. Values are
// substituted verbatim into messages and work dirs, and shell-quoted into
// commands. Params not declared by the job are ignored.
func (c *Catalog) Build(name string, params map[string]string) (pipeline.Spec, error) {
	cj, ok := c.jobs[name]
	if !ok {
		return pipeline.Spec{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	j := cj.job

	var missing []string
	raw := make(map[string]string, len(j.Params))
	quoted := make(map[string]string, len(j.Params))
	for _, p := range j.Params {
		v, ok := params[p]
		if !ok || v == "" {
			missing = append(missing, p)
			continue
		}
		raw[p] = v
		quoted[p] = Quote(v)
	}
	if len(missing) > 0 {
		return pipeline.Spec{}, &MissingParamsError{Missing: missing}
	}

	spec := pipeline.Spec{Job: j.Name, LeaseName: j.LeaseName()}
	for _, m := range j.Metadata {
		if spec.Metadata == nil {
			spec.Metadata = make(map[string]string, len(j.Metadata))
		}
		spec.Metadata[m] = raw[m]
	}
	for _, cs := range cj.steps {
		data := raw
		if cs.step.Command != "" {
			data = quoted
		}
		text, err := render(cs.text, data)
		if err != nil {
			return pipeline.Spec{}, err
		}
		wd, err := render(cs.workDir, raw)
		if err != nil {
			return pipeline.Spec{}, err
		}
		st := pipeline.Step{Label: cs.step.Label, WorkDir: wd}
		if cs.step.Command != "" {
			st.Command = text
			st.Env = c.env.Merge(j.Env, cs.step.Env)
		} else {
			st.Message = text
		}
		spec.Steps = append(spec.Steps, st)
	}
	return spec, nil
}

func render(t *template.Template, data map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
