// Package template generates starter [[jobs]] entries for a deployr config.
package template

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType represents the type of job template to generate
type TemplateType string

const (
	TypeScript  TemplateType = "script"
	TypeVersion TemplateType = "versioned"
	TypeGradle  TemplateType = "gradle"
	TypeDocker  TemplateType = "docker"
	TypeCompose TemplateType = "compose"
	TypeSimple  TemplateType = "simple"
	TypeBasic   TemplateType = "basic"
)

// Step mirrors one [[jobs.steps]] table.
type Step struct {
	Label   string   `toml:"label,omitempty"`
	Message string   `toml:"message,omitempty"`
	Command string   `toml:"command,omitempty"`
	WorkDir string   `toml:"work_dir,omitempty"`
	Env     []string `toml:"env,omitempty"`
}

// JobTemplate mirrors one [[jobs]] table.
type JobTemplate struct {
	Name        string   `toml:"name"`
	Title       string   `toml:"title,omitempty"`
	Description string   `toml:"description,omitempty"`
	Lease       string   `toml:"lease,omitempty"`
	Params      []string `toml:"params,omitempty"`
	Metadata    []string `toml:"metadata,omitempty"`
	WorkDir     string   `toml:"work_dir,omitempty"`
	Env         []string `toml:"env,omitempty"`
	Steps       []Step   `toml:"steps"`
}

type document struct {
	Jobs []JobTemplate `toml:"jobs"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a job template based on the specified type and name
func (g *Generator) Generate(templateType TemplateType, name string) (*JobTemplate, error) {
	switch templateType {
	case TypeScript, TypeVersion:
		return g.generateScriptTemplate(name), nil
	case TypeGradle:
		return g.generateGradleTemplate(name), nil
	case TypeDocker, TypeCompose:
		return g.generateDockerTemplate(name), nil
	case TypeSimple, TypeBasic:
		return g.generateSimpleTemplate(name), nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: script, gradle, docker, simple)", templateType)
	}
}

// GenerateTOML renders the template as a [[jobs]] block that can be appended
// to a config file.
func (g *Generator) GenerateTOML(templateType TemplateType, name string) ([]byte, error) {
	job, err := g.Generate(templateType, name)
	if err != nil {
		return nil, err
	}
	b, err := toml.Marshal(document{Jobs: []JobTemplate{*job}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return b, nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeScript),
		string(TypeGradle),
		string(TypeDocker),
		string(TypeSimple),
	}
}

func (g *Generator) generateScriptTemplate(name string) *JobTemplate {
	return &JobTemplate{
		Name:        name,
		Title:       name,
		Description: "Run the deploy script with the requested version",
		Params:      []string{"version"},
		Metadata:    []string{"version"},
		WorkDir:     "/opt/" + name,
		Steps: []Step{
			{Message: "Proceeding to deploy " + name + "\n\n"},
			{Label: "deploy", Command: "./deploy.sh {{.version}}", Env: []string{"STAGE=dev"}},
		},
	}
}

func (g *Generator) generateGradleTemplate(name string) *JobTemplate {
	return &JobTemplate{
		Name:        name,
		Title:       name,
		Description: "Check out the branch and run the gradle deploy task",
		WorkDir:     "/opt/" + name,
		Steps: []Step{
			{Message: "Proceeding to deploy " + name + "\n\n"},
			{Label: "checkout", Command: "git checkout develop && git pull --ff-only"},
			{Label: "deploy", Command: "./gradlew deploy -PenvironmentName=dev"},
		},
	}
}

func (g *Generator) generateDockerTemplate(name string) *JobTemplate {
	return &JobTemplate{
		Name:        name,
		Title:       name,
		Description: "Pull the tagged image and restart the compose service",
		Params:      []string{"tag"},
		Metadata:    []string{"tag"},
		WorkDir:     "/srv/" + name,
		Env:         []string{"COMPOSE_PROJECT_NAME=" + name},
		Steps: []Step{
			{Label: "pull", Command: "TAG={{.tag}} docker compose pull"},
			{Label: "up", Command: "TAG={{.tag}} docker compose up -d --remove-orphans"},
		},
	}
}

func (g *Generator) generateSimpleTemplate(name string) *JobTemplate {
	return &JobTemplate{
		Name: name,
		Steps: []Step{
			{Label: "hello", Command: "echo 'Hello from " + name + "'"},
		},
	}
}
