package models

import "sort"

// StepNode is a runnable element of a pipeline: either a plain Step or a
// ParallelStep grouping independent child steps.
type StepNode interface {
	NodeName() string
	stepNode()
}

type Step struct {
	Name        string        `yaml:"name" json:"name"`
	Script      []string      `yaml:"script" json:"script"`
	AfterScript []string      `yaml:"after-script,omitempty" json:"afterScript,omitempty"`
	Image       *Image        `yaml:"image,omitempty" json:"image,omitempty"`
	Clone       CloneSettings `yaml:"clone,omitempty" json:"clone,omitempty"`
	Size        int           `yaml:"size,omitempty" json:"size,omitempty"`
	Caches      []string      `yaml:"caches,omitempty" json:"caches,omitempty"`
	Services    []string      `yaml:"services,omitempty" json:"services,omitempty"`
	Artifacts   []string      `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

func (s *Step) NodeName() string { return s.Name }
func (s *Step) stepNode()        {}

// ParallelStep groups child steps that are independent of each other.
// Nested parallel groups are not allowed.
type ParallelStep struct {
	Name  string  `yaml:"name,omitempty" json:"name,omitempty"`
	Steps []*Step `yaml:"steps" json:"steps"`
}

func (p *ParallelStep) NodeName() string { return p.Name }
func (p *ParallelStep) stepNode()        {}

type Pipeline struct {
	Path  string     `yaml:"path" json:"path"`
	Name  string     `yaml:"name" json:"name"`
	Steps []StepNode `yaml:"steps" json:"steps"`
}

type Image struct {
	Name      string          `yaml:"name" json:"name"`
	Username  string          `yaml:"username,omitempty" json:"username,omitempty"`
	Password  string          `yaml:"password,omitempty" json:"-"`
	Email     string          `yaml:"email,omitempty" json:"email,omitempty"`
	RunAsUser string          `yaml:"run-as-user,omitempty" json:"runAsUser,omitempty"`
	AWS       *AWSCredentials `yaml:"aws,omitempty" json:"aws,omitempty"`
}

type AWSCredentials struct {
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`
}

type Cache struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
}

type Service struct {
	Name      string            `yaml:"name" json:"name"`
	Image     *Image            `yaml:"image,omitempty" json:"image,omitempty"`
	Variables map[string]string `yaml:"variables,omitempty" json:"variables,omitempty"`
	Memory    int               `yaml:"memory,omitempty" json:"memory,omitempty"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
}

// Update overlays the non-zero fields of other onto s. Used when a user
// definition refines one of the built-in services.
func (s *Service) Update(other *Service) {
	if other.Image != nil {
		s.Image = other.Image
	}
	if other.Variables != nil {
		s.Variables = other.Variables
	}
	if other.Memory != 0 {
		s.Memory = other.Memory
	}
	if other.Command != "" {
		s.Command = other.Command
	}
}

// Pipelines is the parsed definition set for one run: every named pipeline
// plus the shared defaults steps can draw from. Read-only after parsing.
type Pipelines struct {
	Image     *Image               `yaml:"image,omitempty" json:"image,omitempty"`
	Clone     CloneSettings        `yaml:"clone,omitempty" json:"clone,omitempty"`
	Pipelines map[string]*Pipeline `yaml:"pipelines" json:"pipelines"`
	Caches    map[string]Cache     `yaml:"caches,omitempty" json:"caches,omitempty"`
	Services  map[string]Service   `yaml:"services,omitempty" json:"services,omitempty"`
}

// Pipeline returns the pipeline registered under path, or nil.
func (p *Pipelines) Pipeline(path string) *Pipeline {
	return p.Pipelines[path]
}

// AvailablePipelines returns the sorted list of pipeline paths.
func (p *Pipelines) AvailablePipelines() []string {
	names := make([]string, 0, len(p.Pipelines))
	for name := range p.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
