// Package parse turns a pipelines definition file (bitbucket-pipelines.yml
// layout) into the in-memory models.Pipelines set, merging the built-in
// caches and services beneath the user's definitions.
package parse

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/poddipe/poddipe/pkg/config"
	"github.com/poddipe/poddipe/pkg/models"
)

var validGroups = map[string]bool{
	"branches":      true,
	"custom":        true,
	"pull-requests": true,
}

type fileDoc struct {
	Image       yaml.Node                        `yaml:"image"`
	Clone       cloneDoc                         `yaml:"clone"`
	Definitions definitionsDoc                   `yaml:"definitions"`
	Pipelines   map[string]map[string][]yaml.Node `yaml:"pipelines"`
}

type cloneDoc struct {
	Enabled *bool      `yaml:"enabled"`
	LFS     *bool      `yaml:"lfs"`
	Depth   yaml.Node  `yaml:"depth"`
}

type definitionsDoc struct {
	Caches   map[string]string        `yaml:"caches"`
	Services map[string]serviceDoc    `yaml:"services"`
}

type serviceDoc struct {
	Image     yaml.Node         `yaml:"image"`
	Variables map[string]string `yaml:"variables"`
	Memory    int               `yaml:"memory"`
	Command   string            `yaml:"command"`
}

type stepDoc struct {
	Name        string     `yaml:"name"`
	Script      []string   `yaml:"script"`
	AfterScript []string   `yaml:"after-script"`
	Image       yaml.Node  `yaml:"image"`
	Caches      []string   `yaml:"caches"`
	Services    []string   `yaml:"services"`
	Artifacts   []string   `yaml:"artifacts"`
	Size        string     `yaml:"size"`
	Clone       cloneDoc   `yaml:"clone"`
}

type elementDoc struct {
	Step      *stepDoc    `yaml:"step"`
	Parallel  []yaml.Node `yaml:"parallel"`
	Variables yaml.Node   `yaml:"variables"`
}

// File parses the pipelines file at path.
func File(path string, cfg *config.Config) (*models.Pipelines, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "pipelines file not found: %s", path)
	}
	return Bytes(data, cfg)
}

// Bytes parses an in-memory pipelines definition.
func Bytes(data []byte, cfg *config.Config) (*models.Pipelines, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "invalid pipelines file")
	}

	caches, services, err := parseDefinitions(&doc.Definitions, cfg)
	if err != nil {
		return nil, err
	}

	pipelines, err := parsePipelines(doc.Pipelines)
	if err != nil {
		return nil, err
	}

	var image *models.Image
	if !doc.Image.IsZero() {
		image, err = parseImage(&doc.Image)
		if err != nil {
			return nil, err
		}
	}

	clone, err := parseClone(doc.Clone)
	if err != nil {
		return nil, err
	}

	return &models.Pipelines{
		Image:     image,
		Clone:     clone,
		Pipelines: pipelines,
		Caches:    caches,
		Services:  services,
	}, nil
}

func parsePipelines(groups map[string]map[string][]yaml.Node) (map[string]*models.Pipeline, error) {
	if groups == nil {
		return nil, errors.New("invalid pipelines file: key not found: 'pipelines'")
	}
	if len(groups) == 0 {
		return nil, errors.New("no pipeline groups")
	}

	var invalid []string
	for g := range groups {
		if !validGroups[g] {
			invalid = append(invalid, g)
		}
	}
	if len(invalid) > 0 {
		return nil, errors.Errorf("invalid groups: %s", strings.Join(invalid, ", "))
	}

	pipelines := map[string]*models.Pipeline{}
	for group, members := range groups {
		for name, elements := range members {
			path := group + "." + name
			pipeline, err := parsePipeline(path, name, elements)
			if err != nil {
				return nil, err
			}
			pipelines[path] = pipeline
		}
	}

	return pipelines, nil
}

func parsePipeline(path, name string, elements []yaml.Node) (*models.Pipeline, error) {
	var steps []models.StepNode

	for i := range elements {
		var element elementDoc
		if err := elements[i].Decode(&element); err != nil {
			return nil, errors.Wrapf(err, "invalid element for pipeline: %s", path)
		}

		switch {
		case element.Step != nil:
			step, err := parseStep(element.Step)
			if err != nil {
				return nil, err
			}
			steps = append(steps, step)
		case element.Parallel != nil:
			step, err := parseParallelStep(element.Parallel)
			if err != nil {
				return nil, err
			}
			steps = append(steps, step)
		case !element.Variables.IsZero():
			// Custom pipeline variables are prompted interactively by
			// Bitbucket; the local runner takes them from the environment.
		default:
			return nil, errors.Errorf("invalid element for pipeline: %s", path)
		}
	}

	return &models.Pipeline{Path: path, Name: name, Steps: steps}, nil
}

func parseStep(doc *stepDoc) (*models.Step, error) {
	if doc.Name == "" {
		return nil, errors.New("step has no name")
	}
	if len(doc.Script) == 0 {
		return nil, errors.Errorf("step has no script: %s", doc.Name)
	}
	if len(doc.Services) > 5 {
		return nil, errors.New("too many services, enforcing a limit of 5 services per step")
	}

	size, err := parseStepSize(doc.Size)
	if err != nil {
		return nil, err
	}

	var image *models.Image
	if !doc.Image.IsZero() {
		image, err = parseImage(&doc.Image)
		if err != nil {
			return nil, err
		}
	}

	clone, err := parseClone(doc.Clone)
	if err != nil {
		return nil, err
	}

	return &models.Step{
		Name:        doc.Name,
		Script:      doc.Script,
		AfterScript: doc.AfterScript,
		Image:       image,
		Clone:       clone,
		Size:        size,
		Caches:      doc.Caches,
		Services:    doc.Services,
		Artifacts:   doc.Artifacts,
	}, nil
}

func parseParallelStep(items []yaml.Node) (*models.ParallelStep, error) {
	var steps []*models.Step
	var names []string

	for i := range items {
		var element elementDoc
		if err := items[i].Decode(&element); err != nil || element.Step == nil {
			return nil, errors.New("invalid element for parallel step: expected a step")
		}

		step, err := parseStep(element.Step)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
		names = append(names, step.Name)
	}

	if len(steps) == 0 {
		return nil, errors.New("empty parallel step")
	}

	return &models.ParallelStep{
		Name:  fmt.Sprintf("parallel(%s)", strings.Join(names, ", ")),
		Steps: steps,
	}, nil
}

func parseStepSize(value string) (int, error) {
	switch value {
	case "":
		return 1, nil
	case "2x":
		return 2, nil
	default:
		return 0, errors.Errorf("invalid size: %s", value)
	}
}

func parseClone(doc cloneDoc) (models.CloneSettings, error) {
	settings := models.CloneSettings{Enabled: doc.Enabled, LFS: doc.LFS}

	if !doc.Depth.IsZero() {
		var depth int
		if err := doc.Depth.Decode(&depth); err != nil {
			var keyword string
			if err := doc.Depth.Decode(&keyword); err != nil || keyword != "full" {
				return settings, errors.Errorf("invalid clone depth: %s", doc.Depth.Value)
			}
			// "full" keeps depth unset: the clone takes the whole history.
			return settings, nil
		}
		if depth <= 0 {
			return settings, errors.Errorf("invalid clone depth: %d", depth)
		}
		settings.Depth = &depth
	}

	return settings, nil
}

func parseImage(node *yaml.Node) (*models.Image, error) {
	var name string
	if err := node.Decode(&name); err == nil {
		return &models.Image{Name: name}, nil
	}

	var doc struct {
		Name      string `yaml:"name"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		Email     string `yaml:"email"`
		RunAsUser string `yaml:"run-as-user"`
		AWS       *struct {
			AccessKey string `yaml:"access-key"`
			SecretKey string `yaml:"secret-key"`
		} `yaml:"aws"`
	}
	if err := node.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "invalid image")
	}
	if doc.Name == "" {
		return nil, errors.New("image has no name")
	}

	image := &models.Image{Name: doc.Name}

	var err error
	if image.Username, err = expandVars(doc.Username); err != nil {
		return nil, err
	}
	if image.Password, err = expandVars(doc.Password); err != nil {
		return nil, err
	}
	if image.Email, err = expandVars(doc.Email); err != nil {
		return nil, err
	}
	if image.RunAsUser, err = expandVars(doc.RunAsUser); err != nil {
		return nil, err
	}

	if doc.AWS != nil {
		creds := &models.AWSCredentials{}
		if creds.AccessKey, err = expandVars(doc.AWS.AccessKey); err != nil {
			return nil, err
		}
		if creds.SecretKey, err = expandVars(doc.AWS.SecretKey); err != nil {
			return nil, err
		}
		image.AWS = creds
	}

	return image, nil
}

func parseDefinitions(doc *definitionsDoc, cfg *config.Config) (map[string]models.Cache, map[string]models.Service, error) {
	caches := map[string]models.Cache{}
	for name, path := range cfg.DefaultCaches {
		caches[name] = models.Cache{Name: name, Path: path}
	}

	services := map[string]models.Service{}
	for name, service := range cfg.DefaultServices {
		services[name] = service
	}

	for name, path := range doc.Caches {
		caches[name] = models.Cache{Name: name, Path: path}
	}

	for name, sd := range doc.Services {
		service, err := parseService(name, sd, cfg)
		if err != nil {
			return nil, nil, err
		}

		if existing, ok := services[name]; ok {
			existing.Update(&service)
			services[name] = existing
		} else {
			services[name] = service
		}
	}

	for name, service := range services {
		if service.Image == nil {
			return nil, nil, errors.Errorf("no image for service: %s", name)
		}
	}

	return caches, services, nil
}

func parseService(name string, doc serviceDoc, cfg *config.Config) (models.Service, error) {
	var image *models.Image
	if !doc.Image.IsZero() {
		var err error
		image, err = parseImage(&doc.Image)
		if err != nil {
			return models.Service{}, errors.Wrapf(err, "service %s", name)
		}
	}

	memory := doc.Memory
	if memory == 0 {
		memory = cfg.ServiceContainerDefaultMemory
	}

	return models.Service{
		Name:      name,
		Image:     image,
		Variables: doc.Variables,
		Memory:    memory,
		Command:   doc.Command,
	}, nil
}

func expandVars(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	expanded := os.ExpandEnv(value)
	if strings.Contains(expanded, "$") {
		return "", errors.Errorf("missing envvars: %s", value)
	}
	return expanded, nil
}
