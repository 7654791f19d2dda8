// Package plan loads workflow plans described in YAML files.
package plan

import (
	"os"

	"github.com/ignatij/stepflow/pkg/models"
	"github.com/ignatij/stepflow/pkg/service"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// File is the YAML form of a workflow plan.
//
//	owner: array
//	name: volume-create
//	task_id: task-42
//	rollback: true
//	resources: [vol-1]
//	steps:
//	  - name: create
//	    target: array
//	    method: create_volume
//	    args: [vol-1, 10]
//	    compensate: {method: delete_volume, args: [vol-1]}
//	  - name: export
//	    wait_for: [create]
//	    target: array
//	    method: export_volume
//	    no_undo: true
type File struct {
	Owner          string     `yaml:"owner"`
	Name           string     `yaml:"name"`
	TaskID         string     `yaml:"task_id"`
	Rollback       bool       `yaml:"rollback"`
	SuccessMessage string     `yaml:"success_message"`
	Resources      []string   `yaml:"resources"`
	LockKeys       []string   `yaml:"lock_keys"`
	Steps          []StepSpec `yaml:"steps"`
}

// StepSpec is one step of a plan file. WaitFor names earlier steps.
type StepSpec struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	WaitFor     []string      `yaml:"wait_for"`
	System      string        `yaml:"system"`
	Resource    string        `yaml:"resource"`
	Target      string        `yaml:"target"`
	Method      string        `yaml:"method"`
	Args        []interface{} `yaml:"args"`
	Compensate  *Compensation `yaml:"compensate"`
	NoUndo      bool          `yaml:"no_undo"`
	LockKeys    []string      `yaml:"lock_keys"`
}

// Compensation describes the undo of a step. Target defaults to the
// step's own target.
type Compensation struct {
	Target string        `yaml:"target"`
	Method string        `yaml:"method"`
	Args   []interface{} `yaml:"args"`
}

// Load reads and parses a plan file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read plan %s", path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "plan %s", path)
	}
	return f, nil
}

// Parse decodes a plan document and checks it for obvious mistakes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode plan")
	}
	if f.Name == "" {
		return nil, errors.New("plan has no name")
	}
	if f.Owner == "" {
		f.Owner = "stepflow"
	}
	seen := make(map[string]bool, len(f.Steps))
	for i, s := range f.Steps {
		if s.Name == "" {
			return nil, errors.Errorf("step %d has no name", i+1)
		}
		if seen[s.Name] {
			return nil, errors.Errorf("duplicate step name '%s'", s.Name)
		}
		for _, dep := range s.WaitFor {
			if !seen[dep] {
				return nil, errors.Errorf("step '%s' waits for '%s', which is not an earlier step", s.Name, dep)
			}
		}
		if s.NoUndo && s.Compensate != nil {
			return nil, errors.Errorf("step '%s' has both compensate and no_undo", s.Name)
		}
		seen[s.Name] = true
	}
	return &f, nil
}

// Build turns the file into a plan ready for Engine.ExecutePlan.
func (f *File) Build() (*service.Plan, error) {
	p := service.NewPlan(f.Owner, f.Name, f.Rollback, f.TaskID)
	p.AddLockKeys(f.LockKeys...)
	handles := make(map[string]service.StepHandle, len(f.Steps))
	for _, s := range f.Steps {
		deps := make([]service.StepHandle, 0, len(s.WaitFor))
		for _, dep := range s.WaitFor {
			deps = append(deps, handles[dep])
		}
		opts := []service.StepOption{service.WithLockKeys(s.LockKeys...)}
		if s.Resource != "" {
			opts = append(opts, service.WithResourceID(s.Resource))
		}
		h, err := p.CreateStep(s.Name, s.Description, service.AllOf(deps...), s.System, s.action(), opts...)
		if err != nil {
			return nil, err
		}
		handles[s.Name] = h
	}
	return p, nil
}

func (s StepSpec) action() models.Action {
	forward := models.ActionDescriptor{Target: s.Target, Method: s.Method, Args: s.Args}
	switch {
	case s.NoUndo:
		return models.NewAction(forward, models.NullCompensation())
	case s.Compensate != nil:
		target := s.Compensate.Target
		if target == "" {
			target = s.Target
		}
		return models.NewAction(forward, &models.ActionDescriptor{Target: target, Method: s.Compensate.Method, Args: s.Compensate.Args})
	}
	return models.NewAction(forward, nil)
}
