// Package seed loads YAML fixtures of templates, families, task instances,
// dependency edges and workflow rules into a store.
package seed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/maxkimambo/taskflow/internal/graph"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/models"
	"github.com/maxkimambo/taskflow/internal/storage"
	"github.com/maxkimambo/taskflow/internal/validation"
	"gopkg.in/yaml.v3"
)

//go:embed demo.yaml
var demoFixture []byte

// Fixture is the file format
type Fixture struct {
	Templates    []models.TaskTemplate   `yaml:"templates"`
	Dependencies []models.DependencyEdge `yaml:"dependencies"`
	Families     []Family                `yaml:"families"`
	Instances    []Instance              `yaml:"instances"`
	Rules        []models.RuleDefinition `yaml:"rules"`
}

// Family is a family with its members. Instantiate creates a not_started
// instance of every template the family has no explicit instance for.
type Family struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Instantiate bool          `yaml:"instantiate"`
	Members     []models.User `yaml:"members"`
}

// Instance is an explicit family task instance. An empty ID becomes
// "<family>-<template>" and an empty status not_started.
type Instance struct {
	ID         string `yaml:"id"`
	FamilyID   string `yaml:"family_id"`
	TemplateID string `yaml:"template_id"`
	Status     string `yaml:"status"`
	AssigneeID string `yaml:"assignee_id"`
}

// Summary counts what Apply wrote
type Summary struct {
	Templates    int `json:"templates"`
	Families     int `json:"families"`
	Users        int `json:"users"`
	Instances    int `json:"instances"`
	Dependencies int `json:"dependencies"`
	Rules        int `json:"rules"`
}

// Demo returns the built-in demo fixture
func Demo() (*Fixture, error) {
	return Parse(demoFixture)
}

// LoadFile reads and validates the fixture at path
func LoadFile(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a fixture
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks ids, references, statuses, rule definitions and that the
// dependency edges are acyclic. Every problem is reported.
func (f *Fixture) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	templates := make(map[string]bool, len(f.Templates))
	for _, t := range f.Templates {
		add(validation.ValidateIdentifier("template", t.ID))
		if templates[t.ID] {
			add(fmt.Errorf("template %s is defined twice", t.ID))
		}
		templates[t.ID] = true
	}

	var accepted []models.DependencyEdge
	for _, e := range f.Dependencies {
		if !templates[e.TaskID] || !templates[e.DependsOnTaskID] {
			add(fmt.Errorf("dependency %s references an unknown template", e))
			continue
		}
		add(validation.ValidateDependencyType(string(e.Type)))
		if err := graph.ValidateEdge(e, accepted, nil); err != nil {
			add(err)
			continue
		}
		accepted = append(accepted, e)
	}

	families := make(map[string]map[string]bool, len(f.Families))
	for _, fam := range f.Families {
		add(validation.ValidateIdentifier("family", fam.ID))
		if families[fam.ID] != nil {
			add(fmt.Errorf("family %s is defined twice", fam.ID))
		}
		members := make(map[string]bool, len(fam.Members))
		for _, m := range fam.Members {
			add(validation.ValidateIdentifier("user", m.ID))
			add(validation.ValidateEmail(m.Email))
			members[m.ID] = true
		}
		families[fam.ID] = members
	}

	seen := make(map[string]bool, len(f.Instances))
	for _, inst := range f.Instances {
		if families[inst.FamilyID] == nil {
			add(fmt.Errorf("instance of %s references unknown family %q", inst.TemplateID, inst.FamilyID))
		}
		if !templates[inst.TemplateID] {
			add(fmt.Errorf("instance in family %s references unknown template %q", inst.FamilyID, inst.TemplateID))
		}
		add(validation.ValidateStatus(inst.Status))
		key := inst.FamilyID + "/" + inst.TemplateID
		if seen[key] {
			add(fmt.Errorf("family %s has two instances of template %s", inst.FamilyID, inst.TemplateID))
		}
		seen[key] = true
		if inst.AssigneeID != "" && !families[inst.FamilyID][inst.AssigneeID] {
			add(fmt.Errorf("instance %s assigned to %s, who is not a member of family %s", key, inst.AssigneeID, inst.FamilyID))
		}
	}

	for _, def := range f.Rules {
		add(validation.ValidateIdentifier("rule", def.ID))
		if _, err := def.Rule(); err != nil {
			add(err)
		}
	}

	return errors.Join(errs...)
}

// Apply writes the fixture to store. Existing rows with the same ids are
// replaced, except task instances, which are only created.
func (f *Fixture) Apply(ctx context.Context, store storage.Store) (Summary, error) {
	var s Summary

	for _, t := range f.Templates {
		if err := store.SaveTemplate(ctx, t); err != nil {
			return s, fmt.Errorf("failed to save template %s: %w", t.ID, err)
		}
		s.Templates++
	}

	for _, fam := range f.Families {
		if err := store.SaveFamily(ctx, models.Family{ID: fam.ID, Name: fam.Name, Members: fam.Members}); err != nil {
			return s, fmt.Errorf("failed to save family %s: %w", fam.ID, err)
		}
		s.Families++
		s.Users += len(fam.Members)
	}

	for _, inst := range f.instances() {
		_, err := store.GetFamilyTaskByFamilyAndTask(ctx, inst.FamilyID, inst.TemplateID)
		if err == nil {
			logger.Op.With(logger.WithFamily(inst.FamilyID)).
				WithField("template_id", inst.TemplateID).
				Debug("Instance already exists, leaving it untouched")
			continue
		}
		if !storage.IsNotFound(err) {
			return s, fmt.Errorf("failed to look up instance %s: %w", inst.ID, err)
		}
		if err := store.CreateFamilyTask(ctx, inst); err != nil {
			return s, fmt.Errorf("failed to create instance %s: %w", inst.ID, err)
		}
		s.Instances++
	}

	for _, e := range f.Dependencies {
		if err := store.SaveDependency(ctx, e); err != nil {
			return s, fmt.Errorf("failed to save dependency %s: %w", e, err)
		}
		s.Dependencies++
	}

	for _, def := range f.Rules {
		rule, err := def.Rule()
		if err != nil {
			return s, err
		}
		if err := store.SaveWorkflowRule(ctx, rule); err != nil {
			return s, fmt.Errorf("failed to save rule %s: %w", def.ID, err)
		}
		s.Rules++
	}

	return s, nil
}

// instances expands explicit instances and instantiated families, explicit
// entries first
func (f *Fixture) instances() []models.FamilyTaskInstance {
	var out []models.FamilyTaskInstance
	explicit := make(map[string]bool, len(f.Instances))
	for _, inst := range f.Instances {
		status := models.StatusNotStarted
		if inst.Status != "" {
			status, _ = models.ParseTaskStatus(inst.Status)
		}
		id := inst.ID
		if id == "" {
			id = InstanceID(inst.FamilyID, inst.TemplateID)
		}
		explicit[inst.FamilyID+"/"+inst.TemplateID] = true
		out = append(out, models.FamilyTaskInstance{
			ID:         id,
			FamilyID:   inst.FamilyID,
			TemplateID: inst.TemplateID,
			Status:     status,
			AssigneeID: inst.AssigneeID,
		})
	}

	for _, fam := range f.Families {
		if !fam.Instantiate {
			continue
		}
		for _, t := range f.Templates {
			if explicit[fam.ID+"/"+t.ID] {
				continue
			}
			out = append(out, models.FamilyTaskInstance{
				ID:         InstanceID(fam.ID, t.ID),
				FamilyID:   fam.ID,
				TemplateID: t.ID,
				Status:     models.StatusNotStarted,
			})
		}
	}
	return out
}

// InstanceID is the id given to instances that do not name one
func InstanceID(familyID, templateID string) string {
	return familyID + "-" + templateID
}
