// Package knowledge syncs curated domain knowledge (instance configuration,
// model metadata, field guidance) into knowledge points.
package knowledge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InstanceItem is one instance-level configuration fact.
type InstanceItem struct {
	Item        int64  `yaml:"item" json:"item"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Model       string `yaml:"model,omitempty" json:"model,omitempty"`
	Value       string `yaml:"value,omitempty" json:"value,omitempty"`
}

// ModelItem describes one model for semantic routing.
type ModelItem struct {
	Model       string `yaml:"model" json:"model"`
	ModelID     int64  `yaml:"model_id" json:"model_id"`
	Label       string `yaml:"label" json:"label"`
	Description string `yaml:"description" json:"description"`
	Usage       string `yaml:"usage,omitempty" json:"usage,omitempty"`
}

// FieldItem carries guidance about one field.
type FieldItem struct {
	Model    string `yaml:"model" json:"model"`
	ModelID  int64  `yaml:"model_id" json:"model_id"`
	Field    string `yaml:"field" json:"field"`
	FieldID  int64  `yaml:"field_id" json:"field_id"`
	Guidance string `yaml:"guidance" json:"guidance"`
}

// Catalog is the knowledge source document.
type Catalog struct {
	Instance []InstanceItem `yaml:"instance" json:"instance"`
	Models   []ModelItem    `yaml:"models" json:"models"`
	Fields   []FieldItem    `yaml:"fields" json:"fields"`
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to read knowledge catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("invalid knowledge catalog %s: %w", path, err)
	}
	return c, nil
}
