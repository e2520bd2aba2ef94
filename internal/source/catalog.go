package source

import (
	"encoding/json"
	"fmt"
	"os"
)

// catalogFile is the on-disk shape of a JSON catalog: schemas plus records,
// typically exported from the ERP or converted from an Excel workbook.
type catalogFile struct {
	Models []struct {
		ModelSchema
		Records []map[string]any `json:"records"`
	} `json:"models"`
}

// LoadCatalog reads a JSON catalog file into a MemorySource.
func LoadCatalog(path string) (*MemorySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	var cat catalogFile
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	src := NewMemorySource()
	for _, m := range cat.Models {
		src.AddModel(m.ModelSchema)
		for _, rec := range m.Records {
			if err := src.AddRecord(m.Model, rec); err != nil {
				return nil, fmt.Errorf("catalog %s, model %s: %w", path, m.Model, err)
			}
		}
	}
	return src, nil
}
