package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lory7c/db-fs/internal/model"
)

// PairsFile is the YAML document at the `pairs[]` config path (§6 Configuration).
type PairsFile struct {
	Pairs []model.TablePair `yaml:"pairs"`
}

// LoadPairs reads and validates the pairs[] config file. A pair with a
// missing key_field, empty field_map, or too-short poll_interval_s is a
// startup-fatal configuration error: silently running with an unusable
// pair would corrupt both sides of the sync rather than just skip a feature.
func LoadPairs(path string) (*PairsFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied config location
	if err != nil {
		return nil, fmt.Errorf("config: failed to read pairs file %q: %w", path, err)
	}

	var file PairsFile

	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: failed to parse pairs file %q: %w", path, err)
	}

	if len(file.Pairs) == 0 {
		return nil, fmt.Errorf("config: pairs file %q declares no pairs", path)
	}

	seen := make(map[string]bool, len(file.Pairs))

	for i, pair := range file.Pairs {
		if err := validatePair(pair); err != nil {
			return nil, fmt.Errorf("config: pair %d (%q): %w", i, pair.Name, err)
		}

		if seen[pair.Name] {
			return nil, fmt.Errorf("config: duplicate pair name %q", pair.Name)
		}

		seen[pair.Name] = true
	}

	return &file, nil
}

func validatePair(pair model.TablePair) error {
	if pair.Name == "" {
		return fmt.Errorf("name is required")
	}

	if pair.SheetDB == "" || pair.SheetTable == "" {
		return fmt.Errorf("sheet_db and sheet_table are required")
	}

	if pair.DBTable == "" {
		return fmt.Errorf("db_table is required")
	}

	if pair.KeyField == "" {
		return fmt.Errorf("key_field is required")
	}

	if len(pair.FieldMap.SheetToDB) == 0 {
		return fmt.Errorf("field_map must not be empty")
	}

	if pair.PollIntervalS < 2 {
		return fmt.Errorf("poll_interval_s must be >= 2, got %d", pair.PollIntervalS)
	}

	if _, mapped := pair.FieldMap.SheetField(pair.KeyField); !mapped {
		return fmt.Errorf("key_field %q (a DB column) is not present in field_map", pair.KeyField)
	}

	return nil
}
