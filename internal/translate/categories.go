// Package translate converts user-visible 2dehands browser URLs into the
// canonical search API URLs the monitor polls.
package translate

import (
	"encoding/json"
	"fmt"
	"os"
)

// Category is one entry of the marketplace category tree.
type Category struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"fullName"`
}

// Categories holds the L1 and L2 lookup tables. Loaded once at startup and
// read-only afterwards.
type Categories struct {
	L1 map[string]Category
	L2 map[string]map[string]Category
}

// LoadCategories reads both lookup tables from their JSON files.
func LoadCategories(l1Path, l2Path string) (*Categories, error) {
	cats := &Categories{}

	if err := readJSONFile(l1Path, &cats.L1); err != nil {
		return nil, fmt.Errorf("load L1 categories: %w", err)
	}
	if err := readJSONFile(l2Path, &cats.L2); err != nil {
		return nil, fmt.Errorf("load L2 categories: %w", err)
	}
	return cats, nil
}

func readJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
