package inference

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadLabels reads the label table from a JSON array (.json) or a text file
// with one label per line.
func LoadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}

	labels, err := ParseLabels(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse labels %s: %w", path, err)
	}
	return labels, nil
}

// ParseLabels decodes a label table. Blank lines in text tables are skipped.
func ParseLabels(data []byte, isJSON bool) ([]string, error) {
	var labels []string
	if isJSON {
		if err := json.Unmarshal(data, &labels); err != nil {
			return nil, err
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			labels = append(labels, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("label table is empty")
	}
	return labels, nil
}
