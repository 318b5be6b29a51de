package detserve

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadLabels reads the class labels the model was trained on from a text
// file containing one label per line.  Blank lines are skipped.
func LoadLabels(file string) ([]string, error) {

	f, err := os.Open(file)

	if err != nil {
		return nil, fmt.Errorf("error opening labels file: %w", err)
	}

	defer f.Close()

	scanner := bufio.NewScanner(f)

	var labels []string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}

		labels = append(labels, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading labels file: %w", err)
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s contains no labels", file)
	}

	return labels, nil
}

// ClassName returns the label for a class index, or a numeric fallback when
// the index is outside the label list
func ClassName(labels []string, classID int) string {

	if classID >= 0 && classID < len(labels) {
		return labels[classID]
	}

	return fmt.Sprintf("class_%d", classID)
}
