// Command validate checks the question set files in a content directory
// (first argument, else LIVETEST_CONTENT_DIR, else ./content). It checks:
//   - JSON or YAML structure and required fields
//   - Known question types and that each correct answer is one of the options
//   - Weighted options and non-negative points
//   - That the file name matches the test id, when one is set
//
// It also warns about duplicate prompts and questions worth no points.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wricardo/livetest/live/content"
)

// ValidationResult captures the outcome of validating a single file.
// Errors make the file invalid; Warnings and Info are reported either way.
type ValidationResult struct {
	File     string
	Valid    bool
	Errors   []string
	Warnings []string
	Info     []string
}

// validateTest loads and validates a single question set file.
func validateTest(filePath string) ValidationResult {
	result := ValidationResult{
		File:  filepath.Base(filePath),
		Valid: true,
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("Failed to read file: %v", err))
		return result
	}

	test, err := content.Parse(filePath, data)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	id := strings.TrimSuffix(result.File, filepath.Ext(result.File))
	if test.ID != "" && test.ID != id {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("id %q does not match file name %q", test.ID, id))
	}

	result.Warnings = lint(test)

	kinds := map[content.QuestionType]int{}
	for _, q := range test.Questions {
		kinds[q.Kind()]++
	}
	result.Info = append(result.Info, fmt.Sprintf("✓ Title: %s", test.Title))
	result.Info = append(result.Info, fmt.Sprintf("✓ Questions: %d", len(test.Questions)))
	result.Info = append(result.Info, fmt.Sprintf("✓ Max score: %d", content.MaxScore(test.Questions)))
	result.Info = append(result.Info, fmt.Sprintf("✓ Types: %s", formatKinds(kinds)))

	return result
}

// lint reports questions that are valid but probably not intended.
func lint(test *content.Test) []string {
	var warnings []string
	seen := map[string]int{}
	for i, q := range test.Questions {
		prompt := strings.ToLower(strings.TrimSpace(q.Prompt))
		if first, ok := seen[prompt]; ok {
			warnings = append(warnings, fmt.Sprintf("question %d repeats the prompt of question %d", i+1, first+1))
		} else {
			seen[prompt] = i
		}

		if q.MaxPoints() == 0 {
			warnings = append(warnings, fmt.Sprintf("question %d is worth no points", i+1))
		}
		if q.Kind() == content.Written {
			warnings = append(warnings, fmt.Sprintf("question %d is written and needs manual review", i+1))
		}
	}
	return warnings
}

func formatKinds(kinds map[content.QuestionType]int) string {
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, string(k))
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", n, kinds[content.QuestionType(n)]))
	}
	return strings.Join(parts, ", ")
}

// findTests lists the question set files in dir.
func findTests(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.json", "*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

func contentDir() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if dir := os.Getenv("LIVETEST_CONTENT_DIR"); dir != "" {
		return dir
	}
	return "content"
}

// main validates every question set and exits non-zero if any is invalid.
func main() {
	dir := contentDir()
	files, err := findTests(dir)
	if err != nil {
		fmt.Printf("Error finding test files: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Printf("No test files found in %s\n", dir)
		os.Exit(1)
	}

	allValid := true
	for _, file := range files {
		result := validateTest(file)

		fmt.Printf("\n%s %s\n", strings.Repeat("=", 20), result.File)

		if result.Valid {
			fmt.Println("✅ VALID")
			for _, info := range result.Info {
				fmt.Println("  " + info)
			}
		} else {
			fmt.Println("❌ INVALID")
			allValid = false
			for _, err := range result.Errors {
				fmt.Println("  ❌ " + err)
			}
		}
		for _, w := range result.Warnings {
			fmt.Println("  ⚠️  " + w)
		}
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 40))
	if allValid {
		fmt.Println("✅ All tests are valid!")
	} else {
		fmt.Println("❌ Some tests have errors")
		os.Exit(1)
	}
}
