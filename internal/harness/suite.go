package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ValidationResult summarizes a directory of scenarios.
type ValidationResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure is one scenario that failed to load, run or pass.
type ScenarioFailure struct {
	Scenario     string `json:"scenario,omitempty"`
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// Pass reports whether every scenario passed.
func (r *ValidationResult) Pass() bool {
	return r.Failed == 0
}

// FindScenarios lists the *.yaml and *.yml files of dir in name order.
func FindScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ValidateDir loads and runs every scenario in dir. A scenario that does
// not load counts as failed; the remaining ones still run.
func ValidateDir(ctx context.Context, dir string) (*ValidationResult, error) {
	paths, err := FindScenarios(dir)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{}
	fail := func(name, path, msg string) {
		result.Failed++
		result.Failures = append(result.Failures, ScenarioFailure{Scenario: name, ScenarioPath: path, Error: msg})
	}

	for _, path := range paths {
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			fail("", path, err.Error())
			continue
		}
		run, err := RunContext(ctx, scenario)
		if err != nil {
			fail(scenario.Name, path, err.Error())
			continue
		}
		if !run.Pass {
			fail(scenario.Name, path, fmt.Sprintf("%d checks failed: %s", len(run.Errors), run.Errors[0]))
			continue
		}
		result.Passed++
	}
	return result, nil
}
