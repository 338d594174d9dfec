package runner

import (
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/necrocode/engine/pkg/types"
)

// goTestSummary matches the trailing summary line `go test` prints, e.g.
// "--- FAIL: TestFoo (0.00s)" lines plus a final "FAIL"/"ok" status. Rather
// than depend on a specific framework's machine-readable output (spec.md
// leaves the test command/framework to the project), this is a best-effort
// line-oriented scan covering the two shapes most CI logs share: `go test
// -v` style "--- PASS/FAIL: Name" lines and a generic "N passed, M failed,
// K skipped" summary some test runners print.
var (
	goTestCaseLine = regexp.MustCompile(`(?m)^--- (PASS|FAIL|SKIP): (\S+)`)
	summaryLine    = regexp.MustCompile(`(?i)(\d+)\s*passed[,.]?\s*(?:(\d+)\s*failed)?[,.]?\s*(?:(\d+)\s*skipped)?`)
)

// parseTestOutput extracts {total, passed, failed, skipped,
// failed_test_details} from raw combined test-command output
// (spec §4.4 step 4).
func parseTestOutput(output string) types.TestResult {
	var result types.TestResult

	matches := goTestCaseLine.FindAllStringSubmatch(output, -1)
	if len(matches) > 0 {
		for _, m := range matches {
			result.Total++
			switch m[1] {
			case "PASS":
				result.Passed++
			case "FAIL":
				result.Failed++
				result.FailedTestDetails = append(result.FailedTestDetails, m[2])
			case "SKIP":
				result.Skipped++
			}
		}
		return result
	}

	if m := summaryLine.FindStringSubmatch(output); m != nil {
		result.Passed = atoiOr(m[1])
		result.Failed = atoiOr(m[2])
		result.Skipped = atoiOr(m[3])
		result.Total = result.Passed + result.Failed + result.Skipped
	}
	return result
}

func atoiOr(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func marshalTestResult(r types.TestResult) []byte {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return []byte("{}")
	}
	return data
}
