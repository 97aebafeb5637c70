package reporting

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/proctorhq/proctor/internal/models"
)

// JUnit XML schema types

// JUnitTestSuites is the top-level container.
type JUnitTestSuites struct {
	XMLName    xml.Name         `xml:"testsuites"`
	Tests      int              `xml:"tests,attr"`
	Failures   int              `xml:"failures,attr"`
	Errors     int              `xml:"errors,attr"`
	Time       float64          `xml:"time,attr"`
	TestSuites []JUnitTestSuite `xml:"testsuite"`
}

// JUnitTestSuite maps to one benchmark group within a run.
type JUnitTestSuite struct {
	XMLName    xml.Name        `xml:"testsuite"`
	Name       string          `xml:"name,attr"`
	Tests      int             `xml:"tests,attr"`
	Failures   int             `xml:"failures,attr"`
	Errors     int             `xml:"errors,attr"`
	Skipped    int             `xml:"skipped,attr"`
	Time       float64         `xml:"time,attr"`
	Timestamp  string          `xml:"timestamp,attr"`
	Properties []JUnitProperty `xml:"properties>property,omitempty"`
	TestCases  []JUnitTestCase `xml:"testcase"`
}

// JUnitTestCase maps to one assessment task.
type JUnitTestCase struct {
	XMLName   xml.Name      `xml:"testcase"`
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *JUnitFailure `xml:"failure,omitempty"`
	Error     *JUnitError   `xml:"error,omitempty"`
	Skipped   *JUnitSkipped `xml:"skipped,omitempty"`
}

// JUnitFailure represents a task that finished without success.
type JUnitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

// JUnitError represents a task killed by a timeout or dispatch failure.
type JUnitError struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

// JUnitSkipped marks a task that never ran.
type JUnitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

// JUnitProperty is a key-value metadata entry.
type JUnitProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// ConvertToJUnit converts a run artifact to JUnit XML, one suite per
// benchmark.
func ConvertToJUnit(a *models.RunArtifact) *JUnitTestSuites {
	suites := &JUnitTestSuites{
		Tests: a.Totals.Tasks,
		Time:  a.DurationSeconds,
	}

	byBenchmark := map[string]*JUnitTestSuite{}
	var order []string
	for _, t := range a.Tasks {
		suite, ok := byBenchmark[t.Benchmark]
		if !ok {
			suite = &JUnitTestSuite{
				Name:      t.Benchmark,
				Timestamp: a.StartedAt.Format(time.RFC3339),
				Properties: []JUnitProperty{
					{Name: "run_id", Value: a.RunID},
					{Name: "plan", Value: a.PlanName},
				},
			}
			byBenchmark[t.Benchmark] = suite
			order = append(order, t.Benchmark)
		}

		tc := convertTaskEntry(t)
		suite.TestCases = append(suite.TestCases, tc)
		suite.Tests++
		suite.Time += t.ElapsedSeconds
		if tc.Failure != nil {
			suite.Failures++
			suites.Failures++
		}
		if tc.Error != nil {
			suite.Errors++
			suites.Errors++
		}
		if tc.Skipped != nil {
			suite.Skipped++
		}
	}

	for _, name := range order {
		suites.TestSuites = append(suites.TestSuites, *byBenchmark[name])
	}
	return suites
}

func convertTaskEntry(t *models.TaskEntry) JUnitTestCase {
	tc := JUnitTestCase{
		Name:      t.TaskID,
		Classname: t.Benchmark,
		Time:      t.ElapsedSeconds,
	}

	switch t.Status {
	case models.StatusCompleted:
		// a completed task can still fail on its reward
		if !t.Success {
			tc.Failure = &JUnitFailure{
				Message: fmt.Sprintf("%s: reward=%.2f", t.TaskID, t.FinalReward),
				Type:    string(t.Status),
				Body:    t.ErrorMessage,
			}
		}
	case models.StatusTimeout, models.StatusSendTimeout:
		tc.Error = &JUnitError{
			Message: t.ErrorMessage,
			Type:    string(t.Status),
		}
	case models.StatusPending, models.StatusSent, models.StatusRunning:
		tc.Skipped = &JUnitSkipped{Message: "task never reached a terminal state"}
	default:
		tc.Failure = &JUnitFailure{
			Message: fmt.Sprintf("%s: reward=%.2f", t.TaskID, t.FinalReward),
			Type:    string(t.Status),
			Body:    t.ErrorMessage,
		}
	}

	return tc
}

// WriteJUnitXML writes JUnit XML to the specified file path.
func WriteJUnitXML(a *models.RunArtifact, path string) error {
	suites := ConvertToJUnit(a)

	data, err := xml.MarshalIndent(suites, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JUnit XML: %w", err)
	}

	output := append([]byte(xml.Header), data...)
	return os.WriteFile(path, output, 0644)
}
