// Package gotest converts `go test -v` output into JUnit XML.
package gotest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jstemmer/go-junit-report/formatter"
	"github.com/jstemmer/go-junit-report/parser"
)

// FailedMessage is used for failed tests that produced no output.
const FailedMessage = "Failed"

// ErrNoTests is returned when the output contains no test results.
var ErrNoTests = errors.New("no go test results found")

// Convert reads `go test -v` output from r and writes the equivalent JUnit
// XML document to w. pkgName names the package when the output lacks a
// package result line. Output without any test result yields ErrNoTests
// and nothing is written.
//
// Test cases use the last element of the package import path as their
// classname. A failure message is the first non-empty line the test
// logged, so identical assertions share an error fingerprint.
func Convert(r io.Reader, pkgName string, w io.Writer) error {
	report, err := parser.Parse(r, pkgName)
	if err != nil {
		return fmt.Errorf("parsing go test output: %w", err)
	}

	tests := 0
	for _, pkg := range report.Packages {
		tests += len(pkg.Tests)
	}

	if tests == 0 {
		return ErrNoTests
	}

	suites := formatter.JUnitTestSuites{}

	for _, pkg := range report.Packages {
		suites.Suites = append(suites.Suites, convertPackage(&pkg))
	}

	out, err := xml.MarshalIndent(suites, "", "\t")
	if err != nil {
		return fmt.Errorf("encoding junit report: %w", err)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("writing junit report: %w", err)
	}

	if _, err := w.Write(append(out, '\n')); err != nil {
		return fmt.Errorf("writing junit report: %w", err)
	}

	return nil
}

func convertPackage(pkg *parser.Package) formatter.JUnitTestSuite {
	classname := pkg.Name
	if idx := strings.LastIndex(classname, "/"); idx > -1 {
		classname = classname[idx+1:]
	}

	ts := formatter.JUnitTestSuite{
		Tests:     len(pkg.Tests),
		Time:      formatSeconds(pkg.Duration),
		Name:      pkg.Name,
		TestCases: make([]formatter.JUnitTestCase, 0, len(pkg.Tests)),
	}

	if pkg.CoveragePct != "" {
		ts.Properties = append(ts.Properties, formatter.JUnitProperty{
			Name:  "coverage.statements.pct",
			Value: pkg.CoveragePct,
		})
	}

	for _, test := range pkg.Tests {
		tc := formatter.JUnitTestCase{
			Classname: classname,
			Name:      test.Name,
			Time:      formatSeconds(test.Duration),
		}

		switch test.Result {
		case parser.FAIL:
			ts.Failures++
			tc.Failure = &formatter.JUnitFailure{
				Message:  failureMessage(test.Output),
				Contents: strings.Join(test.Output, "\n"),
			}
		case parser.SKIP:
			tc.SkipMessage = &formatter.JUnitSkipMessage{
				Message: strings.Join(test.Output, "\n"),
			}
		}

		ts.TestCases = append(ts.TestCases, tc)
	}

	return ts
}

func failureMessage(output []string) string {
	for _, line := range output {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}

	return FailedMessage
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
