package gotest_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/flakeoor/pkg/gotest"
	"github.com/ethpandaops/flakeoor/pkg/junit"
)

const verboseOutput = `=== RUN   TestOne
--- PASS: TestOne (0.06 seconds)
=== RUN   TestTwo
--- FAIL: TestTwo (0.10 seconds)
	widget_test.go:11: expected 1, got 2
	widget_test.go:12: more detail
=== RUN   TestSkip
--- SKIP: TestSkip (0.00 seconds)
	widget_test.go:20: not on this platform
FAIL
FAIL	github.com/acme/pkg/widget	0.160s
`

func convert(t *testing.T, input, pkgName string) []junit.NormalizedExecution {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, gotest.Convert(strings.NewReader(input), pkgName, &buf))

	records, err := junit.NewParser(".go").Parse(buf.Bytes())
	require.NoError(t, err)

	return records
}

func TestConvert(t *testing.T) {
	records := convert(t, verboseOutput, "")
	require.Len(t, records, 3)

	assert.Equal(t, "widget::TestOne", records[0].IdentityKey)
	assert.Equal(t, junit.OutcomePassed, records[0].Outcome)
	require.NotNil(t, records[0].DurationSec)
	assert.InDelta(t, 0.06, *records[0].DurationSec, 1e-9)
	require.NotNil(t, records[0].FilePath)
	assert.Equal(t, "widget.go", *records[0].FilePath)

	assert.Equal(t, "widget::TestTwo", records[1].IdentityKey)
	assert.Equal(t, junit.OutcomeFailed, records[1].Outcome)
	require.NotNil(t, records[1].ErrorMessage)
	assert.Equal(t, "widget_test.go:11: expected 1, got 2", *records[1].ErrorMessage)
	assert.NotNil(t, records[1].ErrorFingerprint)

	assert.Equal(t, "widget::TestSkip", records[2].IdentityKey)
	assert.Equal(t, junit.OutcomeSkipped, records[2].Outcome)
}

func TestConvert_MissingResultLineUsesPackageName(t *testing.T) {
	input := "=== RUN   TestA\n--- PASS: TestA (0.01s)\n"

	records := convert(t, input, "example.com/tools/lint")
	require.Len(t, records, 1)
	assert.Equal(t, "lint::TestA", records[0].IdentityKey)
}

func TestConvert_FailureWithoutOutput(t *testing.T) {
	input := "=== RUN   TestA\n--- FAIL: TestA (0.01s)\nFAIL\nFAIL\tpkg\t0.010s\n"

	records := convert(t, input, "")
	require.Len(t, records, 1)
	require.NotNil(t, records[0].ErrorMessage)
	assert.Equal(t, gotest.FailedMessage, *records[0].ErrorMessage)
}

func TestConvert_NoTests(t *testing.T) {
	for name, input := range map[string]string{
		"empty":          "",
		"package result": "ok  \tgithub.com/acme/pkg/widget\t0.010s\n",
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer

			err := gotest.Convert(strings.NewReader(input), "pkg", &buf)
			require.ErrorIs(t, err, gotest.ErrNoTests)
			assert.Zero(t, buf.Len())
		})
	}
}
