package index

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompactProgress_CountsOutcomes(t *testing.T) {
	var buf bytes.Buffer
	p := newCompactProgress(&buf, 4, 4)

	p.record(outcomeMigrated, 0)
	p.record(outcomeMigrated, 2)
	p.record(outcomeDeferred, 0)
	p.record(outcomeFailed, 0)

	output := buf.String()
	assert.Contains(t, output, "4/4 (100.0%)")
	assert.Contains(t, output, "migrated 2, deferred 1, failed 1, dropped 2")
	assert.Contains(t, output, "keywords/s")
}

func TestCompactProgress_Finish(t *testing.T) {
	var buf bytes.Buffer
	p := newCompactProgress(&buf, 10, 100)

	p.record(outcomeMigrated, 0)
	assert.Empty(t, buf.String(), "under interval should not print")

	p.finish()
	output := buf.String()
	assert.Contains(t, output, "1/10 (10.0%) migrated 1,", "finish reports what was recorded")
	assert.True(t, strings.HasSuffix(output, "\n"), "finish should end the line")
}

func TestCompactProgress_ZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	p := newCompactProgress(&buf, 0, 0)

	p.record(outcomeMigrated, 0)
	p.finish()

	assert.Contains(t, buf.String(), "0/0 (0.0%) migrated 0,")
}

func TestCompactProgress_ReportInterval(t *testing.T) {
	var buf bytes.Buffer
	p := newCompactProgress(&buf, 1000, 100)

	for range 150 {
		p.record(outcomeMigrated, 0)
	}
	assert.Contains(t, buf.String(), "100/1000")
	assert.NotContains(t, buf.String(), "150/1000")
}
