package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nvsleepify/nvsleepifyd/internal/effector"
)

func TestToEntriesNilBecomesEmptySlice(t *testing.T) {
	entries := toEntries(nil)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestToEntriesMapsFields(t *testing.T) {
	procs := []effector.BlockingProcess{{Name: "chromium", Pid: "4242"}}
	entries := toEntries(procs)
	assert.Equal(t, []ProcessEntry{{Name: "chromium", Pid: "4242"}}, entries)
}
