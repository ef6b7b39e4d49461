package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommits(t *testing.T) {
	data := []byte(`
- hash: 0123456789ABCDEF0123456789abcdef01234567
  parents: [fedcba9876543210fedcba9876543210fedcba98]
  author_date: 2024-06-01T12:00:00Z
  summary: "lib: fix connection reuse"
- hash: 1111111111111111111111111111111111111111
  summary: root
`)

	commits, err := parseCommits(data)
	require.NoError(t, err)
	require.Len(t, commits, 2)

	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", commits[0].Hash)
	assert.Equal(t, "fedcba9876543210fedcba9876543210fedcba98", commits[0].ParentHashes)
	assert.True(t, commits[0].AuthorDate.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "lib: fix connection reuse", commits[0].Summary)
	assert.Empty(t, commits[1].ParentHashes)

	_, err = parseCommits([]byte("- hash: abc1234\n"))
	require.Error(t, err)

	_, err = parseCommits([]byte("hash: nope"))
	require.Error(t, err)
}
