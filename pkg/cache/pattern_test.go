package cache

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePattern(t *testing.T) {
	keys := []string{"posts_1_20", "posts_2_20", "post_abc", "comments_abc", "posts_10_5"}

	for _, testCase := range []struct {
		name     string
		pattern  string
		expected []string
	}{
		{name: "match all", pattern: "*", expected: keys},
		{name: "prefix", pattern: "posts_*", expected: []string{"posts_1_20", "posts_2_20", "posts_10_5"}},
		{name: "single character", pattern: "posts_?_20", expected: []string{"posts_1_20", "posts_2_20"}},
		{name: "character class", pattern: "posts_[12]_*", expected: []string{"posts_1_20", "posts_2_20"}},
		{name: "suffix", pattern: "*_abc", expected: []string{"post_abc", "comments_abc"}},
		{name: "literal", pattern: "post_abc", expected: []string{"post_abc"}},
		{name: "no match", pattern: "users_*", expected: []string{}},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			match, err := compilePattern(testCase.pattern)
			require.NoError(t, err)
			got := slices.DeleteFunc(slices.Clone(keys), func(key string) bool { return !match(key) })
			assert.ElementsMatch(t, testCase.expected, got)
		})
	}
}

func TestCompilePattern_Invalid(t *testing.T) {
	_, err := compilePattern("posts/*")
	assert.Error(t, err, "Multi element patterns should be rejected")
}

func TestIsPattern(t *testing.T) {
	assert.True(t, IsPattern("posts_*"))
	assert.True(t, IsPattern("posts_?"))
	assert.True(t, IsPattern("posts_[0-9]"))
	assert.False(t, IsPattern("comments_abc"))
}
