package chunker_test

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/checkpoint/internal/chunker"
	"github.com/scrypster/checkpoint/pkg/types"
)

func reconstruct(chunks []string, overlap int) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c)
			continue
		}
		b.WriteString(string([]rune(c)[overlap:]))
	}
	return b.String()
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  chunker.Config
	}{
		{"overlap equals size", chunker.Config{Size: 10, Overlap: 10}},
		{"overlap larger than size", chunker.Config{Size: 10, Overlap: 11}},
		{"zero size", chunker.Config{Size: 0, Overlap: 0}},
		{"negative overlap", chunker.Config{Size: 10, Overlap: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := chunker.New(tt.cfg)
			assert.Nil(t, c)
			assert.True(t, errors.Is(err, types.ErrInvalidConfiguration), "got %v", err)
		})
	}
}

func TestChunks_ShortTextIsSingleChunk(t *testing.T) {
	c, err := chunker.New(chunker.Config{Size: 100, Overlap: 20})
	require.NoError(t, err)

	assert.Equal(t, []string{"I like rain"}, c.Collect("I like rain"))

	exact := strings.Repeat("x", 100)
	assert.Equal(t, []string{exact}, c.Collect(exact))
}

func TestChunks_Empty(t *testing.T) {
	c, err := chunker.New(chunker.DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, c.Collect(""))
}

func TestChunks_Overlap(t *testing.T) {
	c, err := chunker.New(chunker.Config{Size: 4, Overlap: 2})
	require.NoError(t, err)

	got := c.Collect("abcdefghij")
	assert.Equal(t, []string{"abcd", "cdef", "efgh", "ghij"}, got)

	got = c.Collect("abcdefghi")
	assert.Equal(t, []string{"abcd", "cdef", "efgh", "ghi"}, got)
	for i := 1; i < len(got); i++ {
		prev := got[i-1]
		assert.Equal(t, prev[len(prev)-2:], got[i][:2], "chunk %d must start with the tail of chunk %d", i, i-1)
	}
}

func TestChunks_Reconstruction(t *testing.T) {
	texts := []string{
		"a",
		"The quick brown fox jumps over the lazy dog.",
		strings.Repeat("Coffee is my ritual. ", 40),
		"héllo wörld, ünïcode ✓ text that spans several chunks ✓✓✓",
	}
	configs := []chunker.Config{
		{Size: 1, Overlap: 0},
		{Size: 5, Overlap: 1},
		{Size: 7, Overlap: 6},
		{Size: 16, Overlap: 4},
		{Size: 1000, Overlap: 200},
	}

	for _, text := range texts {
		for _, cfg := range configs {
			c, err := chunker.New(cfg)
			require.NoError(t, err)

			chunks := c.Collect(text)
			require.NotEmpty(t, chunks)
			assert.Equal(t, text, reconstruct(chunks, cfg.Overlap), "size=%d overlap=%d", cfg.Size, cfg.Overlap)

			for i, chunk := range chunks {
				assert.LessOrEqual(t, utf8.RuneCountInString(chunk), cfg.Size)
				if i < len(chunks)-1 {
					assert.Equal(t, cfg.Size, utf8.RuneCountInString(chunk), "only the last chunk may be short")
				}
			}
		}
	}
}

func TestChunks_Restartable(t *testing.T) {
	c, err := chunker.New(chunker.Config{Size: 3, Overlap: 1})
	require.NoError(t, err)

	seq := c.Chunks("abcdefg")
	var first, second []string
	for s := range seq {
		first = append(first, s)
	}
	for s := range seq {
		second = append(second, s)
	}
	assert.Equal(t, first, second)

	// early break must not panic or leak
	for s := range seq {
		assert.Equal(t, "abc", s)
		break
	}
}

func FuzzChunks_Reconstruction(f *testing.F) {
	f.Add("I like rain", 4, 1)
	f.Add("Coffee is my ritual", 3, 2)
	f.Add("", 10, 0)

	f.Fuzz(func(t *testing.T, text string, size, overlap int) {
		if !utf8.ValidString(text) || size <= 0 || size > 64 || overlap < 0 || overlap >= size {
			return
		}
		c, err := chunker.New(chunker.Config{Size: size, Overlap: overlap})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		chunks := c.Collect(text)
		if text == "" {
			if len(chunks) != 0 {
				t.Fatalf("expected no chunks for empty text, got %d", len(chunks))
			}
			return
		}
		if got := reconstruct(chunks, overlap); got != text {
			t.Fatalf("reconstruct = %q, want %q", got, text)
		}
	})
}
