package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawerks/linehaul/internal/domain"
)

func collectFragments(t *testing.T, maxBytes int, input string) []domain.Fragment {
	t.Helper()

	var frags []domain.Fragment
	f := NewFragmenter(maxBytes, func(_ context.Context, fr domain.Fragment) error {
		frags = append(frags, fr)
		return nil
	})

	require.NoError(t, f.Run(context.Background(), strings.NewReader(input)))
	return frags
}

func TestFragmenterSingleFragment(t *testing.T) {
	frags := collectFragments(t, 1024, "one\ntwo\nthree\n")

	require.Len(t, frags, 1)
	assert.Equal(t, int64(1), frags[0].Seq)
	assert.Equal(t, int64(1), frags[0].StartLine)
	assert.Equal(t, int64(3), frags[0].LineCount)
	assert.Equal(t, "one\ntwo\nthree", string(frags[0].Data))
}

func TestFragmenterEmptyStream(t *testing.T) {
	assert.Empty(t, collectFragments(t, 1024, ""))
	assert.Empty(t, collectFragments(t, 1024, "\n\n  \n"))
}

func TestFragmenterNoTrailingNewline(t *testing.T) {
	frags := collectFragments(t, 1024, "only line, no newline")

	require.Len(t, frags, 1)
	assert.Equal(t, int64(1), frags[0].LineCount)
	assert.Equal(t, "only line, no newline", string(frags[0].Data))
}

func TestFragmenterNeverSplitsALine(t *testing.T) {
	// One line much larger than the threshold must come through whole.
	long := strings.Repeat("x", 4096)
	frags := collectFragments(t, 64, long+"\nshort\n")

	require.Len(t, frags, 2)
	assert.Equal(t, long, string(frags[0].Data))
	assert.Equal(t, "short", string(frags[1].Data))
	assert.Equal(t, int64(2), frags[1].StartLine)
}

func TestFragmenterLineNumberContinuity(t *testing.T) {
	const totalLines = 2000
	var sb strings.Builder
	for i := 1; i <= totalLines; i++ {
		fmt.Fprintf(&sb, "line-%04d;payload;padding-padding\n", i)
	}

	frags := collectFragments(t, 1024, sb.String())
	require.Greater(t, len(frags), 1)

	// Start line of fragment i is 1 plus the line counts of fragments 1..i-1.
	var seen int64
	for i, fr := range frags {
		assert.Equal(t, seen+1, fr.StartLine, "fragment %d", i+1)
		assert.Equal(t, int64(i+1), fr.Seq)
		seen += fr.LineCount
	}
	assert.Equal(t, int64(totalLines), seen)
}

func TestFragmenterByteBound(t *testing.T) {
	const maxBytes = 512
	line := strings.Repeat("a", 40)
	input := strings.Repeat(line+"\n", 200)

	frags := collectFragments(t, maxBytes, input)
	for i, fr := range frags {
		longest := 0
		for _, l := range bytes.Split(fr.Data, []byte{'\n'}) {
			if len(l) > longest {
				longest = len(l)
			}
		}
		assert.LessOrEqual(t, len(fr.Data), maxBytes+longest, "fragment %d", i+1)
	}
}

func TestFragmenterEmitErrorStopsRun(t *testing.T) {
	errStop := fmt.Errorf("stop")
	f := NewFragmenter(8, func(_ context.Context, _ domain.Fragment) error {
		return errStop
	})

	err := f.Run(context.Background(), strings.NewReader("aaaa\nbbbb\ncccc\n"))
	assert.ErrorIs(t, err, errStop)
}

func TestFragmenterContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewFragmenter(1024, func(_ context.Context, _ domain.Fragment) error { return nil })
	err := f.Run(ctx, strings.NewReader("data\n"))
	assert.ErrorIs(t, err, context.Canceled)
}
