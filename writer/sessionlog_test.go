package writer

import (
	"bytes"
	"testing"

	"github.com/matryer/is"
)

func TestSessionLogReportsGap(t *testing.T) {
	is := is.New(t)
	s := Summarize([]int{100, 101, 103, 104}, nil, true, "ts")
	is.Equal(s.First, 100)
	is.Equal(s.Last, 104)
	is.Equal(s.Total, 4)
	is.Equal(s.Missing, []int{102})

	var buf bytes.Buffer
	n, err := s.WriteTo(&buf)
	is.NoErr(err)
	is.Equal(int(n), buf.Len())
	is.Equal(buf.String(), "Start segment: 000100.ts\n"+
		"End segment:   000104.ts\n"+
		"Total segments used: 4\n"+
		"\nMissing segments:\n"+
		"  000102.ts\n"+
		"\nNo corrupt segments detected.\n")
}

func TestSessionLogGaplessWithCorrupt(t *testing.T) {
	is := is.New(t)
	s := Summarize([]int{5, 6, 7}, []int{6}, true, "ts")

	var buf bytes.Buffer
	_, err := s.WriteTo(&buf)
	is.NoErr(err)
	is.True(bytes.Contains(buf.Bytes(), []byte("\nNo segments missing.\n")))
	is.True(bytes.Contains(buf.Bytes(), []byte("\nCorrupt segments:\n  000006.ts\n")))
}

func TestSessionLogEmptyAndUnchecked(t *testing.T) {
	is := is.New(t)
	s := Summarize(nil, nil, false, "ts")

	var buf bytes.Buffer
	_, err := s.WriteTo(&buf)
	is.NoErr(err)
	is.Equal(buf.String(), "Total segments used: 0\n"+
		"\nNo segments missing.\n"+
		"\nCorrupt segments checking disabled.\n")
}
