package writer

import (
	"bufio"
	"fmt"
	"io"

	"github.com/whisper-darkly/sticky-capture/stream"
)

// SessionLog summarizes one epoch: which segments made it into the output
// file, which indices inside that range never arrived, and which segments
// failed verification.
type SessionLog struct {
	First, Last int // arrival order; meaningless when Total == 0
	Total       int
	Missing     []int
	Corrupt     []int
	Checked     bool // verification was enabled
	Ext         string
}

// Summarize derives the log from the written indices (in arrival order) and
// the indices flagged corrupt.
func Summarize(written, corrupt []int, checked bool, ext string) SessionLog {
	s := SessionLog{
		Total:   len(written),
		Corrupt: append([]int(nil), corrupt...),
		Checked: checked,
		Ext:     ext,
	}
	if len(written) == 0 {
		return s
	}
	s.First, s.Last = written[0], written[len(written)-1]

	have := make(map[int]bool, len(written))
	for _, i := range written {
		have[i] = true
	}
	for i := s.First; i <= s.Last; i++ {
		if !have[i] {
			s.Missing = append(s.Missing, i)
		}
	}
	return s
}

// WriteTo renders the plain-text log.
func (s SessionLog) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: bufio.NewWriter(w)}
	name := func(i int) string { return stream.SegmentName(i, s.Ext) }

	if s.Total > 0 {
		fmt.Fprintf(cw, "Start segment: %s\n", name(s.First))
		fmt.Fprintf(cw, "End segment:   %s\n", name(s.Last))
	}
	fmt.Fprintf(cw, "Total segments used: %d\n", s.Total)

	if len(s.Missing) > 0 {
		fmt.Fprint(cw, "\nMissing segments:\n")
		for _, i := range s.Missing {
			fmt.Fprintf(cw, "  %s\n", name(i))
		}
	} else {
		fmt.Fprint(cw, "\nNo segments missing.\n")
	}

	switch {
	case !s.Checked:
		fmt.Fprint(cw, "\nCorrupt segments checking disabled.\n")
	case len(s.Corrupt) > 0:
		fmt.Fprint(cw, "\nCorrupt segments:\n")
		for _, i := range s.Corrupt {
			fmt.Fprintf(cw, "  %s\n", name(i))
		}
	default:
		fmt.Fprint(cw, "\nNo corrupt segments detected.\n")
	}

	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, cw.w.Flush()
}

type countWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
