package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/asticode/go-astits"

	"github.com/whisper-darkly/sticky-capture/logger"
	"github.com/whisper-darkly/sticky-capture/stream"
)

// Verifier decides whether a segment decodes cleanly. Verification is
// observational: a corrupt segment is still written to the output.
type Verifier interface {
	// Verify reports true when the segment is corrupt or when the check
	// could not be completed.
	Verify(ctx context.Context, id string, index int, data []byte) (corrupt bool)
}

// DefaultErrorPatterns are decoder diagnostics that mark a segment corrupt.
var DefaultErrorPatterns = []string{
	`non-existing PPS`,
	`no frame!`,
	`Invalid data found when processing input`,
	`Decode error rate`,
	`Could not open encoder`,
	`Decoding error`,
	`Task finished with error code`,
	`Terminating thread with return code`,
	`Cannot determine format of input`,
}

// DefaultIgnorePatterns are diagnostics that are harmless for a lone segment.
var DefaultIgnorePatterns = []string{
	`non monotonically increasing dts`,
	`Nothing was written into output file`,
}

// Classifier matches decoder diagnostics against fixed allow/deny lists.
type Classifier struct {
	errors  []*regexp.Regexp
	ignored []*regexp.Regexp
}

// NewClassifier compiles the pattern lists. Nil lists select the defaults.
func NewClassifier(errorPatterns, ignorePatterns []string) (*Classifier, error) {
	if errorPatterns == nil {
		errorPatterns = DefaultErrorPatterns
	}
	if ignorePatterns == nil {
		ignorePatterns = DefaultIgnorePatterns
	}
	c := &Classifier{}
	var err error
	if c.errors, err = compileAll(errorPatterns); err != nil {
		return nil, err
	}
	if c.ignored, err = compileAll(ignorePatterns); err != nil {
		return nil, err
	}
	return c, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Offending returns the diagnostic lines that match an error pattern and no
// ignore pattern.
func (c *Classifier) Offending(diagnostics string) []string {
	var bad []string
	for _, line := range strings.Split(diagnostics, "\n") {
		line = strings.TrimRight(line, "\r")
		if matchAny(c.errors, line) && !matchAny(c.ignored, line) {
			bad = append(bad, line)
		}
	}
	return bad
}

func matchAny(res []*regexp.Regexp, line string) bool {
	for _, re := range res {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// FFmpegVerifier runs a decode-only ffmpeg pass over a scratch copy of each
// segment. ScratchDir should be on fast storage; a RAM disk is ideal.
type FFmpegVerifier struct {
	FFmpegPath string
	ScratchDir string
	Ext        string
	Classifier *Classifier
	Log        *logger.Logger
}

func (v *FFmpegVerifier) Verify(ctx context.Context, id string, index int, data []byte) bool {
	if err := os.MkdirAll(v.ScratchDir, 0o755); err != nil {
		v.Log.Warn("segment %d: scratch dir: %v", index, err)
		return true
	}

	// Sessions share the scratch dir, so the stream id keeps names unique.
	path := filepath.Join(v.ScratchDir, id+"_"+stream.SegmentName(index, v.Ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		v.Log.Warn("segment %d: write scratch file: %v", index, err)
		return true
	}
	defer os.Remove(path)

	var diag bytes.Buffer
	cmd := exec.CommandContext(ctx, v.FFmpegPath, "-v", "error", "-i", path, "-f", "null", "-")
	cmd.Stderr = &diag

	// The exit status is not inspected; only the diagnostics are.
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		v.Log.Warn("segment %d: run verifier: %v", index, err)
		return true
	}
	if ctx.Err() != nil {
		return true
	}

	if bad := v.Classifier.Offending(diag.String()); len(bad) > 0 {
		v.Log.Debug("segment %d corrupt: %s", index, bad[0])
		return true
	}
	return false
}

// ProbeVerifier demuxes the segment in-process. It catches structurally
// broken transport streams without spawning ffmpeg, but cannot see decoder
// faults inside otherwise well-formed packets.
type ProbeVerifier struct {
	Log *logger.Logger
}

const tsSyncByte = 0x47

// tsPacketSizes are the plain, M2TS and FEC packet sizes.
var tsPacketSizes = []int{astits.MpegTsPacketSize, 192, 204}

// packetSize returns the packet size that splits data into whole packets,
// each starting with a sync byte, or 0 when none does.
func packetSize(data []byte) int {
	for _, size := range tsPacketSizes {
		if len(data)%size != 0 {
			continue
		}
		ok := true
		for off := 0; off < len(data); off += size {
			if data[off] != tsSyncByte {
				ok = false
				break
			}
		}
		if ok {
			return size
		}
	}
	return 0
}

func (v *ProbeVerifier) Verify(ctx context.Context, _ string, index int, data []byte) bool {
	if len(data) == 0 || data[0] != tsSyncByte {
		v.Log.Debug("segment %d corrupt: not an MPEG-TS payload", index)
		return true
	}
	size := packetSize(data)
	if size == 0 {
		v.Log.Debug("segment %d corrupt: %d bytes is not a whole number of packets", index, len(data))
		return true
	}

	dmx := astits.NewDemuxer(ctx, bytes.NewReader(data), astits.DemuxerOptPacketSize(size))
	var pes, pmt int
	for {
		d, err := dmx.NextData()
		if errors.Is(err, astits.ErrNoMorePackets) {
			break
		}
		if err != nil {
			v.Log.Debug("segment %d corrupt: demux: %v", index, err)
			return true
		}
		if d.PES != nil {
			pes++
		}
		if d.PMT != nil {
			pmt++
		}
	}
	if pes == 0 {
		v.Log.Debug("segment %d corrupt: no PES payload (pmt=%d)", index, pmt)
		return true
	}
	return false
}
