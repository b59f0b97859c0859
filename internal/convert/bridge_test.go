package convert

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The office stub mirrors the real CLI contract: argv is
// --headless --convert-to pdf --outdir <dir> <input>, and the result is
// <dir>/<stem>.pdf. When PAPERMILL_TEST_TRACE_DIR is set it records a
// "<start-ns> <end-ns>" span per invocation so tests can measure how
// many instances ran at once.
const officeStubBody = `
outdir="$5"
input="$6"
start=$(date +%s%N)
sleep 0.2
end=$(date +%s%N)
if [ -n "$PAPERMILL_TEST_TRACE_DIR" ]; then
    echo "$start $end" > "$(mktemp "$PAPERMILL_TEST_TRACE_DIR/span.XXXXXX")"
fi
stem=$(basename "$input")
stem="${stem%.*}"
printf 'pdf-bytes' > "$outdir/$stem.pdf"
`

func newTestBridge(t *testing.T, officeBody string, concurrency int64) *BridgeConverter {
	t.Helper()
	markerBin := writeScript(t, markerStubBody)
	officeBin := writeScript(t, officeBody)
	direct := NewMarkerConverter(markerBin, 30*time.Second, testLogger())
	return NewBridgeConverter(officeBin, direct, concurrency, 30*time.Second, testLogger())
}

func TestBridgeConvert(t *testing.T) {
	b := newTestBridge(t, officeStubBody, 2)

	outputDir := t.TempDir()
	mdPath, _, err := b.Convert(context.Background(), writeInput(t, "memo.docx"), outputDir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(outputDir, "document.md"), mdPath)

	text, err := os.ReadFile(mdPath)
	require.NoError(t, err)
	require.Contains(t, string(text), "# Converted")
}

func TestBridgeOfficeStageFailure(t *testing.T) {
	b := newTestBridge(t, "echo 'source file could not be loaded' >&2\nexit 1\n", 2)

	_, _, err := b.Convert(context.Background(), writeInput(t, "broken.doc"), t.TempDir())
	require.ErrorIs(t, err, ErrFailed)
	require.Contains(t, err.Error(), "office stage")
}

func TestBridgeOfficeStageNoPDF(t *testing.T) {
	b := newTestBridge(t, "exit 0\n", 2)

	_, _, err := b.Convert(context.Background(), writeInput(t, "silent.odt"), t.TempDir())
	require.ErrorIs(t, err, ErrFailed)
	require.Contains(t, err.Error(), "produced no PDF")
}

func TestBridgeOfficeStageTimeout(t *testing.T) {
	markerBin := writeScript(t, markerStubBody)
	officeBin := writeScript(t, "sleep 5\n")
	direct := NewMarkerConverter(markerBin, 30*time.Second, testLogger())
	b := NewBridgeConverter(officeBin, direct, 2, 100*time.Millisecond, testLogger())

	_, _, err := b.Convert(context.Background(), writeInput(t, "slow.doc"), t.TempDir())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestBridgeAcquireRespectsContext(t *testing.T) {
	b := newTestBridge(t, officeStubBody, 1)
	require.NoError(t, b.OfficeSemaphore().Acquire(context.Background(), 1))
	defer b.OfficeSemaphore().Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The slot is held, so the office stage must give up when the
	// context ends instead of queueing forever.
	_, _, err := b.Convert(ctx, writeInput(t, "blocked.docx"), t.TempDir())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBridgeOfficeConcurrencyCap(t *testing.T) {
	traceDir := t.TempDir()
	t.Setenv("PAPERMILL_TEST_TRACE_DIR", traceDir)

	const limit = 2
	b := newTestBridge(t, officeStubBody, limit)

	const jobs = 5
	errs := make([]error, jobs)
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := writeInput(t, "load.doc")
			_, _, errs[i] = b.Convert(context.Background(), input, t.TempDir())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	spans := readSpans(t, traceDir)
	require.Len(t, spans, jobs)
	require.LessOrEqual(t, maxOverlap(spans), limit)
}

type span struct{ start, end int64 }

func readSpans(t *testing.T, dir string) []span {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var spans []span
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		parts := strings.Fields(string(raw))
		require.Len(t, parts, 2)
		start, err := strconv.ParseInt(parts[0], 10, 64)
		require.NoError(t, err)
		end, err := strconv.ParseInt(parts[1], 10, 64)
		require.NoError(t, err)
		spans = append(spans, span{start: start, end: end})
	}
	return spans
}

// maxOverlap sweeps the span boundaries and returns the largest number
// of spans alive at any instant.
func maxOverlap(spans []span) int {
	type event struct {
		at    int64
		delta int
	}
	var events []event
	for _, s := range spans {
		events = append(events, event{s.start, +1}, event{s.end, -1})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].at == events[j].at {
			return events[i].delta < events[j].delta
		}
		return events[i].at < events[j].at
	})

	var cur, max int
	for _, e := range events {
		cur += e.delta
		if cur > max {
			max = cur
		}
	}
	return max
}
