package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/fetcher/mocks"
	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/sink"
	"github.com/sells-group/plansync/internal/syncerr"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	testURL    = "https://example.test/f_5500_2023_latest.zip"
	testHeader = "ACK_ID,SPONS_DFE_EIN,SPONS_DFE_PN,PLAN_NAME,SPONSOR_DFE_NAME,SPONS_DFE_MAIL_US_STATE,TYPE_PENSION_BNFT_CODE,TOT_PARTCP_BOY_CNT,TOT_ASSETS_EOY_AMT,DATE_RECEIVED\n"
)

// fiveRowCSV holds three complete rows, one row without total assets and
// one row the parser cannot read.
func fiveRowCSV() string {
	return testHeader +
		"A1,111111111,1,Alpha Plan,Alpha Inc,TX,2E,100,1000000,2024-03-01\n" +
		"A2,222222222,1,Bravo Plan,Bravo Inc,CA,2J,500,5000000,2024-03-02\n" +
		"A3,444444444,2,Delta Plan,Delta Inc,WA,2A,50,2000000,2024-03-05\n" +
		"A4,333333333,1,Charlie Plan,Charlie Inc,NY,2E,10,,2024-03-03\n" +
		"garbage\n"
}

// csvWithRejects returns n rows of which bad have no employer id.
func csvWithRejects(n, bad int) string {
	var b strings.Builder
	b.WriteString(testHeader)
	for i := range n {
		ein := fmt.Sprintf("%09d", 100000000+i)
		if i < bad {
			ein = ""
		}
		fmt.Fprintf(&b, "R%d,%s,1,Plan %d,Sponsor %d,TX,2E,%d,%d,2024-01-02\n", i, ein, i, i, 10+i, 1000*(i+1))
	}
	return b.String()
}

type harness struct {
	coord   *Coordinator
	runs    *memRunLog
	live    *memAnalytical
	cache   *memCache
	scratch string
}

func newHarness(t *testing.T, f interface {
	Download(context.Context, string) (io.ReadCloser, error)
}, opts Options) *harness {
	t.Helper()
	h := &harness{
		runs:    newMemRunLog(),
		live:    &memAnalytical{},
		cache:   &memCache{},
		scratch: t.TempDir(),
	}
	opts.SourceURL = testURL
	opts.ScratchDir = h.scratch
	if opts.Workers == 0 {
		opts.Workers = 3
	}
	w := sink.NewWriter(h.live, h.cache, sink.WriterOptions{BatchSize: 2, K: 2})
	h.coord = New(f, w, h.runs, opts)
	t.Cleanup(h.coord.Close)
	return h
}

func mockWithZip(t *testing.T, data []byte) *mocks.MockFetcher {
	f := mocks.NewMockFetcher(t)
	f.On("Download", mock.Anything, testURL).Return(bodyFunc(data))
	return f
}

func scratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_EndToEnd(t *testing.T) {
	data := buildZip(t,
		"F_5500_2023_latest.csv", fiveRowCSV(),
		"F_SCH_A_2023.csv", "ACK_ID,OTHER\nA1,x\n",
	)
	h := newHarness(t, mockWithZip(t, data), Options{Ceiling: 0.25})

	run, err := h.coord.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, model.StageCompleted, run.Stage)
	assert.Equal(t, 2023, run.SourceYear)
	assert.Equal(t, int64(5), run.RowsProcessed)
	assert.Equal(t, int64(1), run.RowsRejected)
	assert.Equal(t, int64(4), run.RowsWritten)
	assert.Equal(t, 2, run.CacheSize)
	assert.Positive(t, run.BytesFetched)

	live := h.live.snapshot()
	require.Len(t, live, 4)
	assert.Contains(t, live, "111111111-001")
	assert.Contains(t, live, "444444444-002")
	assert.Positive(t, live["222222222-001"].Rank)

	sentinel, ok := live["333333333-001"]
	require.True(t, ok)
	assert.True(t, sentinel.Missing.Has(model.FieldAssets))
	assert.Zero(t, sentinel.TotalAssets)
	assert.Equal(t, int64(10), sentinel.Participants)
	assert.False(t, live["111111111-001"].Missing.Has(model.FieldAssets))
	assert.Less(t, sentinel.Rank, live["111111111-001"].Rank)

	cached, calls := h.cache.snapshot()
	require.Equal(t, 1, calls)
	require.Len(t, cached, 2)
	assert.Equal(t, "222222222-001", cached[0].ID)
	assert.Equal(t, "444444444-002", cached[1].ID)

	recorded := h.runs.get(run.ID)
	assert.Equal(t, model.RunStatusComplete, recorded.Status)
	assert.Equal(t, int64(4), recorded.RowsWritten)
	assert.Equal(t, 1, h.runs.reaped)

	st := h.coord.Status()
	assert.Equal(t, model.StageCompleted, st.Stage)
	assert.Equal(t, run.ID, st.RunID)
	assert.Equal(t, int64(5), st.RowsProcessed)

	scratchEmpty(t, h.scratch)
}

func TestRun_CacheFailureAfterAnalyticalSwap(t *testing.T) {
	data := buildZip(t, "f_5500_2023.csv", csvWithRejects(4, 0))
	h := newHarness(t, mockWithZip(t, data), Options{})
	h.cache.err = errors.New("database is locked")

	run, err := h.coord.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "cache_stale", syncerr.Kind(err))

	recorded := h.runs.get(run.ID)
	assert.Equal(t, model.RunStatusFailed, recorded.Status)
	assert.Equal(t, model.StageWriting, recorded.Stage)
	assert.Equal(t, "cache_stale", recorded.ErrorKind)
	assert.Equal(t, int64(4), recorded.RowsWritten)
	assert.Zero(t, recorded.CacheSize)

	assert.Len(t, h.live.snapshot(), 4)
	cached, calls := h.cache.snapshot()
	assert.Equal(t, 1, calls)
	assert.Empty(t, cached)
}

func TestRun_RejectionCeiling(t *testing.T) {
	data := buildZip(t, "f_5500_2023.csv", csvWithRejects(10, 2))

	t.Run("at ceiling passes", func(t *testing.T) {
		h := newHarness(t, mockWithZip(t, data), Options{Ceiling: 0.2})
		run, err := h.coord.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(8), run.RowsWritten)
		assert.Equal(t, int64(2), run.RowsRejected)
	})

	t.Run("over ceiling fails", func(t *testing.T) {
		h := newHarness(t, mockWithZip(t, data), Options{Ceiling: 0.1})
		h.live.live = map[string]model.Plan{"keep-000": {ID: "keep-000"}}

		run, err := h.coord.Run(context.Background())
		require.Error(t, err)
		var se *syncerr.SchemaError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, int64(2), se.Rejected)
		assert.Equal(t, int64(10), se.Total)

		assert.Equal(t, model.RunStatusFailed, run.Status)
		assert.Equal(t, "schema", run.ErrorKind)

		recorded := h.runs.get(run.ID)
		assert.Equal(t, model.RunStatusFailed, recorded.Status)
		assert.Equal(t, model.StageParsing, recorded.Stage)
		assert.Equal(t, "schema", recorded.ErrorKind)

		assert.Equal(t, map[string]model.Plan{"keep-000": {ID: "keep-000"}}, h.live.snapshot())
		_, calls := h.cache.snapshot()
		assert.Zero(t, calls)
		assert.Equal(t, model.StageFailed, h.coord.Status().Stage)
		scratchEmpty(t, h.scratch)
	})
}

func TestRun_MissingHeaderColumn(t *testing.T) {
	data := buildZip(t, "f_5500_2023.csv", "ACK_ID,SPONS_DFE_EIN\nA1,111111111\n")
	h := newHarness(t, mockWithZip(t, data), Options{})

	run, err := h.coord.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "schema", syncerr.Kind(err))
	assert.Equal(t, model.StageParsing, run.Stage)
	assert.Nil(t, h.live.snapshot())
}

func TestRun_FetchFailure(t *testing.T) {
	f := mocks.NewMockFetcher(t)
	f.On("Download", mock.Anything, testURL).
		Return(nil, &syncerr.FetchError{URL: testURL, StatusCode: 503, Err: errors.New("unavailable")})
	h := newHarness(t, f, Options{})

	run, err := h.coord.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "fetch", syncerr.Kind(err))
	assert.Equal(t, model.StageFetching, run.Stage)
	assert.Equal(t, "fetch", h.runs.get(run.ID).ErrorKind)
	assert.Zero(t, h.live.begun)
}

func TestRun_MissingPrimaryEntry(t *testing.T) {
	data := buildZip(t, "F_SCH_A_2023.csv", "ACK_ID\nA1\n", "readme.pdf", "x")
	h := newHarness(t, mockWithZip(t, data), Options{})

	run, err := h.coord.Run(context.Background())
	require.Error(t, err)
	var ae *syncerr.ArchiveError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, model.StageParsing, run.Stage)
	scratchEmpty(t, h.scratch)
}

func TestRun_CorruptArchive(t *testing.T) {
	h := newHarness(t, mockWithZip(t, []byte("definitely not a zip")), Options{})

	_, err := h.coord.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "archive", syncerr.Kind(err))
}

func TestRun_CancelledDuringFetch(t *testing.T) {
	f := mocks.NewMockFetcher(t)
	f.On("Download", mock.Anything, testURL).Return(func(ctx context.Context, _ string) (io.ReadCloser, error) {
		return stallingBody{ctx: ctx}, nil
	})
	h := newHarness(t, f, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	run, err := h.coord.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, "cancelled", syncerr.Kind(err))
	assert.Equal(t, model.RunStatusFailed, h.runs.get(run.ID).Status)
	scratchEmpty(t, h.scratch)

	// The guard is released after a failed run.
	assert.False(t, h.coord.running.Load())
}

func TestTrigger_RejectsConcurrentRun(t *testing.T) {
	gf := newGatedFetcher(buildZip(t, "f_5500_2023.csv", fiveRowCSV()))
	h := newHarness(t, gf, Options{Ceiling: 0.25})

	id, err := h.coord.Trigger(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	<-gf.entered

	_, err = h.coord.Trigger(context.Background())
	var are *syncerr.AlreadyRunningError
	require.ErrorAs(t, err, &are)
	assert.Equal(t, id, are.RunID)

	_, err = h.coord.Run(context.Background())
	assert.True(t, syncerr.IsAlreadyRunning(err))
	assert.Equal(t, model.StageFetching, h.coord.Status().Stage)

	close(gf.release)
	require.Eventually(t, func() bool {
		return h.runs.get(id).Status == model.RunStatusComplete
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !h.coord.running.Load() }, time.Second, 5*time.Millisecond)

	// A second run may start once the first has finished.
	gf2 := mockWithZip(t, buildZip(t, "f_5500_2023.csv", fiveRowCSV()))
	h.coord.fetcher = gf2
	run, err := h.coord.Run(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, id, run.ID)
}

func TestRun_RunLogGuard(t *testing.T) {
	f := mocks.NewMockFetcher(t)
	h := newHarness(t, f, Options{})
	h.runs.runs["other"] = &model.SyncRun{ID: "other", Status: model.RunStatusRunning}

	for range 2 {
		_, err := h.coord.Run(context.Background())
		var are *syncerr.AlreadyRunningError
		require.ErrorAs(t, err, &are)
		assert.Equal(t, "other", are.RunID)
		assert.False(t, h.coord.running.Load())
	}
	f.AssertNotCalled(t, "Download", mock.Anything, mock.Anything)
}

func TestClose_CancelsBackgroundRun(t *testing.T) {
	gf := newGatedFetcher(nil)
	h := newHarness(t, gf, Options{})

	id, err := h.coord.Trigger(context.Background())
	require.NoError(t, err)
	<-gf.entered

	h.coord.Close()
	run := h.runs.get(id)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, "cancelled", run.ErrorKind)
}

func TestSourceYear(t *testing.T) {
	cases := []struct {
		url  string
		want int
	}{
		{"https://askebsa.dol.gov/FOIA%20Files/2023/Latest/F_5500_2023_Latest.zip", 2023},
		{"ftp://host/f_5500_1999.zip", 1999},
		{"https://host/data/latest.zip", 0},
		{"https://host/v12024x/file.zip", 0},
		{"https://host/2021/f_5500_2022", 2022},
		{"https://host/3000/file.zip", 0},
		{"", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SourceYear(tc.url), tc.url)
	}
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{SourceURL: testURL}.withDefaults()
	assert.Positive(t, o.Workers)
	assert.Equal(t, 256, o.Buffer)
	assert.Equal(t, DefaultStaleAfter, o.StaleAfter)
	assert.Equal(t, DefaultMarker, o.Archive.Marker)
	assert.Equal(t, 2023, o.SourceYear)
	assert.Equal(t, 0.05, o.Ceiling)

	o = Options{SourceURL: testURL, SourceYear: 2019}.withDefaults()
	assert.Equal(t, 2019, o.SourceYear)
}
