package archive

import (
	"archive/zip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/syncerr"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type zipFile struct {
	name, content string
}

// createTestZip writes files into dir/name in the given order.
func createTestZip(t *testing.T, dir, name string, files ...zipFile) string {
	t.Helper()
	p := filepath.Join(dir, name)
	zf, err := os.Create(p)
	require.NoError(t, err)
	w := zip.NewWriter(zf)
	for _, f := range files {
		fw, err := w.Create(f.name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(f.content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, zf.Close())
	return p
}

func TestPrimary_SelectsMarkerEntry(t *testing.T) {
	p := createTestZip(t, t.TempDir(), "f_5500_2024.zip",
		zipFile{"f_5500_2024_layout.pdf", "%PDF"},
		zipFile{"F_SCH_H_2024_latest.csv", "a,b\n"},
		zipFile{"F_5500_2024_latest.CSV", "ACK_ID\n1\n"},
	)
	a, err := Open(p, Options{Marker: "f_5500"})
	require.NoError(t, err)
	defer a.Close()

	e, err := a.Primary()
	require.NoError(t, err)
	assert.Equal(t, "F_5500_2024_latest.CSV", e.Name)

	rc, err := e.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "ACK_ID\n1\n", string(data))

	// Entries can be re-opened from the start.
	rc2, err := e.Open()
	require.NoError(t, err)
	data2, _ := io.ReadAll(rc2)
	_ = rc2.Close()
	assert.Equal(t, data, data2)
}

func TestPrimary_NoMatch(t *testing.T) {
	p := createTestZip(t, t.TempDir(), "a.zip", zipFile{"F_SCH_C.csv", "x\n"}, zipFile{"f_5500.pdf", "x"})
	a, err := Open(p, Options{Marker: "f_5500"})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Primary()
	var ae *syncerr.ArchiveError
	require.True(t, errors.As(err, &ae))
	assert.Contains(t, err.Error(), `no entry matches marker "f_5500"`)
}

func TestOpen_Malformed(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, os.WriteFile(p, []byte("this is not a zip"), 0o644))

	_, err := Open(p, Options{Marker: "f_5500"})
	var ae *syncerr.ArchiveError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, p, ae.Path)
}

func TestEntries_SkipsUnsafeNames(t *testing.T) {
	p := createTestZip(t, t.TempDir(), "a.zip",
		zipFile{"../evil_f_5500.csv", "x"},
		zipFile{"data/f_5500.csv", "ok"},
	)
	a, err := Open(p, Options{Marker: "f_5500"})
	require.NoError(t, err)
	defer a.Close()

	var names []string
	for e := range a.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"data/f_5500.csv"}, names)

	e, err := a.Primary()
	require.NoError(t, err)
	assert.Equal(t, "data/f_5500.csv", e.Name)
}

func TestIsPrimary(t *testing.T) {
	a := &Archive{opts: Options{Marker: "F_5500", Extensions: DefaultExtensions}}
	assert.True(t, a.IsPrimary("f_5500_2024_latest.csv"))
	assert.True(t, a.IsPrimary("dir/F_5500_2024.TXT"))
	assert.False(t, a.IsPrimary("f_5500_2024.pdf"))
	assert.False(t, a.IsPrimary("f_sch_h_2024.csv"))
	assert.False(t, a.IsPrimary("f_5500_dir/sched.csv"))
}
