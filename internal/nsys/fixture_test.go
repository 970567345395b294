package nsys

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

const fixtureSchema = `
CREATE TABLE StringIds (id INTEGER PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE CUPTI_ACTIVITY_KIND_KERNEL (
	deviceId INTEGER, streamId INTEGER, correlationId INTEGER,
	start INTEGER, end INTEGER, shortName INTEGER, globalPid INTEGER
);
CREATE TABLE CUPTI_ACTIVITY_KIND_RUNTIME (
	start INTEGER, end INTEGER, nameId INTEGER, globalTid INTEGER, correlationId INTEGER
);
CREATE TABLE NVTX_EVENTS (
	start INTEGER, end INTEGER, textId INTEGER, text TEXT, globalTid INTEGER, eventType INTEGER
);
CREATE TABLE TARGET_INFO_GPU (id INTEGER, name TEXT, busLocation TEXT);
`

// fixture builds a throwaway export on disk.
type fixture struct {
	t  *testing.T
	db *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "report.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(fixtureSchema)
	require.NoError(t, err)
	return &fixture{t: t, db: db}
}

func globalPid(pid int64) int64      { return pid * 0x1000000 }
func globalTid(pid, tid int64) int64 { return pid*0x1000000 + tid }

func (f *fixture) exec(query string, args ...any) {
	f.t.Helper()
	_, err := f.db.Exec(query, args...)
	require.NoError(f.t, err)
}

func (f *fixture) str(id int64, value string) *fixture {
	f.exec(`INSERT INTO StringIds (id, value) VALUES (?, ?)`, id, value)
	return f
}

func (f *fixture) kernel(device, stream, correlation, start, end, nameID, pid int64) *fixture {
	f.exec(`INSERT INTO CUPTI_ACTIVITY_KIND_KERNEL VALUES (?, ?, ?, ?, ?, ?, ?)`,
		device, stream, correlation, start, end, nameID, globalPid(pid))
	return f
}

func (f *fixture) api(start, end, nameID, pid, tid, correlation int64) *fixture {
	f.exec(`INSERT INTO CUPTI_ACTIVITY_KIND_RUNTIME VALUES (?, ?, ?, ?, ?)`,
		start, end, nameID, globalTid(pid, tid), correlation)
	return f
}

// nvtx inserts a closed push/pop range carrying inline text.
func (f *fixture) nvtx(start, end int64, text string, pid, tid int64) *fixture {
	f.exec(`INSERT INTO NVTX_EVENTS VALUES (?, ?, NULL, ?, ?, 59)`, start, end, text, globalTid(pid, tid))
	return f
}

// internedNVTX inserts a closed push/pop range named through StringIds. An
// empty text leaves the inline text NULL.
func (f *fixture) internedNVTX(start, end, textID int64, text string, pid, tid int64) *fixture {
	var inline any
	if text != "" {
		inline = text
	}
	f.exec(`INSERT INTO NVTX_EVENTS VALUES (?, ?, ?, ?, ?, 59)`, start, end, textID, inline, globalTid(pid, tid))
	return f
}

func (f *fixture) openNVTX(start int64, text string, pid, tid int64) *fixture {
	f.exec(`INSERT INTO NVTX_EVENTS VALUES (?, NULL, NULL, ?, ?, 59)`, start, text, globalTid(pid, tid))
	return f
}

func (f *fixture) dropTable(name string) *fixture {
	f.exec(`DROP TABLE ` + name)
	return f
}
