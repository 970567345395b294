package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brycelelbach/nsightful/internal/nsys"
	"github.com/brycelelbach/nsightful/internal/report"
)

const exportSchema = `
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
INSERT INTO StringIds VALUES (1, 'matmul'), (2, 'cudaLaunchKernel');
INSERT INTO CUPTI_ACTIVITY_KIND_KERNEL VALUES (0, 7, 55, 1000000, 2000000, 1, 1234 * 16777216);
INSERT INTO CUPTI_ACTIVITY_KIND_RUNTIME VALUES (900000, 1100000, 2, 1234 * 16777216 + 42, 55);
INSERT INTO NVTX_EVENTS VALUES (500000, 2500000, NULL, 'region_A', 1234 * 16777216 + 42, 59);
`

func writeExport(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(exportSchema)
	require.NoError(t, err)
}

func quietRoot() *rootCmd {
	return &rootCmd{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func readEvents(t *testing.T, r io.Reader) []nsys.Event {
	t.Helper()
	var events []nsys.Event
	require.NoError(t, json.NewDecoder(r).Decode(&events))
	return events
}

func TestListFlag(t *testing.T) {
	var l listFlag
	require.NoError(t, l.Set("kernel, nvtx"))
	require.NoError(t, l.Set("cuda-api"))
	require.NoError(t, l.Set(" , "))
	assert.Equal(t, listFlag{"kernel", "nvtx", "cuda-api"}, l)
	assert.Equal(t, "kernel,nvtx,cuda-api", l.String())
}

func TestColorFlagKeepsCommas(t *testing.T) {
	var c colorFlag
	require.NoError(t, c.Set("compute=rgb(1,2,3)"))
	require.NoError(t, c.Set("copy=blue"))
	assert.Equal(t, colorFlag{{Match: "compute", Color: "rgb(1,2,3)"}, {Match: "copy", Color: "blue"}}, c)
	assert.Equal(t, "compute=rgb(1,2,3),copy=blue", c.String())

	assert.Error(t, c.Set("nocolor"))
}

func TestSiblingOutput(t *testing.T) {
	assert.Equal(t, "/data/run.json", siblingOutput("/data/run.sqlite", ".json"))
	assert.Equal(t, "run.json.zst", siblingOutput("run.sqlite", ".json.zst"))
	assert.Equal(t, "run.json", siblingOutput("run", ".json"))
}

func TestCreateOutputCompression(t *testing.T) {
	dir := t.TempDir()
	payload := []byte(`[{"name":"matmul"}]`)

	for _, name := range []string{"plain.json", "trace.json.gz", "trace.json.zst"} {
		path := filepath.Join(dir, name)
		require.NoError(t, writeOutput(path, func(w io.Writer) error {
			_, err := w.Write(payload)
			return err
		}))

		f, err := os.Open(path)
		require.NoError(t, err)
		var r io.Reader = f
		switch filepath.Ext(name) {
		case ".gz":
			gz, err := gzip.NewReader(f)
			require.NoError(t, err)
			r = gz
		case ".zst":
			dec, err := zstd.NewReader(f)
			require.NoError(t, err)
			defer dec.Close()
			r = dec
		}
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, payload, got, name)
		f.Close()
	}
}

func TestWriteOutputRemovesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	err := writeOutput(path, func(io.Writer) error { return assert.AnError })
	require.ErrorIs(t, err, assert.AnError)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestNsysSingleInput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "run.sqlite")
	writeExport(t, input)
	output := filepath.Join(dir, "out.json")

	cmd := nsysCmd{root: quietRoot(), output: output, jobs: 1}
	require.NoError(t, cmd.exec(context.Background(), []string{input}))

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()
	events := readEvents(t, f)
	require.Len(t, events, 4)

	for _, event := range events {
		if event.Category == nsys.CategoryKernel {
			assert.Equal(t, []string{"region_A"}, event.Args.NVTXRegions)
		}
	}
}

func TestNsysBatchWritesSiblings(t *testing.T) {
	dir := t.TempDir()
	inputs := []string{filepath.Join(dir, "a.sqlite"), filepath.Join(dir, "b.sqlite")}
	for _, input := range inputs {
		writeExport(t, input)
	}

	cmd := nsysCmd{root: quietRoot(), ext: ".json.gz", jobs: 2, activities: listFlag{"kernel"}}
	require.NoError(t, cmd.exec(context.Background(), inputs))

	for _, input := range inputs {
		f, err := os.Open(siblingOutput(input, ".json.gz"))
		require.NoError(t, err)
		gz, err := gzip.NewReader(f)
		require.NoError(t, err)
		events := readEvents(t, gz)
		require.Len(t, events, 1)
		assert.Equal(t, "matmul", events[0].Name)
		f.Close()
	}
}

func TestNsysRejectsBadArguments(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "run.sqlite")
	writeExport(t, input)

	cmd := nsysCmd{root: quietRoot(), output: "x.json"}
	assert.Error(t, cmd.exec(context.Background(), []string{input, input}))

	cmd = nsysCmd{root: quietRoot(), activities: listFlag{"memcpy"}}
	assert.Error(t, cmd.exec(context.Background(), []string{input}))

	cmd = nsysCmd{root: quietRoot()}
	assert.Error(t, cmd.exec(context.Background(), []string{filepath.Join(dir, "missing.sqlite")}))
}

func TestNcuMarkdown(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "kernels.csv")
	require.NoError(t, os.WriteFile(input, []byte(`"ID","Kernel Name","Section Name","Metric Name","Metric Unit","Metric Value","Rule Name","Rule Type","Rule Description","Estimated Speedup Type","Estimated Speedup"
"0","gemm(float*)","SpeedOfLight","DRAM Throughput","%","12.5","","","","",""
`), 0o600))
	output := filepath.Join(dir, "kernels.md")

	cmd := ncuCmd{root: quietRoot(), output: output}
	require.NoError(t, cmd.exec(context.Background(), []string{input}))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# gemm\n")
	assert.Contains(t, string(data), "| DRAM Throughput | % | 12.5 |")
}

func TestPrintDevices(t *testing.T) {
	devices := []report.Device{{
		Device:      nsys.Device{ID: 0, Name: "NVIDIA", BusLocation: "0000:65:00.0"},
		DisplayName: "GH100 [H100 SXM5 80GB]",
	}}

	var table bytes.Buffer
	require.NoError(t, printDevices(&table, devices, false))
	assert.Contains(t, table.String(), "GH100 [H100 SXM5 80GB]")
	assert.Contains(t, table.String(), "0000:65:00.0")

	var encoded bytes.Buffer
	require.NoError(t, printDevices(&encoded, devices, true))
	var decoded []report.Device
	require.NoError(t, json.Unmarshal(encoded.Bytes(), &decoded))
	assert.Equal(t, devices, decoded)

	var empty bytes.Buffer
	require.NoError(t, printDevices(&empty, nil, false))
	assert.Equal(t, "no GPU information in export\n", empty.String())
}
