package prefetch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrepp/pfindex/pkg/docid"
)

type fixtureVolume struct {
	path    string
	serial  uint32
	created time.Time
	dirs    []string
}

// fixture synthesizes an uncompressed SCCA file.
type fixture struct {
	version       uint32
	metricsOffset uint32
	name          string
	hash          uint32
	runCount      uint32
	lastRuns      []time.Time
	files         []string
	volume        fixtureVolume
}

func defaultMetricsOffset(version uint32) uint32 {
	switch version {
	case VersionXP:
		return 0x98
	case VersionVista:
		return 0xF0
	}
	return 0x130
}

func utf16le(s string) []byte {
	var out []byte
	for _, u := range utf16.Encode([]rune(s)) {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out
}

func toFiletime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100) + filetimeEpochDelta
}

func (fx fixture) build(t *testing.T) []byte {
	t.Helper()

	metricsOff := fx.metricsOffset
	if metricsOff == 0 {
		metricsOff = defaultMetricsOffset(fx.version)
	}
	lay, err := layoutFor(fx.version, metricsOff)
	require.NoError(t, err)

	buf := make([]byte, metricsOff)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], fx.version)
	copy(buf[4:], signature)
	le.PutUint32(buf[8:], 0x11)
	copy(buf[16:16+executableNameBytes], utf16le(fx.name))
	le.PutUint32(buf[76:], fx.hash)

	for i, ts := range fx.lastRuns {
		le.PutUint64(buf[lay.lastRunAt+8*i:], toFiletime(ts))
	}
	le.PutUint32(buf[lay.runCountAt:], fx.runCount)

	var strs []byte
	metrics := make([]byte, 0, len(fx.files)*int(lay.metricSize))
	for i, name := range fx.files {
		entry := make([]byte, lay.metricSize)
		le.PutUint32(entry[0:], uint32(i*10))
		le.PutUint32(entry[4:], 5)
		off, n := uint32(len(strs)), uint32(len([]rune(name)))
		if lay.metricSize == 20 {
			le.PutUint32(entry[8:], off)
			le.PutUint32(entry[12:], n)
			le.PutUint32(entry[16:], 0x200)
		} else {
			le.PutUint32(entry[8:], 2)
			le.PutUint32(entry[12:], off)
			le.PutUint32(entry[16:], n)
			le.PutUint32(entry[20:], 0x200)
			le.PutUint64(entry[24:], uint64(3)<<48|uint64(1000+i))
		}
		metrics = append(metrics, entry...)
		strs = append(strs, utf16le(name)...)
		strs = append(strs, 0, 0)
	}

	stringsOff := metricsOff + uint32(len(metrics))
	volumesOff := stringsOff + uint32(len(strs))

	vol := make([]byte, lay.volumeSize)
	path := utf16le(fx.volume.path)
	le.PutUint32(vol[0:], lay.volumeSize)
	le.PutUint32(vol[4:], uint32(len([]rune(fx.volume.path))))
	if !fx.volume.created.IsZero() {
		le.PutUint64(vol[8:], toFiletime(fx.volume.created))
	}
	le.PutUint32(vol[16:], fx.volume.serial)
	le.PutUint32(vol[28:], lay.volumeSize+uint32(len(path))+2)
	le.PutUint32(vol[32:], uint32(len(fx.volume.dirs)))
	vol = append(vol, path...)
	vol = append(vol, 0, 0)
	for _, d := range fx.volume.dirs {
		vol = binary.LittleEndian.AppendUint16(vol, uint16(len([]rune(d))))
		vol = append(vol, utf16le(d)...)
		vol = append(vol, 0, 0)
	}

	info := []uint32{
		metricsOff, uint32(len(fx.files)),
		stringsOff, 0,
		stringsOff, uint32(len(strs)),
		volumesOff, 1, uint32(len(vol)),
	}
	for i, v := range info {
		le.PutUint32(buf[fileInfoOffset+4*i:], v)
	}

	buf = append(buf, metrics...)
	buf = append(buf, strs...)
	buf = append(buf, vol...)
	le.PutUint32(buf[12:], uint32(len(buf)))
	return buf
}

func sampleFixture(version uint32) fixture {
	return fixture{
		version:  version,
		name:     "CALC.EXE",
		hash:     0x77B1C5A2,
		runCount: 4,
		lastRuns: []time.Time{
			time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC),
			time.Date(2022, 12, 31, 23, 0, 0, 0, time.UTC),
		},
		files: []string{
			`\VOLUME{01d9}\WINDOWS\SYSTEM32\NTDLL.DLL`,
			`\VOLUME{01d9}\WINDOWS\SYSTEM32\CALC.EXE`,
		},
		volume: fixtureVolume{
			path:    `\VOLUME{01d9-5a1b}`,
			serial:  0xA1B2C3D4,
			created: time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC),
			dirs:    []string{`\VOLUME{01d9}\WINDOWS`, `\VOLUME{01d9}\WINDOWS\SYSTEM32`},
		},
	}
}

func TestDecode_Versions(t *testing.T) {
	tests := []struct {
		name          string
		version       uint32
		metricsOffset uint32
		wantRuns      int
		wantFileRef   bool
	}{
		{"xp", VersionXP, 0, 1, false},
		{"vista", VersionVista, 0, 1, true},
		{"windows 8", VersionWin8, 0, 2, true},
		{"windows 10", VersionWin10, 0, 2, true},
		{"windows 10 short file info", VersionWin10, win10Variant2MetricsOffset, 2, true},
		{"windows 11", VersionWin11, 0, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := sampleFixture(tt.version)
			fx.metricsOffset = tt.metricsOffset
			if tt.wantRuns == 1 {
				fx.lastRuns = fx.lastRuns[:1]
			}

			f, err := Decode(fx.build(t))
			require.NoError(t, err)

			assert.Equal(t, tt.version, f.Header.Version)
			assert.Equal(t, "SCCA", f.Header.Signature)
			assert.Equal(t, "CALC.EXE", f.Header.ExecutableName)
			assert.Equal(t, "77B1C5A2", f.Header.PrefetchHash)

			assert.Equal(t, uint32(4), f.FileInformation.RunCount)
			require.Len(t, f.FileInformation.LastRunTimes, tt.wantRuns)
			assert.Equal(t, "2023-01-02T03:04:05Z", f.FileInformation.LastRunTimes[0])

			assert.Equal(t, fx.files, f.Filenames)
			require.Len(t, f.Metrics, 2)
			assert.Equal(t, fx.files[1], f.Metrics[1].Filename)
			assert.Equal(t, uint32(0x200), f.Metrics[1].Flags)
			if tt.wantFileRef {
				require.NotNil(t, f.Metrics[1].FileReference)
				assert.Equal(t, uint64(1001), f.Metrics[1].FileReference.Entry)
				assert.Equal(t, uint16(3), f.Metrics[1].FileReference.Sequence)
			} else {
				assert.Nil(t, f.Metrics[1].FileReference)
			}

			require.Len(t, f.Volumes, 1)
			v := f.Volumes[0]
			assert.Equal(t, `\VOLUME{01d9-5a1b}`, v.DevicePath)
			assert.Equal(t, "A1B2C3D4", v.SerialNumber)
			assert.Equal(t, "2020-06-01T12:00:00Z", v.CreationTime)
			assert.Equal(t, fx.volume.dirs, v.Directories)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	valid := sampleFixture(VersionWin10)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{
			name:   "short header",
			mutate: func(b []byte) []byte { return b[:40] },
			want:   ErrTruncated,
		},
		{
			name: "bad signature",
			mutate: func(b []byte) []byte {
				copy(b[4:], "SCCB")
				return b
			},
			want: ErrInvalidSignature,
		},
		{
			name: "unknown version",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[0:], 99)
				return b
			},
			want: ErrUnsupportedVersion,
		},
		{
			name: "metrics beyond end",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[fileInfoOffset+4:], 5000)
				return b
			},
			want: ErrTruncated,
		},
		{
			name: "filename strings beyond end",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[fileInfoOffset+20:], 1<<20)
				return b
			},
			want: ErrTruncated,
		},
		{
			name:   "truncated volumes",
			mutate: func(b []byte) []byte { return b[:len(b)-30] },
			want:   ErrTruncated,
		},
		{
			name: "directory count larger than file",
			mutate: func(b []byte) []byte {
				vol := binary.LittleEndian.Uint32(b[fileInfoOffset+24:])
				binary.LittleEndian.PutUint32(b[vol+32:], 0xFFFFFFFF)
				return b
			},
			want: ErrTruncated,
		},
		{
			name: "filename length wraps",
			mutate: func(b []byte) []byte {
				metrics := binary.LittleEndian.Uint32(b[fileInfoOffset:])
				binary.LittleEndian.PutUint32(b[metrics+16:], 0x80000000)
				return b
			},
			want: ErrTruncated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.mutate(valid.build(t)))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDecode_FilenameOutsideStringTable(t *testing.T) {
	b := sampleFixture(VersionWin10).build(t)
	metrics := binary.LittleEndian.Uint32(b[fileInfoOffset:])
	binary.LittleEndian.PutUint32(b[metrics+16:], 0x80000000)

	_, err := Decode(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filename outside string table")
}

func TestParser_Parse(t *testing.T) {
	fs := afero.NewMemMapFs()
	raw := sampleFixture(VersionWin10).build(t)
	require.NoError(t, afero.WriteFile(fs, "/evidence/CALC.EXE-77B1C5A2.pf", raw, 0o644))

	p := NewParser(fs)
	rec, err := p.Parse(context.Background(), "/evidence/CALC.EXE-77B1C5A2.pf")
	require.NoError(t, err)

	header, ok := rec["header"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "CALC.EXE", header["executable_name"])
	assert.Equal(t, json.Number("30"), header["version"])

	info, ok := rec["file_information"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("4"), info["run_count"])

	assert.Len(t, rec["filenames"], 2)
	assert.Len(t, rec["volumes"], 1)
}

func TestParser_CompressedMatchesPlain(t *testing.T) {
	raw := sampleFixture(VersionWin10).build(t)
	compressed := mamWrap(0x04, len(raw), huffmanLiterals(raw))

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a/plain.pf", raw, 0o644))
	require.NoError(t, afero.WriteFile(fs, "/b/packed.pf", compressed, 0o644))

	p := NewParser(fs)
	plain, err := p.Parse(context.Background(), "/a/plain.pf")
	require.NoError(t, err)
	packed, err := p.Parse(context.Background(), "/b/packed.pf")
	require.NoError(t, err)

	assert.Equal(t, plain, packed)

	// Same decoded content means the same document, wherever the file lived.
	id1, err := docid.FromRecord(plain)
	require.NoError(t, err)
	id2, err := docid.FromRecord(packed)
	require.NoError(t, err)
	assert.True(t, id1.Equal(id2))
}

func TestParser_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/junk.pf", []byte("this is not a prefetch file at all, just some text padding it out to length..........."), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/big.pf", sampleFixture(VersionWin10).build(t), 0o644))

	p := NewParser(fs, WithMaxSize(128))

	_, err := p.Parse(context.Background(), "/missing.pf")
	require.Error(t, err)

	_, err = p.Parse(context.Background(), "/junk.pf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	_, err = p.Parse(context.Background(), "/big.pf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Parse(ctx, "/big.pf")
	assert.ErrorIs(t, err, context.Canceled)
}
