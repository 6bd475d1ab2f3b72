package prefetch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf16"
)

// Format versions found in the wild.
const (
	VersionXP    uint32 = 17
	VersionVista uint32 = 23
	VersionWin8  uint32 = 26
	VersionWin10 uint32 = 30
	VersionWin11 uint32 = 31
)

const (
	signature           = "SCCA"
	headerSize          = 84
	executableNameBytes = 60
	fileInfoOffset      = 84

	// Version 30 has two file information layouts, told apart by where the
	// metrics array starts.
	win10Variant2MetricsOffset = 0x128

	filetimeEpochDelta = 116444736000000000
)

var (
	ErrInvalidSignature   = errors.New("invalid prefetch signature")
	ErrUnsupportedVersion = errors.New("unsupported prefetch format version")
	ErrTruncated          = errors.New("prefetch data truncated")
)

// Header is the fixed-size file header.
type Header struct {
	Version        uint32 `json:"version"`
	Signature      string `json:"signature"`
	FileSize       uint32 `json:"file_size"`
	ExecutableName string `json:"executable_name"`
	PrefetchHash   string `json:"prefetch_hash"`
}

// FileInformation locates the variable sections and carries execution
// history.
type FileInformation struct {
	MetricsOffset         uint32   `json:"metrics_offset"`
	MetricsCount          uint32   `json:"metrics_count"`
	TraceChainsOffset     uint32   `json:"trace_chains_offset"`
	TraceChainsCount      uint32   `json:"trace_chains_count"`
	FilenameStringsOffset uint32   `json:"filename_strings_offset"`
	FilenameStringsSize   uint32   `json:"filename_strings_size"`
	VolumesOffset         uint32   `json:"volumes_offset"`
	VolumesCount          uint32   `json:"volumes_count"`
	VolumesSize           uint32   `json:"volumes_size"`
	LastRunTimes          []string `json:"last_run_times"`
	RunCount              uint32   `json:"run_count"`
}

// FileReference is an NTFS MFT reference.
type FileReference struct {
	Entry    uint64 `json:"mft_entry"`
	Sequence uint16 `json:"sequence"`
}

// Metric is one file loaded by the executable.
type Metric struct {
	StartTime       uint32         `json:"start_time"`
	Duration        uint32         `json:"duration"`
	AverageDuration uint32         `json:"average_duration,omitempty"`
	Filename        string         `json:"filename"`
	Flags           uint32         `json:"flags"`
	FileReference   *FileReference `json:"file_reference,omitempty"`
}

// Volume is a volume referenced by the executable.
type Volume struct {
	DevicePath   string   `json:"device_path"`
	CreationTime string   `json:"creation_time,omitempty"`
	SerialNumber string   `json:"serial_number"`
	Directories  []string `json:"directories"`
}

// File is a decoded prefetch file.
type File struct {
	Header          Header          `json:"header"`
	FileInformation FileInformation `json:"file_information"`
	Metrics         []Metric        `json:"metrics"`
	Filenames       []string        `json:"filenames"`
	Volumes         []Volume        `json:"volumes"`
}

type layout struct {
	metricSize   uint32
	volumeSize   uint32
	lastRunAt    int
	lastRunCount int
	runCountAt   int
}

func layoutFor(version, metricsOffset uint32) (layout, error) {
	switch version {
	case VersionXP:
		return layout{metricSize: 20, volumeSize: 40, lastRunAt: 120, lastRunCount: 1, runCountAt: 144}, nil
	case VersionVista:
		return layout{metricSize: 32, volumeSize: 104, lastRunAt: 128, lastRunCount: 1, runCountAt: 152}, nil
	case VersionWin8:
		return layout{metricSize: 32, volumeSize: 104, lastRunAt: 128, lastRunCount: 8, runCountAt: 208}, nil
	case VersionWin10, VersionWin11:
		l := layout{metricSize: 32, volumeSize: 96, lastRunAt: 128, lastRunCount: 8, runCountAt: 208}
		if metricsOffset == win10Variant2MetricsOffset {
			l.runCountAt = 200
		}
		return l, nil
	}
	return layout{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
}

// buffer is a bounds-checked little-endian view.
type buffer []byte

func (b buffer) check(off, n int) error {
	if off < 0 || n < 0 || off+n > len(b) || off+n < off {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, off, len(b))
	}
	return nil
}

func (b buffer) u16(off int) (uint16, error) {
	if err := b.check(off, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[off:]), nil
}

func (b buffer) u32(off int) (uint32, error) {
	if err := b.check(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[off:]), nil
}

func (b buffer) u64(off int) (uint64, error) {
	if err := b.check(off, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[off:]), nil
}

// utf16At decodes nchars UTF-16LE code units, stopping early at a NUL.
func (b buffer) utf16At(off, nchars int) (string, error) {
	if err := b.check(off, nchars*2); err != nil {
		return "", err
	}
	units := make([]uint16, 0, nchars)
	for i := 0; i < nchars; i++ {
		u := binary.LittleEndian.Uint16(b[off+2*i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units)), nil
}

// Decode parses an uncompressed prefetch file.
func Decode(data []byte) (*File, error) {
	b := buffer(data)
	if err := b.check(0, headerSize); err != nil {
		return nil, err
	}
	if string(data[4:8]) != signature {
		return nil, ErrInvalidSignature
	}

	f := &File{}
	f.Header.Version, _ = b.u32(0)
	f.Header.Signature = signature
	f.Header.FileSize, _ = b.u32(12)
	f.Header.ExecutableName, _ = b.utf16At(16, executableNameBytes/2)
	hash, _ := b.u32(76)
	f.Header.PrefetchHash = fmt.Sprintf("%08X", hash)

	if err := f.decodeFileInformation(b); err != nil {
		return nil, err
	}

	lay, err := layoutFor(f.Header.Version, f.FileInformation.MetricsOffset)
	if err != nil {
		return nil, err
	}
	if err := f.decodeHistory(b, lay); err != nil {
		return nil, err
	}
	if err := f.decodeFilenames(b); err != nil {
		return nil, err
	}
	if err := f.decodeMetrics(b, lay); err != nil {
		return nil, err
	}
	if err := f.decodeVolumes(b, lay); err != nil {
		return nil, err
	}

	return f, nil
}

func (f *File) decodeFileInformation(b buffer) error {
	fields := []*uint32{
		&f.FileInformation.MetricsOffset,
		&f.FileInformation.MetricsCount,
		&f.FileInformation.TraceChainsOffset,
		&f.FileInformation.TraceChainsCount,
		&f.FileInformation.FilenameStringsOffset,
		&f.FileInformation.FilenameStringsSize,
		&f.FileInformation.VolumesOffset,
		&f.FileInformation.VolumesCount,
		&f.FileInformation.VolumesSize,
	}
	for i, field := range fields {
		v, err := b.u32(fileInfoOffset + 4*i)
		if err != nil {
			return err
		}
		*field = v
	}
	return nil
}

func (f *File) decodeHistory(b buffer, lay layout) error {
	f.FileInformation.LastRunTimes = []string{}
	for i := 0; i < lay.lastRunCount; i++ {
		ft, err := b.u64(lay.lastRunAt + 8*i)
		if err != nil {
			return err
		}
		if ts := filetime(ft); ts != "" {
			f.FileInformation.LastRunTimes = append(f.FileInformation.LastRunTimes, ts)
		}
	}

	runCount, err := b.u32(lay.runCountAt)
	if err != nil {
		return err
	}
	f.FileInformation.RunCount = runCount
	return nil
}

func (f *File) decodeFilenames(b buffer) error {
	start := int(f.FileInformation.FilenameStringsOffset)
	size := int(f.FileInformation.FilenameStringsSize)
	if err := b.check(start, size); err != nil {
		return fmt.Errorf("filename strings: %w", err)
	}

	f.Filenames = []string{}
	var units []uint16
	for off := start; off+1 < start+size; off += 2 {
		u := binary.LittleEndian.Uint16(b[off:])
		if u == 0 {
			if len(units) > 0 {
				f.Filenames = append(f.Filenames, string(utf16.Decode(units)))
			}
			units = units[:0]
			continue
		}
		units = append(units, u)
	}
	if len(units) > 0 {
		f.Filenames = append(f.Filenames, string(utf16.Decode(units)))
	}
	return nil
}

func (f *File) decodeMetrics(b buffer, lay layout) error {
	info := f.FileInformation
	start := int(info.MetricsOffset)
	if err := b.check(start, int(info.MetricsCount)*int(lay.metricSize)); err != nil {
		return fmt.Errorf("metrics array: %w", err)
	}

	strings := int(info.FilenameStringsOffset)
	f.Metrics = make([]Metric, 0, info.MetricsCount)
	for i := 0; i < int(info.MetricsCount); i++ {
		at := start + i*int(lay.metricSize)
		m := Metric{}
		m.StartTime, _ = b.u32(at)
		m.Duration, _ = b.u32(at + 4)

		var nameOff, nameLen uint32
		if lay.metricSize == 20 {
			nameOff, _ = b.u32(at + 8)
			nameLen, _ = b.u32(at + 12)
			m.Flags, _ = b.u32(at + 16)
		} else {
			m.AverageDuration, _ = b.u32(at + 8)
			nameOff, _ = b.u32(at + 12)
			nameLen, _ = b.u32(at + 16)
			m.Flags, _ = b.u32(at + 20)
			ref, _ := b.u64(at + 24)
			m.FileReference = &FileReference{
				Entry:    ref & 0x0000FFFFFFFFFFFF,
				Sequence: uint16(ref >> 48),
			}
		}

		if uint64(nameOff)+uint64(nameLen)*2 > uint64(info.FilenameStringsSize) {
			return fmt.Errorf("metric %d: %w: filename outside string table", i, ErrTruncated)
		}
		name, err := b.utf16At(strings+int(nameOff), int(nameLen))
		if err != nil {
			return fmt.Errorf("metric %d: %w", i, err)
		}
		m.Filename = name

		f.Metrics = append(f.Metrics, m)
	}
	return nil
}

func (f *File) decodeVolumes(b buffer, lay layout) error {
	info := f.FileInformation
	base := int(info.VolumesOffset)
	if err := b.check(base, int(info.VolumesCount)*int(lay.volumeSize)); err != nil {
		return fmt.Errorf("volumes: %w", err)
	}

	f.Volumes = make([]Volume, 0, info.VolumesCount)
	for i := 0; i < int(info.VolumesCount); i++ {
		at := base + i*int(lay.volumeSize)
		pathOff, _ := b.u32(at)
		pathLen, _ := b.u32(at + 4)
		created, _ := b.u64(at + 8)
		serial, _ := b.u32(at + 16)
		dirOff, _ := b.u32(at + 28)
		dirCount, _ := b.u32(at + 32)

		path, err := b.utf16At(base+int(pathOff), int(pathLen))
		if err != nil {
			return fmt.Errorf("volume %d device path: %w", i, err)
		}

		dirs, err := decodeDirectoryStrings(b, base+int(dirOff), int(dirCount))
		if err != nil {
			return fmt.Errorf("volume %d directories: %w", i, err)
		}

		f.Volumes = append(f.Volumes, Volume{
			DevicePath:   path,
			CreationTime: filetime(created),
			SerialNumber: fmt.Sprintf("%08X", serial),
			Directories:  dirs,
		})
	}
	return nil
}

// decodeDirectoryStrings reads count entries of a 16-bit character count
// followed by that many UTF-16 units and a NUL terminator.
func decodeDirectoryStrings(b buffer, off, count int) ([]string, error) {
	// Each entry takes at least its count and terminator.
	if err := b.check(off, 0); err != nil {
		return nil, err
	}
	if count > (len(b)-off)/4 {
		return nil, fmt.Errorf("%w: %d directory strings at offset %d, have %d bytes", ErrTruncated, count, off, len(b))
	}
	dirs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		n, err := b.u16(off)
		if err != nil {
			return nil, err
		}
		s, err := b.utf16At(off+2, int(n))
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, s)
		off += 2 + (int(n)+1)*2
	}
	return dirs, nil
}

// filetime converts a Windows FILETIME to RFC 3339, or "" when unset.
func filetime(ft uint64) string {
	if ft == 0 || ft < filetimeEpochDelta {
		return ""
	}
	ns := (ft - filetimeEpochDelta) * 100
	return time.Unix(0, int64(ns)).UTC().Format(time.RFC3339Nano)
}
