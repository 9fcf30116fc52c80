// Package romfile reads Game Boy ROM images from disk. Besides raw .gb/.gbc
// files it unpacks the first ROM found in zip, 7z, gzip, tar.gz and rar
// archives. The file is read once, bounded by MaxSize, and decoded in memory.
package romfile

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"
)

// MaxSize bounds both the file read from disk and the extracted ROM.
const MaxSize = 8 * 1024 * 1024

// Extensions recognised as ROM images inside archives.
var Extensions = []string{".gb", ".gbc", ".bin"}

var (
	ErrNoROM       = errors.New("no ROM file found in archive")
	ErrUnsupported = errors.New("unsupported file format")
	ErrTooLarge    = errors.New("file exceeds maximum size")
)

type format int

const (
	formatUnknown format = iota
	formatRaw
	formatZIP
	format7z
	formatGzip
	formatRAR
)

var (
	magicZIP      = []byte{0x50, 0x4B, 0x03, 0x04}
	magicZIPEmpty = []byte{0x50, 0x4B, 0x05, 0x06}
	magic7z       = []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}
	magicGzip     = []byte{0x1F, 0x8B}
	magicRAR      = []byte("Rar!")
)

// Load reads the ROM at path. It returns the ROM bytes and the base name of
// the file they came from (the archive member for archives).
func Load(path string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	data, err := readLimited(f)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	return Decode(filepath.Base(path), data)
}

// Decode unpacks data read from a file called name.
func Decode(name string, data []byte) ([]byte, string, error) {
	switch detect(name, data) {
	case formatRaw:
		return data, name, nil
	case formatZIP:
		return fromZIP(data)
	case format7z:
		return from7z(data)
	case formatGzip:
		return fromGzip(name, data)
	case formatRAR:
		return fromRAR(data)
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnsupported, name)
}

// detect trusts magic bytes first, then the file extension. Anything that is
// not a known archive is taken as a raw image when its extension says so.
func detect(name string, data []byte) format {
	switch {
	case bytes.HasPrefix(data, magicZIP), bytes.HasPrefix(data, magicZIPEmpty):
		return formatZIP
	case bytes.HasPrefix(data, magicRAR):
		return formatRAR
	case bytes.HasPrefix(data, magic7z):
		return format7z
	case bytes.HasPrefix(data, magicGzip):
		return formatGzip
	}

	lower := strings.ToLower(name)
	switch filepath.Ext(lower) {
	case ".zip":
		return formatZIP
	case ".7z":
		return format7z
	case ".gz", ".tgz":
		return formatGzip
	case ".rar":
		return formatRAR
	}
	if isROM(lower) {
		return formatRaw
	}
	return formatUnknown
}

func isROM(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range Extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

func fromZIP(data []byte) ([]byte, string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", fmt.Errorf("open zip: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isROM(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("open %s in zip: %w", f.Name, err)
		}
		rom, err := readLimited(rc)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", f.Name, err)
		}
		return rom, filepath.Base(f.Name), nil
	}
	return nil, "", ErrNoROM
}

func from7z(data []byte) ([]byte, string, error) {
	zr, err := sevenzip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", fmt.Errorf("open 7z: %w", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isROM(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("open %s in 7z: %w", f.Name, err)
		}
		rom, err := readLimited(rc)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", f.Name, err)
		}
		return rom, filepath.Base(f.Name), nil
	}
	return nil, "", ErrNoROM
}

// fromGzip handles both a gzipped ROM and a gzipped tar of ROMs.
func fromGzip(name string, data []byte) ([]byte, string, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("open gzip: %w", err)
	}
	defer gr.Close()

	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz") {
		return fromTar(gr)
	}

	rom, err := readLimited(gr)
	if err != nil {
		return nil, "", fmt.Errorf("decompress gzip: %w", err)
	}
	if gr.Name != "" {
		return rom, filepath.Base(gr.Name), nil
	}
	if strings.HasSuffix(lower, ".gz") {
		name = name[:len(name)-3]
	}
	return rom, name, nil
}

func fromTar(r io.Reader) ([]byte, string, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, "", ErrNoROM
		}
		if err != nil {
			return nil, "", fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !isROM(hdr.Name) {
			continue
		}
		rom, err := readLimited(tr)
		if err != nil {
			return nil, "", fmt.Errorf("read %s from tar: %w", hdr.Name, err)
		}
		return rom, filepath.Base(hdr.Name), nil
	}
}

func fromRAR(data []byte) ([]byte, string, error) {
	rr, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("open rar: %w", err)
	}
	for {
		hdr, err := rr.Next()
		if err == io.EOF {
			return nil, "", ErrNoROM
		}
		if err != nil {
			return nil, "", fmt.Errorf("read rar entry: %w", err)
		}
		if hdr.IsDir || !isROM(hdr.Name) {
			continue
		}
		rom, err := readLimited(rr)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		return rom, filepath.Base(hdr.Name), nil
	}
}
