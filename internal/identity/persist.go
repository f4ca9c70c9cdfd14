package identity

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Index file layout, little-endian:
//
//	magic   [4]byte "TSFI"
//	version uint16
//	dim     uint16
//	count   uint32
//	records: idLen uint16, id [idLen]byte, vector [dim]float32
var (
	indexMagic = [4]byte{'T', 'S', 'F', 'I'}

	ErrBadIndexFile = errors.New("malformed identity index file")
)

const indexVersion = 1

// Persist writes the index atomically (write-temp-then-rename) to path.
func (x *Index) Persist(path string) error {
	snap := x.snapshot()

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("create index temp file: %w", err)
	}

	w := bufio.NewWriter(f)
	writeErr := func() error {
		if _, err := w.Write(indexMagic[:]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(indexVersion)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(x.dim)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(snap))); err != nil {
			return err
		}
		for _, id := range snap {
			if len(id.EmployeeID) > math.MaxUint16 {
				return fmt.Errorf("employee id too long: %d bytes", len(id.EmployeeID))
			}
			if err := binary.Write(w, binary.LittleEndian, uint16(len(id.EmployeeID))); err != nil {
				return err
			}
			if _, err := w.WriteString(id.EmployeeID); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, id.Vector); err != nil {
				return err
			}
		}
		return w.Flush()
	}()
	if writeErr != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write index: %w", writeErr)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync index: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

// LoadIndex reads an index file written by Persist. A file whose dimension
// does not match dim is rejected rather than reinterpreted.
func LoadIndex(path string, dim int) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrBadIndexFile)
	}
	if magic != indexMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadIndexFile, magic)
	}

	var version, fileDim uint16
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrBadIndexFile)
	}
	if version != indexVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadIndexFile, version)
	}
	if err := binary.Read(r, binary.LittleEndian, &fileDim); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrBadIndexFile)
	}
	if int(fileDim) != dim {
		return nil, fmt.Errorf("%w: file dimension %d, index dimension %d", ErrDimensionMismatch, fileDim, dim)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrBadIndexFile)
	}

	idx := NewIndex(dim)
	for i := uint32(0); i < count; i++ {
		var idLen uint16
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return nil, fmt.Errorf("%w: truncated record %d", ErrBadIndexFile, i)
		}
		idBytes := make([]byte, idLen)
		if _, err := io.ReadFull(r, idBytes); err != nil {
			return nil, fmt.Errorf("%w: truncated record %d", ErrBadIndexFile, i)
		}
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, fmt.Errorf("%w: truncated record %d", ErrBadIndexFile, i)
		}
		if err := idx.Add(string(idBytes), string(idBytes), vec); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrBadIndexFile, i, err)
		}
	}
	return idx, nil
}

// LoadOrCreate loads the index at path, or returns a fresh index when the
// file does not exist yet.
func LoadOrCreate(path string, dim int) (*Index, error) {
	idx, err := LoadIndex(path, dim)
	if err != nil {
		if os.IsNotExist(err) {
			return NewIndex(dim), nil
		}
		return nil, err
	}
	return idx, nil
}
