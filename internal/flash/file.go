package flash

import (
	"os"

	"github.com/pkg/errors"
)

// FileDevice is a MemDevice persisted write-through to a flash dump on disk.
type FileDevice struct {
	*MemDevice
	file *os.File
}

// OpenFile opens path as a flash image of size bytes. A missing file is
// created fully erased; a short file is padded with erased bytes.
func OpenFile(path string, size, eraseSize, writeSize uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open flash image %s", path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat flash image %s", path)
	}
	if info.Size() > int64(size) {
		f.Close()
		return nil, errors.Errorf("flash image %s is %d bytes, device holds %d", path, info.Size(), size)
	}

	mem := NewMemDevice(size, eraseSize, writeSize)
	contents := make([]byte, info.Size())
	if _, err := f.ReadAt(contents, 0); err != nil && info.Size() > 0 {
		f.Close()
		return nil, errors.Wrapf(err, "read flash image %s", path)
	}
	copy(mem.data, contents)

	d := &FileDevice{MemDevice: mem, file: f}
	if info.Size() < int64(size) {
		if err := d.persist(uint32(info.Size()), size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *FileDevice) Erase(from, to uint32) error {
	if err := d.MemDevice.Erase(from, to); err != nil {
		return err
	}
	return d.persist(from, to)
}

func (d *FileDevice) Write(offset uint32, data []byte) error {
	if err := d.MemDevice.Write(offset, data); err != nil {
		return err
	}
	return d.persist(offset, offset+uint32(len(data)))
}

// Load replaces the contents at offset and persists them.
func (d *FileDevice) Load(offset uint32, data []byte) error {
	if err := d.MemDevice.Load(offset, data); err != nil {
		return err
	}
	return d.persist(offset, offset+uint32(len(data)))
}

// Close flushes and closes the backing file.
func (d *FileDevice) Close() error {
	if d.file == nil {
		return nil
	}
	if err := d.file.Sync(); err != nil {
		d.file.Close()
		return errors.Wrap(err, "sync flash image")
	}
	return d.file.Close()
}

func (d *FileDevice) persist(from, to uint32) error {
	d.mu.Lock()
	chunk := make([]byte, to-from)
	copy(chunk, d.data[from:to])
	d.mu.Unlock()

	if _, err := d.file.WriteAt(chunk, int64(from)); err != nil {
		return errors.Wrapf(err, "persist flash range [0x%X, 0x%X)", from, to)
	}
	return nil
}
