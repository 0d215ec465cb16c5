// Package atomicfile reads and replaces files so readers never observe a partial write.
package atomicfile

import (
	"os"
	"path/filepath"
	"runtime"
)

// WriteFile replaces filename with data. The data is written to a temp file in the same
// directory, synced and renamed over the target, which is atomic on POSIX systems.
func WriteFile(filename string, data []byte, perm os.FileMode) (err error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(data); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err = f.Chmod(perm); err != nil {
			return err
		}
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	// os.Rename will fail on Windows if the target file already exists so we remove it first.
	if runtime.GOOS == "windows" {
		_ = os.Remove(filename)
	}
	return os.Rename(f.Name(), filename)
}

// ReadFile returns the contents of filename, or nil and no error if it does not exist.
func ReadFile(filename string) ([]byte, error) {
	data, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Remove deletes filename. A missing file is not an error.
func Remove(filename string) error {
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
