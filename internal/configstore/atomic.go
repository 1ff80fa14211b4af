package configstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// atomicWrite writes content to a temp file in the same directory as path
// and renames it into place, so readers never observe a partially written
// file (spec.md §6 "SET_FILE must not truncate a file that is concurrently
// being read").
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// stringsReader adapts a []byte into an io.Reader for yaml.NewDecoder
// without an extra copy through strings.NewReader's string conversion.
func stringsReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

// errEOFYaml is the sentinel yaml.Decoder.Decode returns once every
// document in a multi-document stream has been consumed.
var errEOFYaml = io.EOF
