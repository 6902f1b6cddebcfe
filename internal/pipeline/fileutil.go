package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteAtomic writes data to a file atomically by writing to a temp file
// in the same directory, syncing it, then renaming.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up temp file on any error path.
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	tmpName = "" // prevent deferred removal
	return nil
}

// encodeYAML renders v with two-space indentation.
func encodeYAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("marshal yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("marshal yaml: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteYAML writes v as a single YAML document to path atomically. A
// non-empty header is emitted as a leading comment block.
func WriteYAML(path string, header string, v any) error {
	doc, err := encodeYAML(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	writeHeader(&buf, header)
	buf.Write(doc)
	return WriteAtomic(path, buf.Bytes())
}

// ReadYAML reads a single-document YAML file at path into v.
func ReadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}

// AppendYAMLDocument adds v as a new document at the end of a multi-document
// YAML stream. Earlier documents are never rewritten; the whole file is
// replaced atomically so a crash cannot leave a half-written document.
func AppendYAMLDocument(path string, header string, v any) error {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}
	doc, err := encodeYAML(v)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if len(existing) == 0 {
		writeHeader(&buf, header)
	} else {
		buf.Write(existing)
		if !bytes.HasSuffix(existing, []byte("\n")) {
			buf.WriteByte('\n')
		}
	}
	buf.WriteString("---\n")
	buf.Write(doc)
	return WriteAtomic(path, buf.Bytes())
}

// ReadYAMLDocuments decodes every document of a multi-document YAML stream.
// A missing file yields an empty slice.
func ReadYAMLDocuments[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []T
	dec := yaml.NewDecoder(f)
	for {
		var v T
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s document %d: %w", path, len(out)+1, err)
		}
		out = append(out, v)
	}
}

func writeHeader(buf *bytes.Buffer, header string) {
	if header == "" {
		return
	}
	for _, line := range bytes.Split([]byte(header), []byte("\n")) {
		buf.WriteString("# ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
}
