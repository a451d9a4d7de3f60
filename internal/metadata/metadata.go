// Package metadata implements the file-metadata sidecar: for every file F,
// metadata lives in F.meta, a UTF-8 text file with records separated by
// 0x01 and name/value fields separated by 0x02.
package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	recordSep = byte(0x01)
	fieldSep  = byte(0x02)
)

// Op selects overwrite-vs-merge semantics for Set.
type Op int

const (
	// Overwrite replaces the sidecar's contents with exactly the new list;
	// an empty new list deletes the sidecar.
	Overwrite Op = iota
	// Merge parses the existing sidecar (if any), merges the new list in
	// by name (new wins on collision), and rewrites it sorted.
	Merge
)

// SidecarPath returns the conventional metadata path for a data file.
func SidecarPath(dataPath string) string { return dataPath + ".meta" }

// Encode serializes a name->value map into the sidecar's wire format,
// sorted by key for determinism.
func Encode(m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(recordSep)
		}
		b.WriteString(k)
		b.WriteByte(fieldSep)
		b.WriteString(m[k])
	}
	return []byte(b.String())
}

// Decode parses the sidecar wire format into a name->value map.
func Decode(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	if len(data) == 0 {
		return out, nil
	}
	records := strings.Split(string(data), string(recordSep))
	for _, rec := range records {
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, string(fieldSep), 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("metadata: malformed record %q", rec)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

// Get parses and returns the metadata map for dataPath's sidecar. A missing
// sidecar is not an error; it yields an empty map.
func Get(dataPath string) (map[string]string, error) {
	data, err := os.ReadFile(SidecarPath(dataPath))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Set applies an overwrite or merge of newMeta to dataPath's sidecar,
// atomically (write-to-temp + rename). Overwrite with an empty newMeta
// deletes the sidecar.
func Set(dataPath string, newMeta map[string]string, op Op) error {
	sidecar := SidecarPath(dataPath)

	var final map[string]string
	switch op {
	case Overwrite:
		if len(newMeta) == 0 {
			err := os.Remove(sidecar)
			if err != nil && !os.IsNotExist(err) {
				return err
			}
			return nil
		}
		final = newMeta
	case Merge:
		existing, err := Get(dataPath)
		if err != nil {
			return err
		}
		final = make(map[string]string, len(existing)+len(newMeta))
		for k, v := range existing {
			final[k] = v
		}
		for k, v := range newMeta {
			final[k] = v // new wins on collision
		}
	default:
		return fmt.Errorf("metadata: unknown op %d", op)
	}

	return atomicWrite(sidecar, Encode(final))
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
