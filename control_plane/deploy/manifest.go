package deploy

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// ManifestName is the file, relative to the install directory, that
// records the blake3 digest of every shipped file.
const ManifestName = ".yumna-manifest.json"

// Manifest maps slash-separated relative paths to hex blake3 digests.
type Manifest map[string]string

// BuildManifest hashes every shippable file under root.
func BuildManifest(root string) (Manifest, error) {
	m := make(Manifest)
	err := walkSource(root, func(rel, abs string, _ fs.FileInfo) error {
		sum, err := hashFile(abs)
		if err != nil {
			return err
		}
		m[rel] = sum
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func hashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Changed lists files that are new or differ from prev, sorted.
func (m Manifest) Changed(prev Manifest) []string {
	var out []string
	for rel, sum := range m {
		if prev[rel] != sum {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out
}

// ParseManifest decodes a manifest; empty input is an empty manifest.
func ParseManifest(data []byte) (Manifest, error) {
	m := make(Manifest)
	if len(bytes.TrimSpace(data)) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m Manifest) encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Bundle zips files (relative to root) together with the new manifest.
func Bundle(root string, files []string, m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, rel := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return nil, err
		}
		hdr.Name = rel
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(abs)
		if err != nil {
			return nil, err
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			return nil, err
		}
	}

	manifest, err := m.encode()
	if err != nil {
		return nil, err
	}
	w, err := zw.Create(ManifestName)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(manifest); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
