package manifest

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Archive packs the manifest record and every rendered document into a zip
// archive. manifest.json is written first, then documents in role order.
// Timestamps are zeroed so identical bundles produce identical archives.
func Archive(bundle Bundle) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	manifestJSON, err := json.MarshalIndent(bundle.Manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal manifest record: %w", err)
	}
	if err := writeEntry(zw, "manifest.json", manifestJSON); err != nil {
		return nil, err
	}

	for _, doc := range bundle.Docs {
		if err := writeEntry(zw, doc.Filename, []byte(doc.Markdown)); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("manifest: close archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zip.Deflate,
	})
	if err != nil {
		return fmt.Errorf("manifest: create archive entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("manifest: write archive entry %s: %w", name, err)
	}
	return nil
}
