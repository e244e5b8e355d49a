package ingest

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

func extractPDF(path string, data []byte) ([]Item, error) {
	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf %s: %w", path, err)
	}

	b, err := rdr.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf text %s: %w", path, err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, b); err != nil {
		return nil, fmt.Errorf("failed to read pdf buffer %s: %w", path, err)
	}

	return []Item{{
		Source:   path,
		Text:     buf.String(),
		Metadata: map[string]string{"pages": fmt.Sprintf("%d", rdr.NumPage())},
	}}, nil
}
