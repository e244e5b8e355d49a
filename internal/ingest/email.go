package ingest

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/scrypster/checkpoint/pkg/types"
)

// extractEmail keeps the text/plain parts of an RFC 5322 message. Subject,
// sender and date become metadata.
func extractEmail(path string, data []byte) ([]Item, error) {
	mr, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create mail reader for %s: %w", path, err)
	}
	defer mr.Close()

	md := map[string]string{}
	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		md["subject"] = subject
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		md["from"] = from[0].Address
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		md["date"] = date.UTC().Format("2006-01-02T15:04:05Z")
	}

	var body strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read mail part in %s: %w", path, err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType != "" && !strings.HasPrefix(contentType, "text/plain") {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read mail body in %s: %w", path, err)
		}
		if body.Len() > 0 {
			body.WriteString("\n\n")
		}
		body.WriteString(strings.TrimSpace(string(b)))
	}

	return []Item{{
		Source:     path,
		Text:       body.String(),
		Metadata:   md,
		SourceType: types.SourceEmail,
	}}, nil
}
