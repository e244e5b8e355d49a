package ingest

// ItemResult is the outcome of one source document. Chunk counts add up to
// the number of chunks the document produced.
type ItemResult struct {
	Source   string `json:"source"`
	Chunks   int    `json:"chunks"`
	Ingested int    `json:"ingested"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
	Err      error  `json:"-"`
}

// ItemError records why a source document, or part of it, failed.
type ItemError struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// Summary aggregates item results. Ingested, Skipped and Failed count chunks.
// Documents and FailedDocuments count source documents; a document that
// could not be read or held no text fails with zero chunks, so
// FailedDocuments always equals len(Errors).
type Summary struct {
	CheckpointVersion string      `json:"checkpoint_version"`
	Documents         int         `json:"documents"`
	Ingested          int         `json:"ingested"`
	Skipped           int         `json:"skipped"`
	Failed            int         `json:"failed"`
	FailedDocuments   int         `json:"failed_documents"`
	Errors            []ItemError `json:"errors"`
}

func (s *Summary) add(r ItemResult) {
	s.Documents++
	s.Ingested += r.Ingested
	s.Skipped += r.Skipped
	s.Failed += r.Failed
	if r.Err != nil {
		s.FailedDocuments++
		s.Errors = append(s.Errors, ItemError{Source: r.Source, Error: r.Err.Error()})
	}
}
