package indexer

import (
	"strings"

	"github.com/civiq/civiq-go/internal/vector"
)

// chunkText splits text into overlapping windows of size characters with
// overlap characters shared between consecutive windows.
func chunkText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return nil
	}

	var chunks []string
	for start := 0; start < len(text); start += size - overlap {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
	}
	return chunks
}

// buildChunks converts a record body into vector.Chunk values carrying the
// citation metadata every hit needs.
func buildChunks(recordID, title, location, body string, size, overlap int) []vector.Chunk {
	texts := chunkText(body, size, overlap)
	chunks := make([]vector.Chunk, 0, len(texts))
	for i, t := range texts {
		chunks = append(chunks, vector.Chunk{
			RecordID: recordID,
			Index:    i,
			Content:  t,
			Title:    title,
			Location: location,
		})
	}
	return chunks
}
