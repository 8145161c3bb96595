package chunker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ChunkRequest is one line of a chunk-definitions document: a schema,
// optionally a table, an explicit chunk size, and a column projection.
//
// ChunkSize semantics: negative uses the default, zero forces a single
// whole-table chunk, positive overrides the size.
type ChunkRequest struct {
	Schema    string
	Table     string
	ChunkSize int64
	Columns   []string
}

// ParseDefinitions reads a definitions document. Each non-comment line is
//
//	schema[.table][,chunk_size][,col1|col2|...]
//
// Lines starting with '#' and blank lines are ignored.
func ParseDefinitions(r io.Reader) ([]ChunkRequest, error) {
	var requests []ChunkRequest
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		req := ChunkRequest{ChunkSize: -1}
		parts := strings.Split(line, ",")

		target := strings.TrimSpace(parts[0])
		if target == "" {
			return nil, fmt.Errorf("line %d: missing schema", lineNo)
		}
		if dot := strings.IndexByte(target, '.'); dot >= 0 {
			req.Schema = target[:dot]
			req.Table = target[dot+1:]
			if req.Schema == "" || req.Table == "" {
				return nil, fmt.Errorf("line %d: malformed target %q", lineNo, target)
			}
		} else {
			req.Schema = target
		}

		if len(parts) > 1 {
			sizeText := strings.TrimSpace(parts[1])
			if sizeText != "" {
				size, err := strconv.ParseInt(sizeText, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad chunk size %q: %w", lineNo, sizeText, err)
				}
				req.ChunkSize = size
			}
		}

		if len(parts) > 2 {
			colText := strings.TrimSpace(parts[2])
			if colText != "" {
				for _, col := range strings.Split(colText, "|") {
					col = strings.TrimSpace(col)
					if col != "" {
						req.Columns = append(req.Columns, col)
					}
				}
			}
		}

		requests = append(requests, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return requests, nil
}

// LoadDefinitions parses a definitions file from disk.
func LoadDefinitions(path string) ([]ChunkRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk definitions: %w", err)
	}
	defer f.Close()
	return ParseDefinitions(f)
}
