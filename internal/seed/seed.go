// Package seed reads ranked site lists (rank,site CSV such as the Tranco or
// Alexa top-sites exports) and turns them into queue payloads.
package seed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// Entry is one ranked site.
type Entry struct {
	Rank int
	Site string
}

// Payload encodes the entry in the queue wire format.
func (e Entry) Payload() []byte {
	return crawler.FormatPayload(e.Rank, e.Site)
}

// Read parses rank,site rows from r. A leading header row whose rank column
// is not numeric is skipped, blank sites are rejected, and limit > 0 stops
// after that many entries.
func Read(r io.Reader, limit int) ([]Entry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	var entries []Entry
	for line := 1; limit <= 0 || len(entries) < limit; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read seed line %d: %w", line, err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("seed line %d: expected rank,site", line)
		}
		rank, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("seed line %d: invalid rank %q", line, record[0])
		}
		site := strings.TrimSpace(record[1])
		if site == "" {
			return nil, fmt.Errorf("seed line %d: site is empty", line)
		}
		entries = append(entries, Entry{Rank: rank, Site: site})
	}
	return entries, nil
}

// Payloads encodes entries in order.
func Payloads(entries []Entry) [][]byte {
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Payload()
	}
	return out
}
