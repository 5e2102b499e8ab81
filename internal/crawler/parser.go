package crawler

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	payloadDelimiter = ","
	schemeSeparator  = "://"
	defaultScheme    = "http://"
)

// UnknownRank is the Job.Rank of a payload whose rank field is not an integer.
const UnknownRank = -1

// ParseJob decodes a "<rank>,<target>" payload. Only a payload that does not
// split into exactly two fields is malformed. Targets without a scheme are
// prefixed with http://; no further validation is done here, so an empty or
// bogus target fails later as a visit.
func ParseJob(raw []byte) (Job, error) {
	if !utf8.Valid(raw) {
		return Job{}, &MalformedJobError{Payload: string(raw), Reason: "payload is not valid UTF-8"}
	}
	payload := string(raw)
	parts := strings.Split(payload, payloadDelimiter)
	if len(parts) != 2 {
		return Job{}, &MalformedJobError{
			Payload: payload,
			Reason:  "expected exactly two comma separated fields, got " + strconv.Itoa(len(parts)),
		}
	}
	rank, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		// Rank is only an ordering hint.
		rank = UnknownRank
	}
	target := strings.TrimSpace(parts[1])
	return Job{Rank: rank, Target: NormalizeTarget(target)}, nil
}

// NormalizeTarget prefixes a bare hostname with the default scheme.
func NormalizeTarget(target string) string {
	if strings.Contains(target, schemeSeparator) {
		return target
	}
	return defaultScheme + target
}

// FormatPayload renders a job back into its queue wire format.
func FormatPayload(rank int, target string) []byte {
	return []byte(strconv.Itoa(rank) + payloadDelimiter + target)
}
