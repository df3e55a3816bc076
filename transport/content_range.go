package transport

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
)

var (
	contentRangeRegexp     = regexp.MustCompile("^bytes (\\d+)-(\\d+)/(\\d+|\\*)$")
	unsatisfiedRangeRegexp = regexp.MustCompile("^bytes \\*/(\\d+)$")
)

func parseContentRange(resp *http.Response) (start int64, end int64, size int64, err error) {
	header := resp.Header.Get("Content-Range")
	if len(header) == 0 {
		return 0, 0, 0, fmt.Errorf("invalid partial response: no Content-Range header")
	}

	match := contentRangeRegexp.FindStringSubmatch(header)
	if len(match) == 0 {
		return 0, 0, 0, fmt.Errorf("invalid content range header: %s", header)
	} else if start, err = strconv.ParseInt(match[1], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid content range start: %w", err)
	} else if end, err = strconv.ParseInt(match[2], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid content range end: %w", err)
	} else if end < start {
		return 0, 0, 0, fmt.Errorf("invalid content range: end %d before start %d", end, start)
	}

	// the complete length may be unknown to the server
	if match[3] == "*" {
		return start, end, -1, nil
	} else if size, err = strconv.ParseInt(match[3], 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid content range size: %w", err)
	}

	return start, end, size, nil
}

// parseUnsatisfiedRange returns the complete size carried by a 416 response.
func parseUnsatisfiedRange(resp *http.Response) (int64, error) {
	header := resp.Header.Get("Content-Range")
	match := unsatisfiedRangeRegexp.FindStringSubmatch(header)
	if len(match) == 0 {
		return 0, fmt.Errorf("invalid unsatisfied content range header: %q", header)
	}

	return strconv.ParseInt(match[1], 10, 64)
}

// rangeHeader must not be called with a zero length, there is no such range.
func rangeHeader(offset, length int64) string {
	if length < 0 {
		return fmt.Sprintf("bytes=%d-", offset)
	}

	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}
