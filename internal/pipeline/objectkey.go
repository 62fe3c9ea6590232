package pipeline

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// yearPattern matches a 4-digit year not embedded in a longer number.
// Underscores and letters count as boundaries here: keys like
// "2023_2024/report.pdf" and "FY2022_disclosure.pdf" must both parse.
var yearPattern = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)\d{2})(?:[^0-9]|$)`)

// ParseObjectKey resolves company name and report year from a storage object
// key following the ingestion naming convention:
//
//	COMPANY/2024_BRSR.pdf          -> (COMPANY, 2024)
//	COMPANY/2023_2024/report.pdf   -> (COMPANY, 2023)  first year wins
//
// Keys without a path separator or without a 4-digit year fail with
// ErrBadObjectKey.
func ParseObjectKey(objectKey string) (company string, year int, err error) {
	key := strings.TrimSpace(objectKey)
	company, rest, found := strings.Cut(key, "/")
	if !found || company == "" || rest == "" {
		return "", 0, eris.Wrapf(ErrBadObjectKey, "%q has no company/ prefix", objectKey)
	}

	match := yearPattern.FindStringSubmatch(rest)
	if match == nil {
		return "", 0, eris.Wrapf(ErrBadObjectKey, "%q has no 4-digit year", objectKey)
	}
	year, err = strconv.Atoi(match[1])
	if err != nil {
		return "", 0, eris.Wrapf(ErrBadObjectKey, "%q: %v", objectKey, err)
	}
	return company, year, nil
}
