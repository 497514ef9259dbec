package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
)

// DateRange restricts enumeration to messages within [Since, Before). Either
// bound may be zero, meaning unbounded on that side.
type DateRange struct {
	Since  time.Time
	Before time.Time
}

// Options captures the raw date-filter configuration from the CLI.
type Options struct {
	Days      int
	StartDate string
	EndDate   string
}

// New validates the options and resolves them into a DateRange. Days and
// StartDate are mutually exclusive; dates use YYYY-MM-DD.
func New(opts Options) (DateRange, error) {
	if opts.Days > 0 && opts.StartDate != "" {
		return DateRange{}, fmt.Errorf("days and start-date are mutually exclusive")
	}

	var dr DateRange

	if opts.Days > 0 {
		since := time.Now().AddDate(0, 0, -opts.Days)
		dr.Since = time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, since.Location())
	} else if opts.StartDate != "" {
		since, err := time.Parse("2006-01-02", opts.StartDate)
		if err != nil {
			return DateRange{}, fmt.Errorf("parse start-date %q: %w", opts.StartDate, err)
		}
		dr.Since = since
	}

	if opts.EndDate != "" {
		before, err := time.Parse("2006-01-02", opts.EndDate)
		if err != nil {
			return DateRange{}, fmt.Errorf("parse end-date %q: %w", opts.EndDate, err)
		}
		dr.Before = before
	}

	if !dr.Since.IsZero() && !dr.Before.IsZero() && dr.Before.Before(dr.Since) {
		return DateRange{}, fmt.Errorf("end-date is before start-date")
	}

	return dr, nil
}

// Criteria converts the range into IMAP SEARCH criteria. An empty range
// matches everything.
func (d DateRange) Criteria() *imapv2.SearchCriteria {
	criteria := &imapv2.SearchCriteria{}
	if !d.Since.IsZero() {
		criteria.Since = d.Since
	}
	if !d.Before.IsZero() {
		criteria.Before = d.Before
	}
	return criteria
}

// Contains reports whether ts falls inside the range. Used by tests and by
// the fake mailbox; the server applies the same rule via SEARCH.
func (d DateRange) Contains(ts time.Time) bool {
	if !d.Since.IsZero() && ts.Before(d.Since) {
		return false
	}
	if !d.Before.IsZero() && !ts.Before(d.Before) {
		return false
	}
	return true
}

// SkipFolder reports whether a folder should be excluded from enumeration.
// Spam, junk and bulk folders are skipped; trash is kept.
func SkipFolder(name string) bool {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "trash") {
		return false
	}
	return strings.Contains(lower, "spam") ||
		strings.Contains(lower, "junk") ||
		strings.Contains(lower, "bulk")
}

var unsafeChars = regexp.MustCompile(`[^\w\-.]`)

// SanitizeName makes a folder name safe for use as a directory name. The
// INBOX. and INBOX/ prefixes common on Courier-style servers are stripped,
// INBOX itself is kept as is.
func SanitizeName(folder string) string {
	display := folder
	upper := strings.ToUpper(display)
	if strings.HasPrefix(upper, "INBOX.") || strings.HasPrefix(upper, "INBOX/") {
		display = display[6:]
	}
	return unsafeChars.ReplaceAllString(display, "_")
}
