// internal/optimizer/validation.go
package optimizer

import (
	"fmt"
	"net/url"
	"strings"
)

// Wire codes reported to API clients.
const (
	CodeInvalidURL = "InvalidUrl"
	CodeServerBusy = "ServerIsBusy"
)

// ValidationError is one rejected input.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationErrors collects every rejected input of a request.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Message
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// ValidateURLs reports every entry that is not an absolute http or https URL.
// It returns nil when all entries are valid.
func ValidateURLs(urls []string) ValidationErrors {
	var errs ValidationErrors
	for _, raw := range urls {
		if !validURL(raw) {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidURL,
				Message: fmt.Sprintf("Invalid URL '%s'", raw),
			})
		}
	}
	return errs
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
