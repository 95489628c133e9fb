package jhttp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ParseQuery decodes a method name and parameter object from the URL and
// form-encoded body of req, for use as the ParseRequest hook of a Getter or
// the ParseGETRequest hook of a Bridge.
//
// The URL path, minus leading and trailing slashes, is the method name; it
// is an error for the path to be empty. The query parameters (and the body,
// if it is form-encoded) become an object whose values are decoded by shape:
//
//   - A value enclosed in double quotes ("...") is a JSON string.
//   - A value enclosed in single quotes ('...') is a byte string, with the
//     content encoded as base64.
//   - The literals null, true, and false decode to themselves.
//   - A value that parses as an integer or a float is a number.
//   - Anything else, including an empty value, is a plain string.
//
// A quote character at only one end of a value is an error, as is quoted
// content that does not decode. If the request has no parameters at all, the
// parameter value is nil.
func ParseQuery(req *http.Request) (string, any, error) {
	method := strings.Trim(req.URL.Path, "/")
	if method == "" {
		return "", nil, fmt.Errorf("empty URL path in %q", req.URL)
	}
	if err := req.ParseForm(); err != nil {
		return "", nil, err
	}
	if len(req.Form) == 0 {
		return method, nil, nil
	}
	params := make(map[string]any)
	for key := range req.Form {
		val, err := parseQueryValue(req.Form.Get(key))
		if err != nil {
			return "", nil, fmt.Errorf("decoding %q: %w", key, err)
		}
		params[key] = val
	}
	return method, params, nil
}

func parseQueryValue(s string) (any, error) {
	if isQuoted(s, '"') {
		var str string
		if err := json.Unmarshal([]byte(s), &str); err != nil {
			return nil, err
		}
		return str, nil
	} else if strings.HasPrefix(s, `"`) || strings.HasSuffix(s, `"`) {
		return nil, fmt.Errorf("missing string quote in %q", s)
	}

	if isQuoted(s, '\'') {
		dec, err := base64.StdEncoding.DecodeString(s[1 : len(s)-1])
		if err != nil {
			return nil, fmt.Errorf("decoding bytes: %w", err)
		}
		return dec, nil
	} else if strings.HasPrefix(s, "'") || strings.HasSuffix(s, "'") {
		return nil, fmt.Errorf("missing bytes quote in %q", s)
	}

	switch s {
	case "null":
		return nil, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if z, err := strconv.ParseInt(s, 10, 64); err == nil {
		return z, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return s, nil
}

// isQuoted reports whether s is enclosed by q at both ends.
func isQuoted(s string, q byte) bool {
	return len(s) >= 2 && s[0] == q && s[len(s)-1] == q
}
