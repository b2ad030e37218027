package gateway

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// parseGatewayReply turns a refund/inquiry reply body into a normalized
// field map. The gateway answers either with a form-encoded line or with
// an ad-hoc XML document whose leaf elements are the fields; both collapse
// to the same lower-cased map.
func parseGatewayReply(body string) (map[string]string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, fmt.Errorf("empty gateway reply")
	}

	if strings.HasPrefix(trimmed, "<") {
		return parseXMLReply(trimmed)
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil {
		return nil, fmt.Errorf("form decode: %w", err)
	}
	return NormalizeFields(values), nil
}

// parseXMLReply flattens leaf elements into key/value pairs. There is no
// schema to rely on; element names become lower-cased field names.
func parseXMLReply(body string) (map[string]string, error) {
	fields := make(map[string]string)
	dec := xml.NewDecoder(strings.NewReader(body))

	var current string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("xml decode: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = strings.ToLower(t.Name.Local)
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if current == strings.ToLower(t.Name.Local) && current != "" {
				if v := strings.TrimSpace(text.String()); v != "" {
					fields[current] = v
				}
			}
			current = ""
			text.Reset()
		}
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("xml reply carries no fields")
	}
	return fields, nil
}
