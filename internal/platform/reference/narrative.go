package reference

import (
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// narrativeAttrs are the XHTML attributes that may address a resource.
var narrativeAttrs = map[string]bool{"href": true, "src": true}

// RewriteNarrative applies fn to every href and src attribute in an XHTML
// div. Tokens that are not rewritten are copied byte for byte.
func RewriteNarrative(div string, fn func(uri string) (string, error)) (string, error) {
	if !strings.Contains(div, "href") && !strings.Contains(div, "src") {
		return div, nil
	}

	z := html.NewTokenizer(strings.NewReader(div))
	var b strings.Builder
	b.Grow(len(div))
	changed := false

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return "", err
			}
			break
		}
		// Token lowercases names inside the tokenizer buffer, so copy first.
		raw := append([]byte(nil), z.Raw()...)
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			b.Write(raw)
			continue
		}

		tok := z.Token()
		rewritten := false
		for i, a := range tok.Attr {
			if a.Namespace != "" || !narrativeAttrs[a.Key] {
				continue
			}
			v, err := fn(a.Val)
			if err != nil {
				return "", err
			}
			if v != a.Val {
				tok.Attr[i].Val = v
				rewritten = true
			}
		}
		if rewritten {
			b.WriteString(tok.String())
			changed = true
		} else {
			b.Write(raw)
		}
	}

	if !changed {
		return div, nil
	}
	return b.String(), nil
}
