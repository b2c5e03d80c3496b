package http

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	checkout "github.com/chipcasher/checkout"
)

// TransactionRequestURL is a Solana Pay transaction request: the wallet POSTs
// its account to Link and receives the transaction to sign.
type TransactionRequestURL struct {
	Link    *url.URL
	Label   string
	Message string
}

// Encode renders the request as a "solana:" URL suitable for a QR code.
// Links with a query string are percent-encoded as a whole so the wallet
// can recover them unchanged.
func (r TransactionRequestURL) Encode() string {
	link := r.Link.String()
	if r.Link.RawQuery != "" {
		link = encodeURIComponent(strings.Replace(link, "/?", "?", 1))
	} else {
		link = strings.TrimSuffix(link, "/")
	}

	params := url.Values{}
	if r.Label != "" {
		params.Set("label", r.Label)
	}
	if r.Message != "" {
		params.Set("message", r.Message)
	}

	encoded := "solana:" + link
	if len(params) > 0 {
		encoded += "?" + params.Encode()
	}
	return encoded
}

// ParseTransactionRequestURL reverses Encode
func ParseTransactionRequestURL(raw string) (TransactionRequestURL, error) {
	rest, ok := strings.CutPrefix(raw, "solana:")
	if !ok {
		return TransactionRequestURL{}, fmt.Errorf("not a solana URL: %q", raw)
	}

	var query string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, query = rest[:i], rest[i+1:]
	}
	linkText, err := url.PathUnescape(rest)
	if err != nil {
		return TransactionRequestURL{}, fmt.Errorf("invalid link: %w", err)
	}
	link, err := url.Parse(linkText)
	if err != nil {
		return TransactionRequestURL{}, fmt.Errorf("invalid link: %w", err)
	}
	if link.Scheme != "https" && link.Scheme != "http" {
		return TransactionRequestURL{}, fmt.Errorf("link must be http(s): %q", linkText)
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return TransactionRequestURL{}, fmt.Errorf("invalid parameters: %w", err)
	}
	return TransactionRequestURL{
		Link:    link,
		Label:   params.Get("label"),
		Message: params.Get("message"),
	}, nil
}

// encodeURIComponent escapes like the JavaScript function of the same name,
// which is what wallets decode with
func encodeURIComponent(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	for _, keep := range []string{"!", "'", "(", ")", "*"} {
		escaped = strings.ReplaceAll(escaped, url.QueryEscape(keep), keep)
	}
	return escaped
}

// CartQuery encodes a cart and reference as makeTransaction query parameters.
// Keys are sorted so the same cart always yields the same URL.
func CartQuery(cart checkout.Cart, reference checkout.ReferenceID) url.Values {
	keys := make([]string, 0, len(cart))
	for k := range cart {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, cart[k])
	}
	if reference != "" {
		values.Set(ReferenceParam, string(reference))
	}
	return values
}

// CartFromQuery splits makeTransaction query parameters into the cart and the
// reference. Repeated keys are joined so they fail quantity parsing.
func CartFromQuery(values url.Values) (checkout.Cart, checkout.ReferenceID) {
	cart := make(checkout.Cart, len(values))
	var reference checkout.ReferenceID
	for key, vals := range values {
		if key == ReferenceParam {
			if len(vals) > 0 {
				reference = checkout.ReferenceID(vals[0])
			}
			continue
		}
		cart[key] = strings.Join(vals, ",")
	}
	return cart, reference
}
