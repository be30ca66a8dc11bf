package search

import (
	"io"
	"mime"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/znz-systems/mailindex/internal/models"
)

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(strings.ToLower(charset))
		if err != nil {
			return input, nil
		}
		return enc.NewDecoder().Reader(input), nil
	},
}

// formatAddresses flattens groups into their members and turns display
// values into readable text.
func formatAddresses(nodes []models.AddressNode) []Address {
	var out []Address
	for _, n := range nodes {
		if len(n.Group) > 0 {
			out = append(out, formatAddresses(n.Group)...)
			continue
		}
		if n.Address == "" && n.Name == "" {
			continue
		}
		out = append(out, Address{
			Name:    decodeName(n.Name),
			Address: unicodeAddress(n.Address),
		})
	}
	return out
}

func decodeName(name string) string {
	name = strings.TrimSpace(name)
	if !strings.Contains(name, "=?") {
		return name
	}
	decoded, err := wordDecoder.DecodeHeader(name)
	if err != nil {
		return name
	}
	return decoded
}

// unicodeAddress converts a punycode domain back to Unicode. Addresses that
// fail conversion are kept as they are.
func unicodeAddress(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr
	}
	domain := addr[at+1:]
	if !strings.Contains(strings.ToLower(domain), "xn--") {
		return addr
	}
	u, err := idna.ToUnicode(domain)
	if err != nil {
		return addr
	}
	return addr[:at+1] + u
}
