package solana

import (
	"net/url"
	"strings"
)

// ExplorerTxURL builds the verification link for a transaction reference:
// <base>/tx/<reference>?cluster=<cluster>.
// The reference is treated as opaque and only path-escaped.
func ExplorerTxURL(base, reference, cluster string) string {
	if reference == "" {
		return ""
	}
	link := strings.TrimRight(base, "/") + "/tx/" + url.PathEscape(reference)
	if cluster != "" {
		link += "?cluster=" + url.QueryEscape(cluster)
	}
	return link
}
