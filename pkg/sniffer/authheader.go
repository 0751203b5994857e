package sniffer

import (
	"encoding/base64"
	"strings"
)

// parseAuthorization splits an Authorization header value into a scheme and
// its parameters. Basic's parameter is a single base64 blob decoded to a
// "credential" field; every other scheme's parameters are treated as a
// comma-separated k=v list, matching how digest and bearer-style schemes in
// the wild format their challenge/response parameters.
func parseAuthorization(value string) map[string]string {
	scheme, params, ok := strings.Cut(value, " ")
	if !ok {
		return nil
	}
	out := map[string]string{"scheme": scheme}
	if scheme == "Basic" {
		decoded, err := base64.StdEncoding.DecodeString(params)
		if err != nil {
			return nil
		}
		out["credential"] = string(decoded)
		return out
	}
	for _, param := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
