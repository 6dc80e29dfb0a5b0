// Package discord holds the Discord specific parts of the archive.
package discord

import (
	"net/url"
	"strings"
)

// cdnHosts serve attachments behind expiring signed links.
var cdnHosts = map[string]struct{}{
	"cdn.discordapp.com":   {},
	"cdn.discord.com":      {},
	"media.discordapp.net": {},
}

// NormalizeURL returns the dedup key of an attachment URL. Discord CDN links
// lose their signature query so every refreshed link of the same file maps
// to one record. Other URLs are returned unchanged, as are unparsable ones.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	if !IsCDNHost(u.Hostname()) {
		return raw
	}

	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	return u.String()
}

// IsCDNHost reports whether host serves Discord attachments.
func IsCDNHost(host string) bool {
	_, ok := cdnHosts[strings.ToLower(host)]

	return ok
}
