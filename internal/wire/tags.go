package wire

import "github.com/nbd-wtf/go-nostr"

// FirstTagValue returns the value of the first tag with the given name, or ""
// when absent.
func FirstTagValue(ev nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns every value carried by tags with the given name.
func TagValues(ev nostr.Event, name string) []string {
	var values []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}
