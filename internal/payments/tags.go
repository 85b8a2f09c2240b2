package payments

import (
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mbd888/nostrmcp/internal/wire"
)

// PmiTags builds the pmi tags a client attaches to its requests, one per
// payment handler it can settle with.
func PmiTags(handlers []Handler) nostr.Tags {
	var tags nostr.Tags
	for _, h := range handlers {
		if pmi := NormalizePMI(h.PMI()); pmi != "" {
			tags = append(tags, nostr.Tag{wire.TagPMI, pmi})
		}
	}
	return tags
}

// ProcessorPmiTags advertises the server's accepted payment methods on its
// announcements.
func ProcessorPmiTags(processors []Processor) nostr.Tags {
	var tags nostr.Tags
	for _, p := range processors {
		if pmi := NormalizePMI(p.PMI()); pmi != "" {
			tags = append(tags, nostr.Tag{wire.TagPMI, pmi})
		}
	}
	return tags
}

// CapTags advertises priced capabilities as cap tags of the form
// ["cap", "<class>:<name>", "<amount>" or "<amount>-<max>", "<unit>"].
// Capabilities without a name or with an unrecognized method are skipped.
func CapTags(capabilities []PricedCapability) nostr.Tags {
	var tags nostr.Tags
	for _, c := range capabilities {
		label := kindLabel(c.Method)
		if label == "" || c.Name == "" {
			continue
		}
		amount := formatAmount(c.Amount)
		if c.MaxAmount > c.Amount {
			amount += "-" + formatAmount(c.MaxAmount)
		}
		tags = append(tags, nostr.Tag{wire.TagCap, label + ":" + c.Name, amount, c.CurrencyUnit})
	}
	return tags
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
