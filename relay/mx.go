package relay

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/tarnmail/tarn/dns"
)

// candidate is one MX target to try, in the order Deliver should
// attempt it.
type candidate struct {
	host string
	pref uint16
}

// resolveMX issues an MX query for domain and sorts the answers
// ascending by preference. A domain with no MX records falls back to
// a single candidate naming the bare domain at preference 0, per the
// standard MX-less-domain convention.
func resolveMX(ctx context.Context, resolver dns.Resolver, domain string) ([]candidate, error) {
	result, err := resolver.LookupMX(ctx, domain)
	if err != nil || len(result.Records) == 0 {
		return []candidate{{host: domain, pref: 0}}, nil
	}

	candidates := make([]candidate, 0, len(result.Records))
	for _, mx := range result.Records {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		candidates = append(candidates, candidate{host: host, pref: mx.Pref})
	}
	if len(candidates) == 0 {
		return []candidate{{host: domain, pref: 0}}, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].pref < candidates[j].pref
	})
	return candidates, nil
}

// domainOf returns the part of an address after the last '@'.
func domainOf(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return address
	}
	return address[at+1:]
}

func (c candidate) addr(port int) string {
	return net.JoinHostPort(c.host, strconv.Itoa(port))
}
