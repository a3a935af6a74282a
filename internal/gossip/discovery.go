package gossip

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// discoverer resolves a configured DNS name to the set of peer
// instance addresses, per spec §4.6: "periodically resolve a
// configured DNS name to the set of peer instance addresses".
type discoverer struct {
	client       *dns.Client
	nameserver   string
	dnsName      string
	internalPort string
}

func newDiscoverer(dnsName, internalPort, nameserver string) *discoverer {
	if nameserver == "" {
		nameserver = "127.0.0.1:53"
	}
	return &discoverer{
		client:       &dns.Client{},
		nameserver:   nameserver,
		dnsName:      dnsName,
		internalPort: internalPort,
	}
}

// resolve returns host:port addresses for every A record currently
// published under the gossip DNS name.
func (d *discoverer) resolve(ctx context.Context) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(d.dnsName), dns.TypeA)

	in, _, err := d.client.ExchangeContext(ctx, m, d.nameserver)
	if err != nil {
		return nil, fmt.Errorf("gossip: DNS query for %s failed: %w", d.dnsName, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("gossip: DNS query for %s returned rcode %s", d.dnsName, dns.RcodeToString[in.Rcode])
	}

	addrs := make([]string, 0, len(in.Answer))
	for _, rr := range in.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(a.A.String(), d.internalPort))
	}
	return addrs, nil
}
