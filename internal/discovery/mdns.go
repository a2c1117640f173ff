// ABOUTME: mDNS discovery of stream sources on the LAN
// ABOUTME: Sources advertise _bark._udp with the group in TXT, clients browse
package discovery

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"

	"github.com/haileys/bark/internal/socket"
)

const (
	// ServiceType is the mDNS service stream sources advertise.
	ServiceType = "_bark._udp"

	domain = "local"

	browseTimeout = 3 * time.Second
)

// ErrNoSources means a browse round finished without finding a source
// that advertises a usable group.
var ErrNoSources = errors.New("no stream sources on the network")

// Source describes one advertised stream source.
type Source struct {
	Instance string
	Host     string
	Port     int
	Group    string
}

// Advertiser keeps a source's mDNS presence alive until closed.
type Advertiser struct {
	server *mdns.Server
}

// Advertise announces a source streaming to group. An empty instance
// gets a generated name, so two sources on one host stay distinct.
func Advertise(instance string, group *net.UDPAddr) (*Advertiser, error) {
	ips, err := localIPs()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	instance = instanceName(instance)
	service, err := mdns.NewMDNSService(
		instance,
		ServiceType,
		"", "",
		group.Port,
		ips,
		[]string{"group=" + group.String()},
	)
	if err != nil {
		return nil, fmt.Errorf("create mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("start mdns responder: %w", err)
	}

	log.Printf("advertising %s as %q (group %s)", ServiceType, instance, group)
	return &Advertiser{server: server}, nil
}

// Close withdraws the advertisement.
func (a *Advertiser) Close() error {
	return a.server.Shutdown()
}

func instanceName(instance string) string {
	if instance != "" {
		return instance
	}
	return "bark-" + uuid.NewString()[:8]
}

// Browse queries the LAN once and returns every source that answered.
// It blocks for up to the browse timeout.
func Browse() ([]Source, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan []Source, 1)

	go func() {
		var found []Source
		for entry := range entries {
			if src, ok := sourceFromEntry(entry); ok {
				found = append(found, src)
			}
		}
		done <- found
	}()

	params := &mdns.QueryParam{
		Service: ServiceType,
		Domain:  domain,
		Timeout: browseTimeout,
		Entries: entries,
		// The transport is v4 multicast; no point chasing AAAA.
		DisableIPv6: true,
	}
	err := mdns.Query(params)
	close(entries)
	if err != nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}
	return <-done, nil
}

// ResolveGroup browses and returns the first advertised group.
// Receivers fall back to it when no group is configured.
func ResolveGroup() (*net.UDPAddr, error) {
	sources, err := Browse()
	if err != nil {
		return nil, err
	}
	for _, s := range sources {
		if s.Group == "" {
			continue
		}
		group, err := socket.ParseGroup(s.Group)
		if err != nil {
			log.Printf("source %q advertises bad group %q: %v", s.Instance, s.Group, err)
			continue
		}
		log.Printf("discovered group %s from %q", group, s.Instance)
		return group, nil
	}
	return nil, ErrNoSources
}

func sourceFromEntry(e *mdns.ServiceEntry) (Source, bool) {
	if e.AddrV4 == nil {
		return Source{}, false
	}
	s := Source{
		Instance: strings.TrimSuffix(e.Name, "."+ServiceType+"."+domain+"."),
		Host:     e.AddrV4.String(),
		Port:     e.Port,
	}
	for _, field := range e.InfoFields {
		if v, ok := strings.CutPrefix(field, "group="); ok {
			s.Group = v
		}
	}
	return s, true
}

// localIPs lists the v4 addresses worth advertising.
func localIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
