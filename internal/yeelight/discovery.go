package yeelight

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrInvalidAnnouncement is returned for discovery messages without an id or location.
var ErrInvalidAnnouncement = errors.New("invalid announcement")

const (
	// DefaultMulticastAddr is the group lamps advertise on.
	DefaultMulticastAddr = "239.255.255.250:1982"

	searchRequest = "M-SEARCH * HTTP/1.1\r\n" +
		"HOST: %s\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"ST: wifi_bulb\r\n"

	maxDatagramSize = 4096
)

// Announcement is a lamp's advertisement or search response.
type Announcement struct {
	ID         string
	Address    string // host:port of the control socket
	Model      string
	Attributes map[string]string
}

// ParseAnnouncement decodes an HTTP-style "key: value" CRLF message. Header
// names are lower-cased so they line up with the props attribute names.
func ParseAnnouncement(data []byte) (Announcement, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))

	start, err := r.ReadLine()
	if err != nil {
		return Announcement{}, fmt.Errorf("%w: %w", ErrInvalidAnnouncement, err)
	}
	if !strings.HasPrefix(start, "HTTP/1.1 200") && !strings.HasPrefix(start, "NOTIFY") {
		return Announcement{}, fmt.Errorf("%w: unexpected start line %q", ErrInvalidAnnouncement, start)
	}

	// Lamps do not always send the terminating blank line.
	header, err := r.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return Announcement{}, fmt.Errorf("%w: %w", ErrInvalidAnnouncement, err)
	}

	attrs := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) > 0 {
			attrs[strings.ToLower(key)] = values[0]
		}
	}

	a := Announcement{
		ID:         attrs["id"],
		Model:      attrs["model"],
		Attributes: attrs,
	}
	if a.ID == "" {
		return Announcement{}, fmt.Errorf("%w: missing id", ErrInvalidAnnouncement)
	}

	loc, err := url.Parse(attrs["location"])
	if err != nil || loc.Host == "" {
		return Announcement{}, fmt.Errorf("%w: bad location %q", ErrInvalidAnnouncement, attrs["location"])
	}
	a.Address = loc.Host

	return a, nil
}

// DiscoveryConfig contains discovery settings.
type DiscoveryConfig struct {
	MulticastAddr  string
	SearchInterval time.Duration // 0 = search once at start
}

// Discoverer listens for lamp adverts and periodically searches for lamps.
type Discoverer struct {
	cfg        DiscoveryConfig
	onAnnounce func(Announcement)
}

// NewDiscoverer creates a discoverer that calls onAnnounce for every valid
// announcement, including repeats.
func NewDiscoverer(cfg DiscoveryConfig, onAnnounce func(Announcement)) *Discoverer {
	if cfg.MulticastAddr == "" {
		cfg.MulticastAddr = DefaultMulticastAddr
	}
	return &Discoverer{
		cfg:        cfg,
		onAnnounce: onAnnounce,
	}
}

// Run listens until ctx is cancelled.
func (d *Discoverer) Run(ctx context.Context) error {
	group, err := net.ResolveUDPAddr("udp4", d.cfg.MulticastAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve multicast address: %w", err)
	}

	// Search responses are unicast back to the sending socket.
	search, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("failed to open search socket: %w", err)
	}

	var wg sync.WaitGroup
	sockets := []*net.UDPConn{search}

	if adverts, err := net.ListenMulticastUDP("udp4", nil, group); err != nil {
		log.Warn().Err(err).Str("group", group.String()).Msg("Passive discovery unavailable, relying on search")
	} else {
		sockets = append(sockets, adverts)
	}

	for _, sock := range sockets {
		wg.Add(1)
		go func(sock *net.UDPConn) {
			defer wg.Done()
			d.listen(ctx, sock)
		}(sock)
	}

	log.Info().Str("group", group.String()).Dur("search_interval", d.cfg.SearchInterval).Msg("Discovery started")

	d.search(search, group)

	var tick <-chan time.Time
	if d.cfg.SearchInterval > 0 {
		ticker := time.NewTicker(d.cfg.SearchInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-tick:
			d.search(search, group)
		}
	}

	for _, sock := range sockets {
		sock.Close()
	}
	wg.Wait()

	log.Info().Msg("Discovery stopped")
	return nil
}

func (d *Discoverer) search(sock *net.UDPConn, group *net.UDPAddr) {
	msg := fmt.Sprintf(searchRequest, group.String())
	if _, err := sock.WriteToUDP([]byte(msg), group); err != nil {
		log.Warn().Err(err).Msg("Failed to send discovery search")
		return
	}
	log.Debug().Msg("Discovery search sent")
}

func (d *Discoverer) listen(ctx context.Context, sock *net.UDPConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Msg("Discovery read failed")
			}
			return
		}

		if bytes.HasPrefix(buf[:n], []byte("M-SEARCH")) {
			continue
		}

		a, err := ParseAnnouncement(buf[:n])
		if err != nil {
			log.Debug().Err(err).Str("from", from.String()).Msg("Ignoring discovery message")
			continue
		}
		log.Trace().Str("lamp", a.ID).Str("model", a.Model).Str("address", a.Address).Msg("Lamp announced")
		d.onAnnounce(a)
	}
}
