// Package discovery broadcasts a small presence packet over UDP so devices
// on the same LAN can locate the server without static configuration. The
// packet is JSON carrying the service name and the WebSocket URL.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Announcement is the JSON payload broadcast on each tick.
type Announcement struct {
	Service string `json:"service"`
	WSURL   string `json:"ws_url"`
	Version int    `json:"version"`
}

// Beacon periodically broadcasts an [Announcement]. The zero value is not
// usable; construct with [NewBeacon].
type Beacon struct {
	interval time.Duration
	payload  []byte
	target   string
	logger   *slog.Logger
}

// Option configures a Beacon.
type Option func(*Beacon)

// WithTarget overrides the broadcast destination. Used by tests to point the
// beacon at a local listener instead of the broadcast address.
func WithTarget(addr string) Option {
	return func(b *Beacon) { b.target = addr }
}

// WithLogger sets the beacon's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Beacon) { b.logger = logger }
}

// NewBeacon builds a beacon that announces wsURL on the broadcast address at
// the given UDP port, every interval.
func NewBeacon(wsURL string, port int, interval time.Duration, opts ...Option) (*Beacon, error) {
	payload, err := json.Marshal(Announcement{
		Service: "voicepin",
		WSURL:   wsURL,
		Version: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: marshal announcement: %w", err)
	}

	b := &Beacon{
		interval: interval,
		payload:  payload,
		target:   fmt.Sprintf("255.255.255.255:%d", port),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.interval <= 0 {
		b.interval = 10 * time.Second
	}
	return b, nil
}

// Run broadcasts until ctx is cancelled. The first announcement goes out
// immediately. Send errors are logged and the loop keeps going; a transient
// network problem must not kill the beacon.
func (b *Beacon) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", b.target)
	if err != nil {
		return fmt.Errorf("discovery: resolve %s: %w", b.target, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("discovery: dial %s: %w", b.target, err)
	}
	defer conn.Close()

	b.logger.Info("discovery beacon started",
		slog.String("target", b.target),
		slog.Duration("interval", b.interval))

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		if _, err := conn.Write(b.payload); err != nil {
			b.logger.Warn("discovery broadcast failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			b.logger.Info("discovery beacon stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PrimaryIP returns the machine's outward-facing IPv4 address. It opens a UDP
// socket toward a public address; no packet is actually sent. Falls back to
// 127.0.0.1 when the machine has no route.
func PrimaryIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// WSURL builds the device-facing WebSocket URL for the given listen port,
// appending the auth token as a query parameter when one is configured.
func WSURL(ip string, port int, token string) string {
	url := fmt.Sprintf("ws://%s:%d/ws", ip, port)
	if token != "" {
		url += "?token=" + token
	}
	return url
}
