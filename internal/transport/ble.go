package transport

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// Companion BLE GATT profile. Commands are written to the rx
// characteristic; responses and pushes arrive as notifications on tx.
// Notifications carry whole payloads, so BLE skips the stream framing.
var (
	bleServiceUUID = mustUUID("6ba1b218-15a8-461f-9fa8-5dcae273eafd")
	bleRxCharUUID  = mustUUID("6ba1b218-15a8-461f-9fa8-5dcae273eafe")
	bleTxCharUUID  = mustUUID("6ba1b218-15a8-461f-9fa8-5dcae273eaff")
)

const bleScanTimeout = 15 * time.Second

var macPattern = regexp.MustCompile(`^(?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// IsMACAddress reports whether s looks like a BLE hardware address.
func IsMACAddress(s string) bool { return macPattern.MatchString(s) }

// BLELink connects to a companion radio over Bluetooth Low Energy. The
// target is matched by MAC address or, when addr is empty, by device
// name prefix ("MeshCore" matches by default).
type BLELink struct {
	addr     string
	nameHint string
	log      *zap.Logger

	mu        sync.Mutex
	device    bluetooth.Device
	rx        bluetooth.DeviceCharacteristic
	connected bool
	macAddr   string

	frames chan []byte
}

// NewBLELink creates a link to the device with the given MAC address,
// or any device whose advertised name starts with nameHint when addr
// is empty.
func NewBLELink(addr, nameHint string, log *zap.Logger) *BLELink {
	if nameHint == "" {
		nameHint = "MeshCore"
	}
	return &BLELink{
		addr:     addr,
		nameHint: nameHint,
		log:      log.Named("ble"),
		frames:   make(chan []byte, frameBuffer),
	}
}

// MACAddress returns the hardware address of the connected peer, or
// the configured address before the first connect. Used for the BlueZ
// force-disconnect fallback.
func (b *BLELink) MACAddress() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.macAddr != "" {
		return b.macAddr
	}
	return b.addr
}

func (b *BLELink) Connect(ctx context.Context) error {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	result, err := b.scan(ctx, adapter)
	if err != nil {
		return err
	}

	device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", result.Address, err)
	}

	rx, tx, err := discoverCharacteristics(device)
	if err != nil {
		_ = device.Disconnect()
		return err
	}

	err = tx.EnableNotifications(func(buf []byte) {
		payload := append([]byte(nil), buf...)
		select {
		case b.frames <- payload:
		default:
			b.log.Warn("frame buffer full, dropping frame",
				zap.Int("size", len(payload)))
		}
	})
	if err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("enable notifications: %w", err)
	}

	b.mu.Lock()
	b.device = device
	b.rx = rx
	b.connected = true
	b.macAddr = result.Address.String()
	b.mu.Unlock()

	b.log.Info("connected",
		zap.String("addr", result.Address.String()),
		zap.String("name", result.LocalName()))
	return nil
}

// scan looks for the target device, honouring ctx and a hard timeout.
func (b *BLELink) scan(ctx context.Context, adapter *bluetooth.Adapter) (bluetooth.ScanResult, error) {
	found := make(chan bluetooth.ScanResult, 1)
	timer := time.AfterFunc(bleScanTimeout, func() { _ = adapter.StopScan() })
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() { _ = adapter.StopScan() })
	defer stop()

	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !b.matches(result) {
			return
		}
		select {
		case found <- result:
		default:
		}
		_ = a.StopScan()
	})
	if err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("scan: %w", err)
	}

	select {
	case result := <-found:
		return result, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return bluetooth.ScanResult{}, err
	}
	return bluetooth.ScanResult{}, fmt.Errorf("no device matching %q found", b.target())
}

func (b *BLELink) matches(result bluetooth.ScanResult) bool {
	if b.addr != "" {
		return strings.EqualFold(result.Address.String(), b.addr)
	}
	return strings.HasPrefix(result.LocalName(), b.nameHint)
}

func (b *BLELink) target() string {
	if b.addr != "" {
		return b.addr
	}
	return b.nameHint
}

func discoverCharacteristics(device bluetooth.Device) (rx, tx bluetooth.DeviceCharacteristic, err error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{bleServiceUUID})
	if err != nil {
		return rx, tx, fmt.Errorf("discover services: %w", err)
	}
	if len(services) == 0 {
		return rx, tx, fmt.Errorf("companion service not present")
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bleRxCharUUID, bleTxCharUUID})
	if err != nil {
		return rx, tx, fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) < 2 {
		return rx, tx, fmt.Errorf("companion characteristics not present")
	}
	for _, c := range chars {
		switch c.UUID() {
		case bleRxCharUUID:
			rx = c
		case bleTxCharUUID:
			tx = c
		}
	}
	return rx, tx, nil
}

func (b *BLELink) Send(payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	_, err := b.rx.WriteWithoutResponse(payload)
	return err
}

func (b *BLELink) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	close(b.frames)
	return b.device.Disconnect()
}

func (b *BLELink) Frames() <-chan []byte { return b.frames }

func (b *BLELink) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}
