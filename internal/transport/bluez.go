package transport

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ForceDisconnect asks BlueZ over D-Bus to drop the GATT connection to
// the device with the given MAC address. Some firmware keeps the BLE
// session half-open after an application-level failure, which blocks
// the next connect attempt until the OS side is torn down too.
func ForceDisconnect(ctx context.Context, mac string, log *zap.Logger) error {
	if !IsMACAddress(mac) {
		return fmt.Errorf("transport: not a MAC address: %q", mac)
	}
	devPath := fmt.Sprintf("/org/bluez/hci0/dev_%s",
		strings.ToUpper(strings.ReplaceAll(mac, ":", "_")))

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "busctl", "--system", "call",
		"org.bluez", devPath, "org.bluez.Device1", "Disconnect")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("transport: bluez disconnect %s: %w: %s",
			mac, err, strings.TrimSpace(string(out)))
	}
	log.Info("forced bluez disconnect", zap.String("mac", mac))
	return nil
}
