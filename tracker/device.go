package tracker

import (
	"strings"

	"github.com/mssola/user_agent"
)

const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
)

// Device is what the User-Agent header says about the visitor's browser.
type Device struct {
	Type    string
	Browser string
	OS      string
}

// ParseDevice classifies a User-Agent string. An empty string yields an
// empty Device.
func ParseDevice(ua string) Device {
	if strings.TrimSpace(ua) == "" {
		return Device{}
	}

	parsed := user_agent.New(ua)
	browser, _ := parsed.Browser()
	d := Device{
		Browser: browser,
		OS:      parsed.OSInfo().Name,
	}

	switch {
	case parsed.Bot():
		d.Type = DeviceBot
	case isTablet(ua):
		d.Type = DeviceTablet
	case parsed.Mobile():
		d.Type = DeviceMobile
	default:
		d.Type = DeviceDesktop
	}
	return d
}

func isTablet(ua string) bool {
	if strings.Contains(ua, "iPad") || strings.Contains(ua, "Tablet") {
		return true
	}
	return strings.Contains(ua, "Android") && !strings.Contains(ua, "Mobile")
}
