package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"
)

// DeviceAttributes are the client-reported properties a device signature is
// derived from. All values are untrusted.
type DeviceAttributes struct {
	UserAgent      string `json:"user_agent"`
	Language       string `json:"language"`
	ScreenDims     string `json:"screen_dims"`
	TimezoneOffset int    `json:"timezone_offset"`
	Platform       string `json:"platform"`
}

// Fingerprint returns a stable hex id for attrs. The same attribute set always
// yields the same id; nothing time- or randomness-dependent is mixed in.
func Fingerprint(attrs DeviceAttributes) string {
	fields := map[string]string{
		"language":        strings.TrimSpace(attrs.Language),
		"platform":        strings.TrimSpace(attrs.Platform),
		"screen_dims":     strings.TrimSpace(attrs.ScreenDims),
		"timezone_offset": fmt.Sprintf("%d", attrs.TimezoneOffset),
		"user_agent":      strings.TrimSpace(attrs.UserAgent),
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		// length-prefix values so "a|b" style collisions are impossible
		fmt.Fprintf(h, "%s=%d:%s;", k, len(fields[k]), fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LocalAttributes describes the machine the CLI client runs on.
func LocalAttributes(version string) DeviceAttributes {
	_, offset := time.Now().Zone()
	ua := "slqrattend-cli/" + version
	if ids, err := GetDeviceFingerprints(); err == nil && len(ids) > 0 {
		sum := sha256.Sum256([]byte(ids[0]))
		ua += " hw/" + hex.EncodeToString(sum[:4])
	}
	lang := os.Getenv("LANG")
	if i := strings.IndexAny(lang, ".@"); i >= 0 {
		lang = lang[:i]
	}
	return DeviceAttributes{
		UserAgent:      ua,
		Language:       lang,
		TimezoneOffset: offset / 60,
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// GetDeviceFingerprints returns hardware UUIDs for the current machine.
// Mobile and browser clients must report their own attributes instead.
func GetDeviceFingerprints() ([]string, error) {
	switch runtime.GOOS {
	case "darwin":
		return getMacOSUUID()
	case "linux":
		return getLinuxUUID()
	default:
		return nil, errors.New("unsupported platform: " + runtime.GOOS)
	}
}

func getMacOSUUID() ([]string, error) {
	out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "IOPlatformUUID") {
			parts := strings.Split(line, "\"")
			if len(parts) >= 4 {
				ids = append(ids, parts[3])
			}
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("no IOPlatformUUID found")
	}
	return ids, nil
}

func getLinuxUUID() ([]string, error) {
	for _, p := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(b)); id != "" {
			return []string{id}, nil
		}
	}
	return nil, errors.New("no hardware UUID found on Linux")
}
