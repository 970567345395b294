// Package gpu resolves the PCI bus locations recorded in profiler exports
// to device names using sysfs and the PCI ID database.
package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
)

const pciDevicesPath = "bus/pci/devices"

// Info describes the PCI function behind a bus location.
type Info struct {
	BusLocation string `json:"bus_location"`
	PCIID       string `json:"pci_id"`
	SubsystemID string `json:"subsystem_id,omitempty"`
	Name        string `json:"name"`
}

// Resolver looks up bus locations under a sysfs root. Results, including
// misses, are cached for the lifetime of the resolver. It is safe for
// concurrent use.
type Resolver struct {
	root   string
	logger *slog.Logger
	lookup NameLookup

	mu    sync.Mutex
	cache map[string]resolved
}

type resolved struct {
	info Info
	ok   bool
}

// NewResolver builds a resolver reading sysfs below root (usually /sys).
// A nil lookup uses the system PCI ID database.
func NewResolver(root string, lookup NameLookup, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if lookup == nil {
		lookup = LookupPCIName
	}
	return &Resolver{
		root:   root,
		logger: logger,
		lookup: lookup,
		cache:  make(map[string]resolved),
	}
}

// Resolve reads the PCI ids of the device at busLocation. The second result
// is false when the device is not present on this host, which is the usual
// case for exports captured elsewhere.
func (r *Resolver) Resolve(busLocation string) (Info, bool, error) {
	slot := NormalizeBusLocation(busLocation)
	if slot == "" {
		return Info{}, false, nil
	}

	r.mu.Lock()
	if hit, ok := r.cache[slot]; ok {
		r.mu.Unlock()
		return hit.info, hit.ok, nil
	}
	r.mu.Unlock()

	info, ok, err := r.load(slot)
	if err != nil {
		return Info{}, false, err
	}

	r.mu.Lock()
	r.cache[slot] = resolved{info: info, ok: ok}
	r.mu.Unlock()
	return info, ok, nil
}

// DisplayName returns the name to show for a device: the recorded name,
// unless it is generic and the device resolves to something better.
func (r *Resolver) DisplayName(recorded, busLocation string) string {
	info, ok, err := r.Resolve(busLocation)
	if err != nil {
		r.logger.Debug("resolve bus location", "bus_location", busLocation, "err", err)
		return recorded
	}
	if ok && shouldUseResolvedName(recorded, info.Name) {
		return info.Name
	}
	return recorded
}

func (r *Resolver) load(slot string) (Info, bool, error) {
	sysRoot, err := os.OpenRoot(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, false, nil
		}
		return Info{}, false, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	deviceRoot, err := sysRoot.OpenRoot(path.Join(pciDevicesPath, slot))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, false, nil
		}
		return Info{}, false, fmt.Errorf("open pci device %s: %w", slot, err)
	}
	defer deviceRoot.Close()

	var pciID, subsysID string
	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		pciID = strings.ToLower(parseKeyValue(text, "PCI_ID"))
		subsysID = strings.ToLower(parseKeyValue(text, "PCI_SUBSYS_ID"))
	}
	if pciID == "" {
		vendor, verr := readTrim(deviceRoot, "vendor")
		device, derr := readTrim(deviceRoot, "device")
		if verr != nil || derr != nil {
			return Info{}, false, fmt.Errorf("read pci ids of %s: %w", slot, errors.Join(verr, derr))
		}
		pciID = formatHexPair(vendor, device)
	}
	if subsysID == "" {
		vendor, verr := readTrim(deviceRoot, "subsystem_vendor")
		device, derr := readTrim(deviceRoot, "subsystem_device")
		if verr == nil && derr == nil {
			subsysID = formatHexPair(vendor, device)
		}
	}

	vendorID, deviceID := splitPCIIdentifier(pciID)
	subVendorID, subDeviceID := splitPCIIdentifier(subsysID)
	info := Info{
		BusLocation: slot,
		PCIID:       pciID,
		SubsystemID: subsysID,
		Name:        r.lookup(vendorID, deviceID, subVendorID, subDeviceID),
	}
	r.logger.Debug("resolved pci device", "bus_location", slot, "pci_id", pciID, "name", info.Name)
	return info, true, nil
}

// NormalizeBusLocation converts a bus location to the sysfs slot form
// (domain:bus:device.function, lower case). A missing domain defaults to
// 0000. Values that cannot name a slot yield "".
func NormalizeBusLocation(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" || strings.ContainsAny(value, "/\\") || strings.Contains(value, "..") {
		return ""
	}
	switch strings.Count(value, ":") {
	case 1:
		value = "0000:" + value
	case 2:
		domain, rest, _ := strings.Cut(value, ":")
		if len(domain) < 4 {
			domain = strings.Repeat("0", 4-len(domain)) + domain
		} else if len(domain) > 4 {
			domain = domain[len(domain)-4:]
		}
		value = domain + ":" + rest
	default:
		return ""
	}
	if !strings.Contains(value, ".") {
		return ""
	}
	return value
}

func splitPCIIdentifier(pciID string) (string, string) {
	first, second, ok := strings.Cut(pciID, ":")
	if !ok {
		return "", ""
	}
	return first, second
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func formatHexPair(first, second string) string {
	return strings.ToLower(strings.TrimPrefix(first, "0x") + ":" + strings.TrimPrefix(second, "0x"))
}
